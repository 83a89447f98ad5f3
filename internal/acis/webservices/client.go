// Package webservices submits queries to the ACIS web services over HTTP.
package webservices

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/html"

	"github.com/climatedata/acis/internal/acis"
	"github.com/climatedata/acis/internal/provider/resilience"
)

const (
	// ProviderName identifies the service in health reports and spans.
	ProviderName = "acis"

	// DefaultBaseURL is the public ACIS web services endpoint.
	DefaultBaseURL = "https://data.rcc-acis.org"
)

// ClientConfig holds configuration for the web services client.
type ClientConfig struct {
	// BaseURL is the service root (optional, defaults to DefaultBaseURL).
	BaseURL string

	// HTTPClient is the HTTP client to use (optional). If nil, a resilient
	// client without in-place retries is created.
	HTTPClient *resilience.Client

	// Tracer records one span per call (optional).
	Tracer trace.Tracer

	// Logger for client operations.
	Logger zerolog.Logger
}

// Client is an acis.Transport backed by HTTP.
type Client struct {
	baseURL    string
	httpClient *resilience.Client
	tracer     trace.Tracer
	logger     zerolog.Logger
}

var _ acis.Transport = (*Client)(nil)

// NewClient creates a new web services client.
func NewClient(cfg ClientConfig) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		rc := resilience.DefaultClientConfig(ProviderName)
		rc.MaxRetries = 0
		rc.Transport = otelhttp.NewTransport(http.DefaultTransport)
		httpClient = resilience.NewClient(rc)
	}

	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/climatedata/acis/internal/acis/webservices")
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		tracer:     tracer,
		logger:     cfg.Logger.With().Str("component", "acis_client").Logger(),
	}
}

// Name returns the provider name.
func (c *Client) Name() string {
	return ProviderName
}

// Submit posts payload as the "params" form field to the endpoint for call
// and returns the body of a 200 response.
//
// Failures are classified as *acis.TransportError (timeouts, connection
// failures, 408, 429 and 5xx responses) or *acis.ServiceRejection (400 and
// other 4xx responses).
func (c *Client) Submit(ctx context.Context, call acis.Call, payload []byte) ([]byte, error) {
	ctx, span := c.tracer.Start(ctx, "acis."+string(call),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("acis.call", string(call)),
			attribute.Int("acis.payload_bytes", len(payload)),
		),
	)
	defer span.End()

	start := time.Now()
	body, err := c.submit(ctx, call, payload)
	elapsed := time.Since(start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Debug().
			Err(err).
			Str("call", string(call)).
			Dur("elapsed", elapsed).
			Msg("acis call failed")
		return nil, err
	}

	span.SetAttributes(attribute.Int("acis.response_bytes", len(body)))
	c.logger.Debug().
		Str("call", string(call)).
		Int("bytes", len(body)).
		Dur("elapsed", elapsed).
		Msg("acis call completed")
	return body, nil
}

func (c *Client) submit(ctx context.Context, call acis.Call, payload []byte) ([]byte, error) {
	form := url.Values{"params": {string(payload)}}
	endpoint := c.baseURL + "/" + string(call)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyError(ctx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyError(ctx, err)
	}

	switch code := resp.StatusCode; {
	case code == http.StatusOK:
		return body, nil
	case resilience.RetryableStatus(code):
		return nil, &acis.TransportError{Kind: acis.TransportHTTP, StatusCode: code, Err: errors.New(http.StatusText(code))}
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return nil, &acis.ServiceRejection{Message: errorText(resp.Header.Get("Content-Type"), body), StatusCode: code, Auth: true}
	case code >= 400 && code < 500:
		return nil, &acis.ServiceRejection{Message: errorText(resp.Header.Get("Content-Type"), body), StatusCode: code}
	default:
		return nil, &acis.TransportError{Kind: acis.TransportHTTP, StatusCode: code, Err: fmt.Errorf("unexpected status %d", code)}
	}
}

// Query submits params and decodes the response.
func (c *Client) Query(ctx context.Context, params *acis.Params) (acis.Result, error) {
	return acis.Query(ctx, c, params)
}

func classifyError(ctx context.Context, err error) error {
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return &acis.TransportError{Kind: acis.TransportConnection, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &acis.TransportError{Kind: acis.TransportTimeout, Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &acis.TransportError{Kind: acis.TransportTimeout, Err: err}
	}
	return &acis.TransportError{Kind: acis.TransportConnection, Err: err}
}

// errorText extracts a readable message from an error body. HTML bodies are
// reduced to the text of their <p> elements.
func errorText(contentType string, body []byte) string {
	text := strings.TrimSpace(string(body))
	if !strings.HasPrefix(contentType, "text/html") && !strings.HasPrefix(text, "<") {
		return text
	}

	var paras []string
	var cur strings.Builder
	depth := 0
	z := html.NewTokenizer(strings.NewReader(text))
	for {
		switch z.Next() {
		case html.ErrorToken:
			if len(paras) == 0 {
				return text
			}
			return strings.Join(paras, " ")
		case html.StartTagToken:
			if name, _ := z.TagName(); string(name) == "p" {
				depth++
			}
		case html.EndTagToken:
			if name, _ := z.TagName(); string(name) == "p" && depth > 0 {
				depth--
				if p := strings.Join(strings.Fields(cur.String()), " "); p != "" {
					paras = append(paras, p)
				}
				cur.Reset()
			}
		case html.TextToken:
			if depth > 0 {
				cur.Write(z.Text())
			}
		}
	}
}
