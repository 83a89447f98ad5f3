// Package acis models ACIS web services queries and interprets their JSON
// results as ordered record sequences.
package acis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"
)

// Transport submits a finalized payload to the service and returns the raw
// response body.
type Transport interface {
	Submit(ctx context.Context, call Call, payload []byte) ([]byte, error)
}

// Record is one (site, date, values) tuple. Values has one entry per
// requested element.
type Record struct {
	UID    string
	Date   time.Time
	Values []Value
}

// Result is the common contract of all result types.
type Result interface {
	// Records yields records in service order. The sequence can be iterated
	// any number of times.
	Records() iter.Seq[Record]

	// Meta returns site metadata keyed by site uid.
	Meta() map[string]SiteMeta

	// Dates returns the distinct record dates in first-seen order.
	Dates() []time.Time

	// Elems returns the element labels in request order.
	Elems() []string

	// Len returns the number of records.
	Len() int
}

// DataResult is a Result that also carries per-site summaries.
type DataResult interface {
	Result

	// Sites returns site uids in service order.
	Sites() []string

	// Smry returns the summary values for a site.
	Smry(uid string) []Value
}

// Decode interprets raw as the result of the query described by params.
func Decode(params *Params, raw []byte) (Result, error) {
	switch params.Call() {
	case CallStnMeta:
		return NewStnMetaResult(params, raw)
	case CallStnData:
		return NewStnDataResult(params, raw)
	case CallMultiStnData:
		return NewMultiStnDataResult(params, raw)
	case CallGridData:
		return NewGridDataResult(params, raw)
	default:
		return nil, fmt.Errorf("unknown call %q", params.Call())
	}
}

// Query submits params through t and decodes the response.
func Query(ctx context.Context, t Transport, params *Params) (Result, error) {
	raw, err := t.Submit(ctx, params.Call(), params.Payload())
	if err != nil {
		return nil, err
	}
	return Decode(params, raw)
}

// envelope is the top-level shape shared by all responses.
type envelope struct {
	Meta  json.RawMessage `json:"meta"`
	Data  json.RawMessage `json:"data"`
	Smry  json.RawMessage `json:"smry"`
	Error *string         `json:"error"`
}

func decodeEnvelope(raw []byte) (*envelope, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &ParseError{Reason: "invalid JSON", Malformed: isSyntaxError(err), Err: err}
	}
	if env.Error != nil {
		return nil, &ServiceRejection{Message: *env.Error}
	}
	return &env, nil
}

func isSyntaxError(err error) bool {
	var se *json.SyntaxError
	return errors.As(err, &se)
}

// present reports whether a raw member was sent with a non-null value.
func present(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && !bytes.Equal(raw, []byte("null"))
}

// decodeSiteMeta decodes a site metadata object and removes its uid.
func decodeSiteMeta(raw json.RawMessage) (string, SiteMeta, error) {
	var meta SiteMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return "", nil, &ParseError{Reason: "invalid meta object", Err: err}
	}
	uid, ok := meta["uid"]
	if !ok {
		return "", meta, nil
	}
	delete(meta, "uid")
	switch u := uid.(type) {
	case string:
		return u, meta, nil
	case float64:
		return fmt.Sprintf("%d", int64(u)), meta, nil
	default:
		return "", nil, parseErrorf("uid has unexpected type %T", uid)
	}
}

func decodeValues(raw json.RawMessage) ([]Value, error) {
	if !present(raw) {
		return nil, nil
	}
	var vals []Value
	if err := json.Unmarshal(raw, &vals); err != nil {
		return nil, &ParseError{Reason: "invalid smry array", Err: err}
	}
	return vals, nil
}

// dataset is the parsed form shared by station data results: records in
// service order plus per-site metadata and summaries.
type dataset struct {
	elems   []string
	sites   []string
	meta    map[string]SiteMeta
	smry    map[string][]Value
	records []Record
}

func newDataset(elems []string) dataset {
	return dataset{
		elems: elems,
		meta:  make(map[string]SiteMeta),
		smry:  make(map[string][]Value),
	}
}

func (d *dataset) Records() iter.Seq[Record] {
	return func(yield func(Record) bool) {
		for _, r := range d.records {
			r.Values = append([]Value(nil), r.Values...)
			if !yield(r) {
				return
			}
		}
	}
}

func (d *dataset) Meta() map[string]SiteMeta {
	out := make(map[string]SiteMeta, len(d.meta))
	for uid, m := range d.meta {
		cp := make(SiteMeta, len(m))
		for k, v := range m {
			cp[k] = v
		}
		out[uid] = cp
	}
	return out
}

func (d *dataset) Dates() []time.Time {
	seen := make(map[time.Time]bool)
	var dates []time.Time
	for _, r := range d.records {
		if !seen[r.Date] {
			seen[r.Date] = true
			dates = append(dates, r.Date)
		}
	}
	return dates
}

func (d *dataset) Elems() []string {
	return append([]string(nil), d.elems...)
}

func (d *dataset) Len() int {
	return len(d.records)
}

func (d *dataset) Sites() []string {
	return append([]string(nil), d.sites...)
}

func (d *dataset) Smry(uid string) []Value {
	return append([]Value(nil), d.smry[uid]...)
}

func (d *dataset) addSite(uid string, meta SiteMeta, smry []Value) error {
	if _, dup := d.meta[uid]; dup {
		return parseErrorf("duplicate site uid %q", uid)
	}
	if meta == nil {
		meta = SiteMeta{}
	}
	d.sites = append(d.sites, uid)
	d.meta[uid] = meta
	if smry != nil {
		d.smry[uid] = smry
	}
	return nil
}

// padValues returns a row of exactly n values, filling cells the service
// left out with NoData. Rows wider than n are a parse error.
func padValues(row []Value, n int) ([]Value, error) {
	if len(row) > n {
		return nil, parseErrorf("row has %d values for %d elements", len(row), n)
	}
	out := make([]Value, n)
	copy(out, row)
	for i := len(row); i < n; i++ {
		out[i] = NoData
	}
	return out, nil
}
