package acis

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Call names a web services endpoint.
type Call string

const (
	CallStnMeta      Call = "StnMeta"
	CallStnData      Call = "StnData"
	CallMultiStnData Call = "MultiStnData"
	CallGridData     Call = "GridData"
)

// GroupBy partitions a multi-station result.
type GroupBy string

const (
	GroupByNone    GroupBy = ""
	GroupByStation GroupBy = "station"
	GroupByDate    GroupBy = "date"
)

// BBox is a west, south, east, north bounding box in decimal degrees.
type BBox struct {
	West  float64 `yaml:"west" validate:"gte=-180,lte=180"`
	South float64 `yaml:"south" validate:"gte=-90,lte=90"`
	East  float64 `yaml:"east" validate:"gte=-180,lte=180,gtfield=West"`
	North float64 `yaml:"north" validate:"gte=-90,lte=90,gtfield=South"`
}

func (b BBox) String() string {
	return joinFloats(b.West, b.South, b.East, b.North)
}

// LonLat is a single grid location.
type LonLat struct {
	Lon float64 `yaml:"lon" validate:"gte=-180,lte=180"`
	Lat float64 `yaml:"lat" validate:"gte=-90,lte=90"`
}

func (p LonLat) String() string {
	return joinFloats(p.Lon, p.Lat)
}

// StationSelector selects one or more stations.
type StationSelector struct {
	UID     string   `yaml:"uid"`
	SID     string   `yaml:"sid"`
	SIDs    []string `yaml:"sids"`
	State   string   `yaml:"state"`
	County  string   `yaml:"county"`
	ClimDiv string   `yaml:"climdiv"`
	CWA     string   `yaml:"cwa"`
	Basin   string   `yaml:"basin"`
	BBox    *BBox    `yaml:"bbox"`
}

func (s StationSelector) single() bool {
	return (s.UID != "" || s.SID != "") && len(s.SIDs) == 0 && s.State == "" &&
		s.County == "" && s.ClimDiv == "" && s.CWA == "" && s.Basin == "" && s.BBox == nil
}

func (s StationSelector) empty() bool {
	return s.UID == "" && s.SID == "" && len(s.SIDs) == 0 && s.State == "" &&
		s.County == "" && s.ClimDiv == "" && s.CWA == "" && s.Basin == "" && s.BBox == nil
}

// GridSelector selects a gridded data set and a region of it.
type GridSelector struct {
	Grid string  `yaml:"grid" validate:"required"`
	Loc  *LonLat `yaml:"loc"`
	BBox *BBox   `yaml:"bbox"`
}

// ParamsConfig is the caller-facing description of a query.
type ParamsConfig struct {
	Elements []Element        `validate:"dive"`
	Start    time.Time        `validate:"required"`
	End      time.Time        `validate:"required"`
	Station  *StationSelector `validate:"required_without=Grid,excluded_with=Grid"`
	Grid     *GridSelector    `validate:"required_without=Station,excluded_with=Station"`
	GroupBy  GroupBy          `validate:"omitempty,oneof=station date"`
	Meta     []string
}

// Params is a validated, immutable query. The wire payload is rendered once
// at construction and sent verbatim.
type Params struct {
	elements []Element
	labels   []string
	start    time.Time
	end      time.Time
	station  *StationSelector
	grid     *GridSelector
	groupBy  GroupBy
	meta     []string
	call     Call
	payload  []byte
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// NewParams validates cfg and builds Params.
func NewParams(cfg ParamsConfig) (*Params, error) {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return nil, &ParameterError{Field: verrs[0].Namespace(), Reason: verrs[0].Tag()}
		}
		return nil, &ParameterError{Reason: err.Error()}
	}

	start, end := Day(cfg.Start), Day(cfg.End)
	if end.Before(start) {
		return nil, &ParameterError{Field: "dates", Reason: "start date is after end date"}
	}

	var interval Interval
	for i, e := range cfg.Elements {
		if err := e.validate(); err != nil {
			return nil, err
		}
		if i == 0 {
			interval = e.Interval
		} else if e.Interval != interval {
			return nil, &ParameterError{Field: "elems", Reason: "all elements must share one interval"}
		}
	}

	p := &Params{
		elements: slices.Clone(cfg.Elements),
		start:    start,
		end:      end,
		groupBy:  cfg.GroupBy,
		meta:     slices.Clone(cfg.Meta),
	}

	switch {
	case cfg.Grid != nil:
		g := *cfg.Grid
		if (g.Loc == nil) == (g.BBox == nil) {
			return nil, &ParameterError{Field: "grid", Reason: "exactly one of loc or bbox is required"}
		}
		if len(p.elements) == 0 {
			return nil, &ParameterError{Field: "elems", Reason: "grid requests need at least one element"}
		}
		p.grid = &g
		p.call = CallGridData
	default:
		s := *cfg.Station
		s.SIDs = slices.Clone(s.SIDs)
		if s.empty() {
			return nil, &ParameterError{Field: "station", Reason: "no station selected"}
		}
		p.station = &s
		switch {
		case len(p.elements) == 0:
			p.call = CallStnMeta
		case s.single():
			p.call = CallStnData
		default:
			p.call = CallMultiStnData
		}
	}

	labels := make([]string, len(p.elements))
	for i, e := range p.elements {
		labels[i] = e.label()
	}
	p.labels = annotate(labels)

	payload, err := json.Marshal(p.wire())
	if err != nil {
		return nil, fmt.Errorf("encoding params: %w", err)
	}
	p.payload = payload
	return p, nil
}

// Call returns the endpoint this query is sent to.
func (p *Params) Call() Call { return p.call }

// Payload returns the JSON document sent to the service.
func (p *Params) Payload() []byte { return slices.Clone(p.payload) }

// Elements returns a copy of the requested elements.
func (p *Params) Elements() []Element { return slices.Clone(p.elements) }

// Elems returns the element labels in request order.
func (p *Params) Elems() []string { return slices.Clone(p.labels) }

// Start returns the first date of the query.
func (p *Params) Start() time.Time { return p.start }

// End returns the last date of the query.
func (p *Params) End() time.Time { return p.end }

// GroupBy returns the requested partitioning.
func (p *Params) GroupBy() GroupBy { return p.groupBy }

// Interval returns the shared element interval, daily by default.
func (p *Params) Interval() Interval {
	if len(p.elements) == 0 || p.elements[0].Interval == "" {
		return Daily
	}
	return p.elements[0].Interval
}

// Station returns the station selector, or nil for grid queries.
func (p *Params) Station() *StationSelector {
	if p.station == nil {
		return nil
	}
	s := *p.station
	s.SIDs = slices.Clone(s.SIDs)
	return &s
}

// Grid returns the grid selector, or nil for station queries.
func (p *Params) Grid() *GridSelector {
	if p.grid == nil {
		return nil
	}
	g := *p.grid
	return &g
}

// Dates lists the dates the query covers at the element interval.
func (p *Params) Dates() []time.Time {
	return DateRange(p.start, p.end, p.Interval())
}

func (p *Params) wire() map[string]any {
	w := map[string]any{"output": "json"}
	if len(p.elements) > 0 {
		w["elems"] = p.elements
	}
	if p.start.Equal(p.end) {
		w["date"] = FormatDate(p.start)
	} else {
		w["sdate"] = FormatDate(p.start)
		w["edate"] = FormatDate(p.end)
	}
	if s := p.station; s != nil {
		putString(w, "uid", s.UID)
		putString(w, "sid", s.SID)
		putString(w, "sids", strings.Join(s.SIDs, ","))
		putString(w, "state", s.State)
		putString(w, "county", s.County)
		putString(w, "climdiv", s.ClimDiv)
		putString(w, "cwa", s.CWA)
		putString(w, "basin", s.Basin)
		if s.BBox != nil {
			w["bbox"] = s.BBox.String()
		}
	}
	if g := p.grid; g != nil {
		w["grid"] = g.Grid
		if g.Loc != nil {
			w["loc"] = g.Loc.String()
		}
		if g.BBox != nil {
			w["bbox"] = g.BBox.String()
		}
	}
	putString(w, "meta", strings.Join(p.meta, ","))
	putString(w, "groupby", string(p.groupBy))
	return w
}

func putString(w map[string]any, key, value string) {
	if value != "" {
		w[key] = value
	}
}

func joinFloats(vals ...float64) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	return strings.Join(parts, ",")
}
