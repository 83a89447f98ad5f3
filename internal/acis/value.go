package acis

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// Special value markers used by the service.
const (
	MissingMarker    = "M"
	TraceMarker      = "T"
	SubsequentMarker = "S"

	// GridMissing is the numeric missing sentinel in gridded output.
	GridMissing = -999
)

// Value is one element value as returned by the service. It keeps the
// service's text form so that "no data" stays distinct from zero.
type Value struct {
	// Raw is the value text; empty when the service sent null.
	Raw string

	// Flags holds the additional fields requested with "add".
	Flags []string

	// Grid is set for gridded values instead of Raw.
	Grid *Grid
}

// NoData is the marker used for cells the service did not return.
var NoData = Value{Raw: MissingMarker}

// Missing reports whether the value carries no data.
func (v Value) Missing() bool {
	if v.Grid != nil {
		return false
	}
	switch v.Raw {
	case "", MissingMarker, SubsequentMarker:
		return true
	}
	return false
}

// Trace reports whether the value is a trace amount.
func (v Value) Trace() bool {
	return v.Raw == TraceMarker
}

// Float returns the numeric value. Trace amounts are 0; a trailing flag letter
// such as the "A" in "0.45A" is dropped. ok is false for missing or
// non-numeric values.
func (v Value) Float() (f float64, ok bool) {
	if v.Missing() || v.Grid != nil {
		return 0, false
	}
	if v.Trace() {
		return 0, true
	}
	s := strings.TrimRightFunc(v.Raw, func(r rune) bool {
		return (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')
	})
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func (v Value) String() string {
	if v.Grid != nil {
		return "<grid>"
	}
	if v.Raw == "" {
		return MissingMarker
	}
	return v.Raw
}

// UnmarshalJSON accepts a string, a number, null, or an array whose first
// item is the value and whose remaining items are flags.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return err
		}
		*v = Value{}
		if len(items) == 0 {
			return nil
		}
		var first Value
		if err := first.UnmarshalJSON(items[0]); err != nil {
			return err
		}
		v.Raw = first.Raw
		for _, it := range items[1:] {
			var flag Value
			if err := flag.UnmarshalJSON(it); err != nil {
				return err
			}
			v.Flags = append(v.Flags, flag.Raw)
		}
		return nil
	}
	raw, err := scalarText(data)
	if err != nil {
		return err
	}
	*v = Value{Raw: raw}
	return nil
}

func scalarText(data []byte) (string, error) {
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		return "", nil
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return "", err
		}
		return s, nil
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return "", err
		}
		return n.String(), nil
	}
}
