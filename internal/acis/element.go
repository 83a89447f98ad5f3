package acis

import (
	"fmt"
	"strings"
)

// Element is a requested meteorological variable.
type Element struct {
	// Name is the element name, e.g. "maxt". Either Name or VX is required.
	Name string `json:"name,omitempty" yaml:"name"`

	// VX is the var-major code used instead of a name.
	VX int `json:"vX,omitempty" yaml:"vX"`

	Interval Interval `json:"interval,omitempty" yaml:"interval"`
	Duration string   `json:"duration,omitempty" yaml:"duration"`
	Reduce   string   `json:"reduce,omitempty" yaml:"reduce"`
	Smry     string   `json:"smry,omitempty" yaml:"smry"`
	SmryOnly bool     `json:"smry_only,omitempty" yaml:"smry_only"`

	// Add requests extra flags with each value, e.g. "f,t".
	Add string `json:"add,omitempty" yaml:"add"`

	// Alias labels the element locally and is never sent to the service.
	Alias string `json:"-" yaml:"alias"`
}

func (e Element) label() string {
	if e.Alias != "" {
		return e.Alias
	}
	if e.Name != "" {
		return strings.ToLower(e.Name)
	}
	return fmt.Sprintf("vx%d", e.VX)
}

func (e Element) validate() error {
	if e.Name == "" && e.VX == 0 {
		return &ParameterError{Field: "elems", Reason: "element needs a name or vX code"}
	}
	if !e.Interval.Valid() {
		return &ParameterError{Field: "elems", Reason: fmt.Sprintf("unknown interval %q", e.Interval)}
	}
	return nil
}

// annotate makes duplicate labels unique by suffixing an index, e.g.
// maxt_0, maxt_1. Order is preserved and unique labels are untouched.
func annotate(labels []string) []string {
	counts := make(map[string]int, len(labels))
	for _, l := range labels {
		counts[l]++
	}
	seen := make(map[string]int, len(labels))
	out := make([]string, len(labels))
	for i, l := range labels {
		if counts[l] == 1 {
			out[i] = l
			continue
		}
		out[i] = fmt.Sprintf("%s_%d", l, seen[l])
		seen[l]++
	}
	return out
}
