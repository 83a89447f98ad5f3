// Package jobs describes queries declaratively, as YAML batch files or JSON
// messages, and turns them into request parameters.
package jobs

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/climatedata/acis/internal/acis"
)

// Query is the serialized form of a query. Dates accept the service date
// format or a relative form: "today", "today-7" (days back).
type Query struct {
	Name     string                `yaml:"name" json:"name,omitempty"`
	Elements []acis.Element        `yaml:"elems" json:"elems,omitempty"`
	Start    string                `yaml:"sdate" json:"sdate,omitempty"`
	End      string                `yaml:"edate" json:"edate,omitempty"`
	Date     string                `yaml:"date" json:"date,omitempty"`
	Station  *acis.StationSelector `yaml:"station" json:"station,omitempty"`
	Grid     *acis.GridSelector    `yaml:"grid" json:"grid,omitempty"`
	GroupBy  acis.GroupBy          `yaml:"groupby" json:"groupby,omitempty"`
	Meta     []string              `yaml:"meta" json:"meta,omitempty"`
}

// Params resolves the query dates against now and builds the request.
func (q Query) Params(now time.Time) (*acis.Params, error) {
	var start, end time.Time
	var err error
	switch {
	case q.Date != "":
		if q.Start != "" || q.End != "" {
			return nil, &acis.ParameterError{Field: "date", Reason: "date excludes sdate and edate"}
		}
		if start, err = resolveDate(q.Date, now); err != nil {
			return nil, err
		}
		end = start
	case q.Start != "" && q.End != "":
		if start, err = resolveDate(q.Start, now); err != nil {
			return nil, err
		}
		if end, err = resolveDate(q.End, now); err != nil {
			return nil, err
		}
	default:
		return nil, &acis.ParameterError{Field: "dates", Reason: "either date or both sdate and edate are required"}
	}

	return acis.NewParams(acis.ParamsConfig{
		Elements: q.Elements,
		Start:    start,
		End:      end,
		Station:  q.Station,
		Grid:     q.Grid,
		GroupBy:  q.GroupBy,
		Meta:     q.Meta,
	})
}

func resolveDate(s string, now time.Time) (time.Time, error) {
	rest, relative := strings.CutPrefix(strings.ToLower(strings.TrimSpace(s)), "today")
	if !relative {
		return acis.ParseDate(s)
	}
	today := acis.Day(now)
	if rest == "" {
		return today, nil
	}
	days, err := strconv.Atoi(rest)
	if err != nil || !strings.HasPrefix(rest, "-") && !strings.HasPrefix(rest, "+") {
		return time.Time{}, &acis.ParameterError{Field: "dates", Reason: fmt.Sprintf("invalid relative date %q", s)}
	}
	return today.AddDate(0, 0, days), nil
}

// File is a batch job file.
type File struct {
	Jobs []Query `yaml:"jobs"`
}

// ErrNoJobs is returned for a job file that defines no jobs.
var ErrNoJobs = errors.New("job file defines no jobs")

// Load reads and validates a job file.
func Load(path string) ([]Query, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading job file: %w", err)
	}
	return Parse(data, time.Now())
}

// Parse decodes a job file. Unknown keys are rejected. Every job must have a
// unique name and must build valid parameters at now.
func Parse(data []byte, now time.Time) ([]Query, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing job file: %w", err)
	}
	if len(f.Jobs) == 0 {
		return nil, ErrNoJobs
	}

	seen := make(map[string]bool, len(f.Jobs))
	for i, q := range f.Jobs {
		if q.Name == "" {
			return nil, fmt.Errorf("job %d: name is required", i)
		}
		if seen[q.Name] {
			return nil, fmt.Errorf("job %q: duplicate name", q.Name)
		}
		seen[q.Name] = true
		if _, err := q.Params(now); err != nil {
			return nil, fmt.Errorf("job %q: %w", q.Name, err)
		}
	}
	return f.Jobs, nil
}
