package acis

import (
	"math"
	"time"
)

// Axis is a canonical date axis: every date from Start through End at the
// given interval.
type Axis struct {
	Start    time.Time
	End      time.Time
	Interval Interval
}

// Dates lists the axis dates.
func (a Axis) Dates() []time.Time {
	return DateRange(a.Start, a.End, a.Interval)
}

// Column identifies one matrix column.
type Column struct {
	UID  string
	Elem string
}

// Matrix is a dense numeric form of a data result. Missing values are NaN.
type Matrix struct {
	Dates   []time.Time
	Columns []Column
	Data    [][]float64
}

// At returns the value for a date row and column index.
func (m *Matrix) At(row, col int) float64 {
	return m.Data[row][col]
}

// Assemble converts res into a matrix aligned on axis. Rows are axis dates;
// columns are (site, element) pairs with sites in service order and elements
// in request order. This is the only place where "no data" becomes NaN.
func Assemble(res DataResult, axis Axis) (*Matrix, error) {
	dates := axis.Dates()
	rowOf := make(map[time.Time]int, len(dates))
	for i, d := range dates {
		rowOf[d] = i
	}

	sites := res.Sites()
	elems := res.Elems()
	colOf := make(map[string]int, len(sites))
	cols := make([]Column, 0, len(sites)*len(elems))
	for i, uid := range sites {
		colOf[uid] = i * len(elems)
		for _, e := range elems {
			cols = append(cols, Column{UID: uid, Elem: e})
		}
	}

	data := make([][]float64, len(dates))
	for i := range data {
		row := make([]float64, len(cols))
		for j := range row {
			row[j] = math.NaN()
		}
		data[i] = row
	}

	filled := make(map[[2]int]bool)
	for rec := range res.Records() {
		r, ok := rowOf[Day(rec.Date)]
		if !ok {
			return nil, &AxisMismatchError{UID: rec.UID, Date: rec.Date, Reason: "date is not on the axis"}
		}
		base, ok := colOf[rec.UID]
		if !ok {
			return nil, &AxisMismatchError{UID: rec.UID, Date: rec.Date, Reason: "unknown site"}
		}
		if filled[[2]int{r, base}] {
			return nil, &AxisMismatchError{UID: rec.UID, Date: rec.Date, Reason: "more than one record for this date"}
		}
		filled[[2]int{r, base}] = true
		for k, v := range rec.Values {
			if v.Grid != nil {
				return nil, &AxisMismatchError{UID: rec.UID, Date: rec.Date, Reason: "gridded values cannot be assembled"}
			}
			if f, ok := v.Float(); ok {
				data[r][base+k] = f
			}
		}
	}

	return &Matrix{Dates: dates, Columns: cols, Data: data}, nil
}
