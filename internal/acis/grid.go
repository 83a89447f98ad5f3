package acis

import (
	"bytes"
	"encoding/json"
	"iter"
	"time"
)

// GeoTransform is the affine georeference of a grid: the coordinates of cell
// (0, 0) and the step between adjacent cells.
type GeoTransform struct {
	OriginLon float64
	OriginLat float64
	CellLon   float64
	CellLat   float64
}

// Cell returns the coordinates of the cell at row, col.
func (g GeoTransform) Cell(row, col int) LonLat {
	return LonLat{
		Lon: g.OriginLon + float64(col)*g.CellLon,
		Lat: g.OriginLat + float64(row)*g.CellLat,
	}
}

// Grid is a 2-D array of element values. Missing cells are nil.
type Grid struct {
	Rows  int
	Cols  int
	Cells [][]*float64
	Geo   *GeoTransform
}

// At returns the value at row, col; ok is false for a missing cell.
func (g *Grid) At(row, col int) (v float64, ok bool) {
	if row < 0 || row >= g.Rows || col < 0 || col >= g.Cols {
		return 0, false
	}
	p := g.Cells[row][col]
	if p == nil {
		return 0, false
	}
	return *p, true
}

// clone returns a deep copy of g.
func (g *Grid) clone() *Grid {
	c := *g
	c.Cells = make([][]*float64, len(g.Cells))
	for i, row := range g.Cells {
		c.Cells[i] = make([]*float64, len(row))
		for j, p := range row {
			if p != nil {
				v := *p
				c.Cells[i][j] = &v
			}
		}
	}
	if g.Geo != nil {
		geo := *g.Geo
		c.Geo = &geo
	}
	return &c
}

// GridDataResult is the result of a GridData query. For a bbox query each
// record value is a Grid; for a single location it is a scalar.
type GridDataResult struct {
	uid     string
	elems   []string
	meta    SiteMeta
	geo     *GeoTransform
	records []Record
}

// NewGridDataResult parses a GridData response. Each data row is
// [date, value1, ..., valueN] where a value is a 2-D array or a number.
func NewGridDataResult(params *Params, raw []byte) (*GridDataResult, error) {
	env, err := decodeEnvelope(raw)
	if err != nil {
		return nil, err
	}
	if !present(env.Data) {
		return nil, parseErrorf("missing data")
	}
	g := params.Grid()
	if g == nil {
		return nil, parseErrorf("grid result for a station query")
	}

	res := &GridDataResult{elems: params.Elems(), meta: SiteMeta{}}
	if g.Loc != nil {
		res.uid = g.Loc.String()
	} else {
		res.uid = g.BBox.String()
	}

	if present(env.Meta) {
		if err := json.Unmarshal(env.Meta, &res.meta); err != nil {
			return nil, &ParseError{Reason: "invalid meta object", Err: err}
		}
		geo, err := geoFromMeta(env.Meta)
		if err != nil {
			return nil, err
		}
		res.geo = geo
	}

	var rows [][]json.RawMessage
	if err := json.Unmarshal(env.Data, &rows); err != nil {
		return nil, &ParseError{Reason: "data is not an array of rows", Err: err}
	}
	n := len(res.elems)
	for i, row := range rows {
		if len(row) != n+1 {
			return nil, parseErrorf("row %d has %d columns, want %d", i, len(row), n+1)
		}
		var ds string
		if err := json.Unmarshal(row[0], &ds); err != nil {
			return nil, &ParseError{Reason: "row date is not a string", Err: err}
		}
		date, err := ParseDate(ds)
		if err != nil {
			return nil, &ParseError{Reason: "row date", Err: err}
		}
		vals := make([]Value, n)
		for j, cell := range row[1:] {
			v, err := res.gridValue(cell)
			if err != nil {
				return nil, err
			}
			vals[j] = v
		}
		res.records = append(res.records, Record{UID: res.uid, Date: date, Values: vals})
	}
	return res, nil
}

func (r *GridDataResult) gridValue(raw json.RawMessage) (Value, error) {
	raw = bytes.TrimSpace(raw)
	if !isArray(raw) {
		var f *float64
		if err := json.Unmarshal(raw, &f); err != nil {
			return Value{}, &ParseError{Reason: "invalid grid value", Err: err}
		}
		if f == nil || *f == GridMissing {
			return NoData, nil
		}
		var v Value
		if err := v.UnmarshalJSON(raw); err != nil {
			return Value{}, &ParseError{Reason: "invalid grid value", Err: err}
		}
		return v, nil
	}

	var cells [][]*float64
	if err := json.Unmarshal(raw, &cells); err != nil {
		return Value{}, &ParseError{Reason: "grid is not a 2-D numeric array", Err: err}
	}
	grid := &Grid{Rows: len(cells), Cells: cells, Geo: r.geo}
	if grid.Rows > 0 {
		grid.Cols = len(cells[0])
	}
	for i, row := range cells {
		if len(row) != grid.Cols {
			return Value{}, parseErrorf("grid row %d has %d cells, want %d", i, len(row), grid.Cols)
		}
		for j, c := range row {
			if c != nil && *c == GridMissing {
				row[j] = nil
			}
		}
	}
	return Value{Grid: grid}, nil
}

// geoFromMeta derives the georeference from the lat and lon arrays in the
// grid metadata. It returns nil when either array is absent.
func geoFromMeta(raw json.RawMessage) (*GeoTransform, error) {
	var m struct {
		Lat [][]float64 `json:"lat"`
		Lon [][]float64 `json:"lon"`
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		// Scalar lat/lon for single locations carry no grid geometry.
		return nil, nil //nolint:nilerr // not a gridded meta block
	}
	if len(m.Lat) == 0 || len(m.Lon) == 0 || len(m.Lat[0]) == 0 || len(m.Lon[0]) == 0 {
		return nil, nil
	}
	if len(m.Lat) != len(m.Lon) || len(m.Lat[0]) != len(m.Lon[0]) {
		return nil, parseErrorf("lat and lon arrays differ in shape")
	}
	geo := &GeoTransform{OriginLon: m.Lon[0][0], OriginLat: m.Lat[0][0]}
	if len(m.Lon[0]) > 1 {
		geo.CellLon = m.Lon[0][1] - m.Lon[0][0]
	}
	if len(m.Lat) > 1 {
		geo.CellLat = m.Lat[1][0] - m.Lat[0][0]
	}
	return geo, nil
}

func (r *GridDataResult) Records() iter.Seq[Record] {
	return func(yield func(Record) bool) {
		for _, rec := range r.records {
			rec.Values = append([]Value(nil), rec.Values...)
			for i, v := range rec.Values {
				if v.Grid != nil {
					rec.Values[i].Grid = v.Grid.clone()
				}
			}
			if !yield(rec) {
				return
			}
		}
	}
}

func (r *GridDataResult) Meta() map[string]SiteMeta {
	d := dataset{meta: map[string]SiteMeta{r.uid: r.meta}}
	return d.Meta()
}

func (r *GridDataResult) Dates() []time.Time {
	dates := make([]time.Time, len(r.records))
	for i, rec := range r.records {
		dates[i] = rec.Date
	}
	return dates
}

func (r *GridDataResult) Elems() []string { return append([]string(nil), r.elems...) }
func (r *GridDataResult) Len() int        { return len(r.records) }

// Geo returns the grid georeference, or nil when the response had no lat/lon
// metadata.
func (r *GridDataResult) Geo() *GeoTransform {
	if r.geo == nil {
		return nil
	}
	g := *r.geo
	return &g
}
