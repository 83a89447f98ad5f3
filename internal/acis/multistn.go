package acis

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Shape identifies how a site's data is nested in a MultiStnData response.
type Shape int

const (
	// ShapeFlat is one row per date, dates implied by position.
	ShapeFlat Shape = iota
	// ShapeSingle is a single row for a one-date query.
	ShapeSingle
	// ShapeGrouped is rows partitioned by a date group key.
	ShapeGrouped
)

func (s Shape) String() string {
	switch s {
	case ShapeFlat:
		return "flat"
	case ShapeSingle:
		return "single"
	case ShapeGrouped:
		return "grouped"
	default:
		return fmt.Sprintf("Shape(%d)", int(s))
	}
}

// siteLayout is the resolved shape of one site's data. Exactly one of rows
// or groups is used, depending on shape.
type siteLayout struct {
	shape  Shape
	rows   [][]Value
	groups []dateGroup
}

type dateGroup struct {
	key  time.Time
	rows [][]Value
}

// MultiStnDataResult is the result of a MultiStnData query.
type MultiStnDataResult struct {
	dataset
	layouts map[string]siteLayout
}

type multiStnSite struct {
	Meta json.RawMessage `json:"meta"`
	Data json.RawMessage `json:"data"`
	Smry json.RawMessage `json:"smry"`
}

// NewMultiStnDataResult parses a MultiStnData response.
//
// Each site's data is classified once by inspecting its structure, never by
// the groupby the request asked for. Flat rows are dated positionally from the
// query start at the element interval. When the rows are grouped by date,
// each group key is the date of that group's rows.
func NewMultiStnDataResult(params *Params, raw []byte) (*MultiStnDataResult, error) {
	env, err := decodeEnvelope(raw)
	if err != nil {
		return nil, err
	}
	if !present(env.Data) {
		return nil, parseErrorf("missing data")
	}
	var sites []multiStnSite
	if err := json.Unmarshal(env.Data, &sites); err != nil {
		return nil, &ParseError{Reason: "data is not an array of sites", Err: err}
	}

	res := &MultiStnDataResult{
		dataset: newDataset(params.Elems()),
		layouts: make(map[string]siteLayout, len(sites)),
	}
	c := classifier{
		width:     len(res.elems),
		flagged:   hasFlags(params),
		positions: params.Dates(),
	}

	for i, site := range sites {
		if !present(site.Meta) {
			return nil, parseErrorf("site %d has no meta", i)
		}
		uid, meta, err := decodeSiteMeta(site.Meta)
		if err != nil {
			return nil, err
		}
		if uid == "" {
			return nil, parseErrorf("uid is a required meta element (site %d)", i)
		}
		smry, err := decodeValues(site.Smry)
		if err != nil {
			return nil, err
		}
		layout, err := c.classify(site.Data)
		if err != nil {
			return nil, fmt.Errorf("site %s: %w", uid, err)
		}
		if err := res.addSite(uid, meta, smry); err != nil {
			return nil, err
		}
		res.layouts[uid] = layout
		recs, err := c.records(uid, layout)
		if err != nil {
			return nil, fmt.Errorf("site %s: %w", uid, err)
		}
		res.records = append(res.records, recs...)
	}
	return res, nil
}

// Shape returns the resolved data shape for a site.
func (r *MultiStnDataResult) Shape(uid string) (Shape, bool) {
	l, ok := r.layouts[uid]
	return l.shape, ok
}

func hasFlags(params *Params) bool {
	for _, e := range params.Elements() {
		if e.Add != "" {
			return true
		}
	}
	return false
}

type classifier struct {
	width     int
	flagged   bool
	positions []time.Time
}

func (c classifier) classify(raw json.RawMessage) (siteLayout, error) {
	raw = bytes.TrimSpace(raw)
	if !present(raw) {
		return siteLayout{shape: ShapeFlat}, nil
	}
	switch raw[0] {
	case '{':
		groups, err := c.groupsFromObject(raw)
		if err != nil {
			return siteLayout{}, err
		}
		return siteLayout{shape: ShapeGrouped, groups: groups}, nil
	case '[':
		if pairs, ok := datePairs(raw); ok {
			groups, err := c.groupsFromPairs(pairs)
			if err != nil {
				return siteLayout{}, err
			}
			return siteLayout{shape: ShapeGrouped, groups: groups}, nil
		}
		isList, err := c.isRowList(raw)
		if err != nil {
			return siteLayout{}, err
		}
		if !isList {
			row, err := c.row(raw)
			if err != nil {
				return siteLayout{}, err
			}
			return siteLayout{shape: ShapeSingle, rows: [][]Value{row}}, nil
		}
		rows, err := c.rowList(raw)
		if err != nil {
			return siteLayout{}, err
		}
		return siteLayout{shape: ShapeFlat, rows: rows}, nil
	default:
		return siteLayout{}, parseErrorf("unexpected data value %.20q", raw)
	}
}

func (c classifier) records(uid string, l siteLayout) ([]Record, error) {
	switch l.shape {
	case ShapeFlat, ShapeSingle:
		// A flat site has either no rows (summary only) or one per date.
		if len(l.rows) > len(c.positions) || (l.shape == ShapeFlat && len(l.rows) != 0 && len(l.rows) != len(c.positions)) {
			return nil, parseErrorf("%d rows for %d dates", len(l.rows), len(c.positions))
		}
		recs := make([]Record, len(l.rows))
		for i, row := range l.rows {
			recs[i] = Record{UID: uid, Date: c.positions[i], Values: row}
		}
		return recs, nil
	case ShapeGrouped:
		var recs []Record
		for _, g := range l.groups {
			for _, row := range g.rows {
				recs = append(recs, Record{UID: uid, Date: g.key, Values: row})
			}
		}
		return recs, nil
	default:
		return nil, parseErrorf("unknown shape %v", l.shape)
	}
}

// isRowList reports whether raw is a list of rows rather than one row. A row
// holds scalar cells, or [value, flag...] cells when flags were requested.
func (c classifier) isRowList(raw json.RawMessage) (bool, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return false, &ParseError{Reason: "invalid data array", Err: err}
	}
	if len(items) == 0 {
		return true, nil
	}
	if !isArray(items[0]) {
		return false, nil
	}
	if !c.flagged {
		return true, nil
	}
	var cells []json.RawMessage
	if err := json.Unmarshal(items[0], &cells); err != nil {
		return false, &ParseError{Reason: "invalid data array", Err: err}
	}
	return len(cells) == 0 || isArray(cells[0]), nil
}

func (c classifier) row(raw json.RawMessage) ([]Value, error) {
	var vals []Value
	if err := json.Unmarshal(raw, &vals); err != nil {
		return nil, &ParseError{Reason: "invalid data row", Err: err}
	}
	return padValues(vals, c.width)
}

func (c classifier) rowList(raw json.RawMessage) ([][]Value, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, &ParseError{Reason: "invalid data array", Err: err}
	}
	rows := make([][]Value, len(items))
	for i, it := range items {
		row, err := c.row(it)
		if err != nil {
			return nil, err
		}
		rows[i] = row
	}
	return rows, nil
}

// groupRows accepts either a list of rows or a single row for one group.
func (c classifier) groupRows(raw json.RawMessage) ([][]Value, error) {
	isList, err := c.isRowList(raw)
	if err != nil {
		return nil, err
	}
	if isList {
		return c.rowList(raw)
	}
	row, err := c.row(raw)
	if err != nil {
		return nil, err
	}
	return [][]Value{row}, nil
}

func (c classifier) groupsFromObject(raw json.RawMessage) ([]dateGroup, error) {
	members, err := orderedMembers(raw)
	if err != nil {
		return nil, err
	}
	groups := make([]dateGroup, 0, len(members))
	for _, m := range members {
		g, err := c.group(m.key, m.value)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, nil
}

// datePairs reports whether raw is a non-empty list of [date, rows] pairs.
// Every item must be a two-member array whose first member is a date string
// and whose second member is an array. No data row has that form: plain rows
// hold only scalars and flagged rows hold only arrays.
func datePairs(raw json.RawMessage) ([]dateMember, bool) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil || len(items) == 0 {
		return nil, false
	}
	pairs := make([]dateMember, len(items))
	for i, it := range items {
		var pair []json.RawMessage
		if err := json.Unmarshal(it, &pair); err != nil || len(pair) != 2 {
			return nil, false
		}
		var key string
		if err := json.Unmarshal(pair[0], &key); err != nil {
			return nil, false
		}
		if _, err := ParseDate(key); err != nil || !isArray(pair[1]) {
			return nil, false
		}
		pairs[i] = dateMember{key: key, value: pair[1]}
	}
	return pairs, true
}

func (c classifier) groupsFromPairs(pairs []dateMember) ([]dateGroup, error) {
	groups := make([]dateGroup, 0, len(pairs))
	for _, m := range pairs {
		g, err := c.group(m.key, m.value)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, nil
}

func (c classifier) group(key string, raw json.RawMessage) (dateGroup, error) {
	date, err := ParseDate(key)
	if err != nil {
		return dateGroup{}, &ParseError{Reason: "group key", Err: err}
	}
	rows, err := c.groupRows(raw)
	if err != nil {
		return dateGroup{}, err
	}
	return dateGroup{key: date, rows: rows}, nil
}

func isArray(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '['
}

type dateMember struct {
	key   string
	value json.RawMessage
}

// orderedMembers decodes a JSON object keeping the members in document
// order, which a Go map would lose.
func orderedMembers(raw json.RawMessage) ([]dateMember, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, &ParseError{Reason: "invalid grouped object", Err: err}
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, parseErrorf("grouped data is not an object")
	}
	var members []dateMember
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, &ParseError{Reason: "invalid grouped object", Err: err}
		}
		key, ok := tok.(string)
		if !ok {
			return nil, parseErrorf("grouped object key is not a string")
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, &ParseError{Reason: "invalid grouped object", Err: err}
		}
		members = append(members, dateMember{key: key, value: value})
	}
	return members, nil
}
