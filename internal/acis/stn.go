package acis

import (
	"encoding/json"
	"iter"
	"time"
)

// StnMetaResult is the result of a StnMeta query. It carries metadata only
// and yields no records.
type StnMetaResult struct {
	sites []string
	meta  map[string]SiteMeta
}

// NewStnMetaResult parses a StnMeta response.
func NewStnMetaResult(_ *Params, raw []byte) (*StnMetaResult, error) {
	env, err := decodeEnvelope(raw)
	if err != nil {
		return nil, err
	}
	if !present(env.Meta) {
		return nil, parseErrorf("missing meta")
	}
	var sites []json.RawMessage
	if err := json.Unmarshal(env.Meta, &sites); err != nil {
		return nil, &ParseError{Reason: "meta is not an array", Err: err}
	}

	res := &StnMetaResult{meta: make(map[string]SiteMeta, len(sites))}
	for i, s := range sites {
		uid, meta, err := decodeSiteMeta(s)
		if err != nil {
			return nil, err
		}
		if uid == "" {
			return nil, parseErrorf("site %d has no uid", i)
		}
		if _, dup := res.meta[uid]; dup {
			return nil, parseErrorf("duplicate site uid %q", uid)
		}
		res.sites = append(res.sites, uid)
		res.meta[uid] = meta
	}
	return res, nil
}

func (r *StnMetaResult) Records() iter.Seq[Record] {
	return func(func(Record) bool) {}
}

func (r *StnMetaResult) Meta() map[string]SiteMeta {
	d := dataset{meta: r.meta}
	return d.Meta()
}

func (r *StnMetaResult) Dates() []time.Time { return nil }
func (r *StnMetaResult) Elems() []string    { return nil }
func (r *StnMetaResult) Len() int           { return 0 }

// Sites returns site uids in service order.
func (r *StnMetaResult) Sites() []string {
	return append([]string(nil), r.sites...)
}

// StnDataResult is the result of a single-station StnData query.
type StnDataResult struct {
	dataset
}

// NewStnDataResult parses a StnData response. Each data row is
// [date, value1, ..., valueN].
func NewStnDataResult(params *Params, raw []byte) (*StnDataResult, error) {
	env, err := decodeEnvelope(raw)
	if err != nil {
		return nil, err
	}

	var uid string
	var meta SiteMeta
	if present(env.Meta) {
		if uid, meta, err = decodeSiteMeta(env.Meta); err != nil {
			return nil, err
		}
	}
	if uid == "" {
		if s := params.Station(); s != nil {
			uid = s.UID
			if uid == "" {
				uid = s.SID
			}
		}
	}
	if uid == "" {
		return nil, parseErrorf("uid is a required meta element")
	}
	if !present(env.Data) && !present(env.Smry) {
		return nil, parseErrorf("missing data")
	}

	smry, err := decodeValues(env.Smry)
	if err != nil {
		return nil, err
	}

	res := &StnDataResult{dataset: newDataset(params.Elems())}
	if err := res.addSite(uid, meta, smry); err != nil {
		return nil, err
	}
	if !present(env.Data) {
		return res, nil
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
			if err := vals[j].UnmarshalJSON(cell); err != nil {
				return nil, &ParseError{Reason: "invalid value", Err: err}
			}
		}
		res.records = append(res.records, Record{UID: uid, Date: date, Values: vals})
	}
	return res, nil
}
