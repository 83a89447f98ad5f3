package acis_test

import (
	"fmt"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/climatedata/acis/internal/acis"
)

func multiParams(t *testing.T, start, end string, groupBy acis.GroupBy, elems ...acis.Element) *acis.Params {
	t.Helper()
	return stationParams(t, acis.StationSelector{SIDs: []string{"okc", "tul"}}, start, end, groupBy, elems...)
}

func TestMultiStnDataResult_PositionalDates(t *testing.T) {
	ranges := []struct{ start, end string }{
		{"2020-01-01", "2020-01-01"},
		{"2020-02-27", "2020-03-02"},
		{"2019-12-25", "2020-01-05"},
	}
	for _, r := range ranges {
		t.Run(r.start+"_"+r.end, func(t *testing.T) {
			p := multiParams(t, r.start, r.end, "", acis.Element{Name: "maxt"}, acis.Element{Name: "mint"})
			days := acis.DateRange(date(r.start), date(r.end), acis.Daily)

			var sites []string
			for s, uid := range []string{"1", "2"} {
				rows := make([]string, len(days))
				for i := range days {
					rows[i] = fmt.Sprintf(`["%d","%d"]`, 50+i+s, 30+i)
				}
				sites = append(sites, fmt.Sprintf(`{"meta":{"uid":%s},"data":[%s]}`, uid, strings.Join(rows, ",")))
			}
			raw := `{"data":[` + strings.Join(sites, ",") + `]}`

			res, err := acis.NewMultiStnDataResult(p, []byte(raw))
			require.NoError(t, err)

			perSite := map[string][]acis.Record{}
			for rec := range res.Records() {
				perSite[rec.UID] = append(perSite[rec.UID], rec)
				assert.Len(t, rec.Values, 2)
			}
			for _, uid := range []string{"1", "2"} {
				recs := perSite[uid]
				require.Len(t, recs, len(days))
				for i, rec := range recs {
					assert.Equal(t, days[0].AddDate(0, 0, i), rec.Date)
				}
			}
		})
	}
}

func TestMultiStnDataResult_MonthlyPositions(t *testing.T) {
	p := multiParams(t, "2020-01", "2020-03", "", acis.Element{Name: "pcpn", Interval: acis.Monthly, Reduce: "sum"})
	raw := `{"data":[{"meta":{"uid":1},"data":[["1.2"],["0.8"],["M"]]}]}`

	res, err := acis.NewMultiStnDataResult(p, []byte(raw))
	require.NoError(t, err)
	recs := slices.Collect(res.Records())
	require.Len(t, recs, 3)
	assert.Equal(t, date("2020-02-01"), recs[1].Date)
	assert.Equal(t, date("2020-03-01"), recs[2].Date)
	assert.True(t, recs[2].Values[0].Missing())
}

func TestMultiStnDataResult_MonthlyFromMonthEnd(t *testing.T) {
	p := multiParams(t, "2020-01-31", "2020-03-31", "", acis.Element{Name: "pcpn", Interval: acis.Monthly})
	raw := `{"data":[
		{"meta":{"uid":1},"data":[["1.10"],["0.85"],["2.01"]]},
		{"meta":{"uid":2},"data":[["0.90"],["M"],["1.75"]]}
	]}`

	res, err := acis.NewMultiStnDataResult(p, []byte(raw))
	require.NoError(t, err)

	var dates []time.Time
	for rec := range res.Records() {
		if rec.UID == "2" {
			dates = append(dates, rec.Date)
		}
	}
	assert.Equal(t, []time.Time{date("2020-01-31"), date("2020-02-29"), date("2020-03-31")}, dates)
}

func TestMultiStnDataResult_GroupedByDateUsesGroupKeys(t *testing.T) {
	p := multiParams(t, "2020-01-01", "2020-01-31", acis.GroupByDate, acis.Element{Name: "maxt"}, acis.Element{Name: "mint"})
	raw := `{"data":[
		{"meta":{"uid":1},"data":{"2020-01-01":[["50","30"]],"2020-01-15":[["55","35"]]}},
		{"meta":{"uid":2},"data":{"2020-01-01":[["48","28"]],"2020-01-15":[["52","31"]]}}
	]}`

	res, err := acis.NewMultiStnDataResult(p, []byte(raw))
	require.NoError(t, err)

	recs := slices.Collect(res.Records())
	require.Len(t, recs, 4)
	for i, uid := range []string{"1", "1", "2", "2"} {
		assert.Equal(t, uid, recs[i].UID)
	}
	assert.Equal(t, date("2020-01-01"), recs[0].Date)
	assert.Equal(t, date("2020-01-15"), recs[1].Date)
	assert.Equal(t, date("2020-01-01"), recs[2].Date)
	assert.Equal(t, date("2020-01-15"), recs[3].Date)
	assert.Equal(t, []string{"52", "31"}, values(recs[3]))

	shape, ok := res.Shape("1")
	assert.True(t, ok)
	assert.Equal(t, acis.ShapeGrouped, shape)
}

func TestMultiStnDataResult_GroupKeysKeepServiceOrder(t *testing.T) {
	p := multiParams(t, "2020-01-01", "2020-12-31", acis.GroupByDate, acis.Element{Name: "maxt"})
	raw := `{"data":[{"meta":{"uid":1},"data":{"2020-06-01":[["80"]],"2020-01-01":[["40"]],"2020-03-01":["60"]}}]}`

	res, err := acis.NewMultiStnDataResult(p, []byte(raw))
	require.NoError(t, err)
	assert.Equal(t, []string{"2020-06-01", "2020-01-01", "2020-03-01"}, formatDates(res.Dates()))
}

func TestMultiStnDataResult_GroupedPairs(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{
			name: "with groupby echo",
			raw: `{"groupby":"date","data":[
				{"meta":{"uid":1},"data":[["2020-01-01",[["50"],["51"]]],["2020-01-15",[["55"]]]]}
			]}`,
		},
		{
			name: "without echo",
			raw: `{"data":[
				{"meta":{"uid":1},"data":[["2020-01-01",[["50"],["51"]]],["2020-01-15",[["55"]]]]}
			]}`,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := multiParams(t, "2020-01-01", "2020-01-31", "", acis.Element{Name: "maxt"})

			res, err := acis.NewMultiStnDataResult(p, []byte(tc.raw))
			require.NoError(t, err)
			shape, _ := res.Shape("1")
			assert.Equal(t, acis.ShapeGrouped, shape)

			recs := slices.Collect(res.Records())
			require.Len(t, recs, 3)
			assert.Equal(t, date("2020-01-01"), recs[0].Date)
			assert.Equal(t, date("2020-01-01"), recs[1].Date)
			assert.Equal(t, date("2020-01-15"), recs[2].Date)
		})
	}
}

func TestMultiStnDataResult_GroupbyDateRequestWithFlatRows(t *testing.T) {
	p := multiParams(t, "2020-01-01", "2020-01-02", acis.GroupByDate, acis.Element{Name: "maxt"}, acis.Element{Name: "mint"})
	raw := `{"data":[
		{"meta":{"uid":1},"data":[["50","30"],["51","31"]]},
		{"meta":{"uid":2},"data":[["2020","29"],["49","28"]]}
	]}`

	res, err := acis.NewMultiStnDataResult(p, []byte(raw))
	require.NoError(t, err)

	for _, uid := range []string{"1", "2"} {
		shape, _ := res.Shape(uid)
		assert.Equal(t, acis.ShapeFlat, shape, uid)
	}

	recs := slices.Collect(res.Records())
	require.Len(t, recs, 4)
	assert.Equal(t, date("2020-01-01"), recs[0].Date)
	assert.Equal(t, date("2020-01-02"), recs[1].Date)
	assert.Equal(t, "50", recs[0].Values[0].Raw)
	assert.Equal(t, "2020", recs[2].Values[0].Raw)
	assert.Equal(t, date("2020-01-02"), recs[3].Date)
}

func TestMultiStnDataResult_SiteLevelGroupbyEcho(t *testing.T) {
	p := multiParams(t, "2020-01-01", "2020-01-02", "", acis.Element{Name: "maxt"})
	raw := `{"data":[
		{"meta":{"uid":1},"data":[["50"],["51"]]},
		{"meta":{"uid":2},"groupby":["date"],"data":[["2020-01-02",[["49"]]]]}
	]}`

	res, err := acis.NewMultiStnDataResult(p, []byte(raw))
	require.NoError(t, err)

	s1, _ := res.Shape("1")
	s2, _ := res.Shape("2")
	assert.Equal(t, acis.ShapeFlat, s1)
	assert.Equal(t, acis.ShapeGrouped, s2)

	recs := slices.Collect(res.Records())
	require.Len(t, recs, 3)
	assert.Equal(t, date("2020-01-02"), recs[2].Date)
}

func TestMultiStnDataResult_SingleDate(t *testing.T) {
	p := multiParams(t, "2020-07-04", "2020-07-04", "", acis.Element{Name: "maxt"}, acis.Element{Name: "pcpn"})
	raw := `{"data":[{"meta":{"uid":1},"data":["95","T"]},{"meta":{"uid":2},"data":["97","0.00"]}]}`

	res, err := acis.NewMultiStnDataResult(p, []byte(raw))
	require.NoError(t, err)

	recs := slices.Collect(res.Records())
	require.Len(t, recs, 2)
	assert.Equal(t, date("2020-07-04"), recs[0].Date)
	shape, _ := res.Shape("1")
	assert.Equal(t, acis.ShapeSingle, shape)
}

func TestMultiStnDataResult_FlaggedValues(t *testing.T) {
	p := multiParams(t, "2020-07-04", "2020-07-04", "", acis.Element{Name: "maxt", Add: "f"}, acis.Element{Name: "pcpn", Add: "f"})
	raw := `{"data":[{"meta":{"uid":1},"data":[["95"," "],["0.10","A"]]}]}`

	res, err := acis.NewMultiStnDataResult(p, []byte(raw))
	require.NoError(t, err)
	shape, _ := res.Shape("1")
	assert.Equal(t, acis.ShapeSingle, shape)

	recs := slices.Collect(res.Records())
	require.Len(t, recs, 1)
	assert.Equal(t, []string{"95", "0.10"}, values(recs[0]))
	assert.Equal(t, []string{"A"}, recs[0].Values[1].Flags)
}

func TestMultiStnDataResult_MissingElementIsNoData(t *testing.T) {
	p := multiParams(t, "2020-01-01", "2020-01-02", "", acis.Element{Name: "maxt"}, acis.Element{Name: "snow"})
	raw := `{"data":[{"meta":{"uid":1},"data":[["50"],["51","0.5"]]}]}`

	res, err := acis.NewMultiStnDataResult(p, []byte(raw))
	require.NoError(t, err)

	recs := slices.Collect(res.Records())
	require.Len(t, recs, 2)
	require.Len(t, recs[0].Values, 2)
	assert.True(t, recs[0].Values[1].Missing())
	_, ok := recs[0].Values[1].Float()
	assert.False(t, ok, "no data must not become a number")
}

func TestMultiStnDataResult_Errors(t *testing.T) {
	p := multiParams(t, "2020-01-01", "2020-01-02", "", acis.Element{Name: "maxt"})

	tests := []struct {
		name string
		raw  string
	}{
		{"missing data", `{"meta":[]}`},
		{"missing uid", `{"data":[{"meta":{"name":"X"},"data":[["1"],["2"]]}]}`},
		{"missing meta", `{"data":[{"data":[["1"],["2"]]}]}`},
		{"too many values", `{"data":[{"meta":{"uid":1},"data":[["1","2"],["2","3"]]}]}`},
		{"too many rows", `{"data":[{"meta":{"uid":1},"data":[["1"],["2"],["3"]]}]}`},
		{"too few rows", `{"data":[{"meta":{"uid":1},"data":[["1"]]}]}`},
		{"bad group key", `{"data":[{"meta":{"uid":1},"data":{"soon":[["1"]]}}]}`},
		{"duplicate uid", `{"data":[{"meta":{"uid":1},"data":[["1"],["2"]]},{"meta":{"uid":1},"data":[["1"],["2"]]}]}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := acis.NewMultiStnDataResult(p, []byte(tc.raw))
			var pe *acis.ParseError
			require.ErrorAs(t, err, &pe)
			assert.False(t, acis.IsTransient(err))
		})
	}
}

func TestMultiStnDataResult_SmryOnly(t *testing.T) {
	p := multiParams(t, "2020-01-01", "2020-01-02", "", acis.Element{Name: "maxt", Smry: "max", SmryOnly: true})
	raw := `{"data":[{"meta":{"uid":1},"smry":["51"]},{"meta":{"uid":2},"smry":["49"]}]}`

	res, err := acis.NewMultiStnDataResult(p, []byte(raw))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Len())
	assert.Equal(t, []string{"1", "2"}, res.Sites())
	assert.Equal(t, "49", res.Smry("2")[0].Raw)
}

func TestMultiStnDataResult_RecordsRestartable(t *testing.T) {
	p := multiParams(t, "2020-01-01", "2020-01-02", "", acis.Element{Name: "maxt"})
	raw := `{"data":[{"meta":{"uid":1},"data":[["1"],["2"]]},{"meta":{"uid":2},"data":[["3"],["4"]]}]}`

	res, err := acis.NewMultiStnDataResult(p, []byte(raw))
	require.NoError(t, err)

	first := slices.Collect(res.Records())
	first[0].Values[0] = acis.NoData

	second := slices.Collect(res.Records())
	assert.Equal(t, "1", second[0].Values[0].Raw, "callers cannot mutate the parsed result")

	// Stopping early leaves the sequence usable.
	for range res.Records() {
		break
	}
	assert.Equal(t, second, slices.Collect(res.Records()))
}

func formatDates(dates []time.Time) []string {
	out := make([]string, len(dates))
	for i, d := range dates {
		out[i] = acis.FormatDate(d)
	}
	return out
}
