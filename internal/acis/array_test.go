package acis_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/climatedata/acis/internal/acis"
)

func TestAssemble(t *testing.T) {
	p := multiParams(t, "2020-01-01", "2020-01-03", "", acis.Element{Name: "maxt"}, acis.Element{Name: "pcpn"})
	raw := `{"data":[
		{"meta":{"uid":1},"data":[["50","0.10"],["M","T"],["52","0.45A"]]},
		{"meta":{"uid":2},"data":[["40","S"],["41","0.00"],["42"]]}
	]}`
	res, err := acis.NewMultiStnDataResult(p, []byte(raw))
	require.NoError(t, err)

	axis := acis.Axis{Start: date("2020-01-01"), End: date("2020-01-03"), Interval: acis.Daily}
	m, err := acis.Assemble(res, axis)
	require.NoError(t, err)

	assert.Equal(t, []acis.Column{
		{UID: "1", Elem: "maxt"}, {UID: "1", Elem: "pcpn"},
		{UID: "2", Elem: "maxt"}, {UID: "2", Elem: "pcpn"},
	}, m.Columns)
	require.Len(t, m.Data, 3)

	assert.Equal(t, 50.0, m.At(0, 0))
	assert.Equal(t, 0.10, m.At(0, 1))
	assert.True(t, math.IsNaN(m.At(1, 0)), "M is NaN")
	assert.Equal(t, 0.0, m.At(1, 1), "trace is zero")
	assert.Equal(t, 0.45, m.At(2, 1), "flag suffix is dropped")
	assert.True(t, math.IsNaN(m.At(0, 3)), "S is NaN")
	assert.Equal(t, 0.0, m.At(1, 3))
	assert.True(t, math.IsNaN(m.At(2, 3)), "absent element is NaN")

	// Assembling again gives the same matrix bit for bit.
	again, err := acis.Assemble(res, axis)
	require.NoError(t, err)
	for i := range m.Data {
		for j := range m.Data[i] {
			assert.Equal(t, math.Float64bits(m.Data[i][j]), math.Float64bits(again.Data[i][j]))
		}
	}
}

func TestAssemble_SparseGroupsLeaveNaN(t *testing.T) {
	p := multiParams(t, "2020-01-01", "2020-01-31", acis.GroupByDate, acis.Element{Name: "maxt"})
	raw := `{"data":[{"meta":{"uid":1},"data":{"2020-01-01":[["50"]],"2020-01-15":[["55"]]}}]}`
	res, err := acis.NewMultiStnDataResult(p, []byte(raw))
	require.NoError(t, err)

	m, err := acis.Assemble(res, acis.Axis{Start: date("2020-01-01"), End: date("2020-01-31"), Interval: acis.Daily})
	require.NoError(t, err)
	require.Len(t, m.Data, 31)
	assert.Equal(t, 50.0, m.At(0, 0))
	assert.Equal(t, 55.0, m.At(14, 0))
	assert.True(t, math.IsNaN(m.At(1, 0)))
}

func TestAssemble_OffAxis(t *testing.T) {
	p := stationParams(t, acis.StationSelector{SID: "okc"}, "2020-01-01", "2020-01-02", "", acis.Element{Name: "maxt"})
	res, err := acis.NewStnDataResult(p, []byte(`{"meta":{"uid":1},"data":[["2020-01-01","50"],["2020-01-02","51"]]}`))
	require.NoError(t, err)

	_, err = acis.Assemble(res, acis.Axis{Start: date("2020-01-02"), End: date("2020-01-05"), Interval: acis.Daily})
	var am *acis.AxisMismatchError
	require.ErrorAs(t, err, &am)
	assert.Equal(t, "1", am.UID)
	assert.Equal(t, date("2020-01-01"), am.Date)
}

func TestAssemble_DuplicateDate(t *testing.T) {
	p := multiParams(t, "2020-01-01", "2020-01-31", acis.GroupByDate, acis.Element{Name: "maxt"})
	raw := `{"data":[{"meta":{"uid":1},"data":{"2020-01-01":[["50"],["51"]]}}]}`
	res, err := acis.NewMultiStnDataResult(p, []byte(raw))
	require.NoError(t, err)

	_, err = acis.Assemble(res, acis.Axis{Start: date("2020-01-01"), End: date("2020-01-31"), Interval: acis.Daily})
	var am *acis.AxisMismatchError
	assert.ErrorAs(t, err, &am)
}

func TestValue_UnmarshalAndFloat(t *testing.T) {
	tests := []struct {
		raw     string
		text    string
		num     float64
		numeric bool
		missing bool
	}{
		{`"12"`, "12", 12, true, false},
		{`12.5`, "12.5", 12.5, true, false},
		{`"M"`, "M", 0, false, true},
		{`null`, "M", 0, false, true},
		{`"T"`, "T", 0, true, false},
		{`"S"`, "S", 0, false, true},
		{`"0.45A"`, "0.45A", 0.45, true, false},
		{`["3.1","A"]`, "3.1", 3.1, true, false},
	}
	for _, tc := range tests {
		t.Run(tc.raw, func(t *testing.T) {
			var v acis.Value
			require.NoError(t, v.UnmarshalJSON([]byte(tc.raw)))
			assert.Equal(t, tc.text, v.String())
			assert.Equal(t, tc.missing, v.Missing())
			f, ok := v.Float()
			assert.Equal(t, tc.numeric, ok)
			assert.Equal(t, tc.num, f)
		})
	}
}
