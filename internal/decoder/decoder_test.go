package decoder_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/gts-bufr-etl/internal/bufr"
	"github.com/couchcryptid/gts-bufr-etl/internal/decoder"
	"github.com/couchcryptid/gts-bufr-etl/internal/gts"
	"github.com/couchcryptid/gts-bufr-etl/internal/record"
	"github.com/couchcryptid/gts-bufr-etl/internal/tables"
)

const testBufrMap = `
"5001": coordinates:Latitude
"6001": coordinates:Longitude
"7062":
  apply_to: target
  type: coordinates
  name: Depth
  subrecord_type: PROFILE
  directional_subrecord: true
"12101": variables:Temperature
"12102": variables:WetBulbTemperature
"11002": variables:WindSpeed
"22067":
  apply_to: following
  type: metadata
  name: InstrumentType
  filter: [Temperature]
  value_map:
    4: "XBT"
    710: "CTD"
`

const testUnitMap = `
deg: degrees
`

const testHeader = "IOPX01 KWBC 161814"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func vn(id int, unit string, scale, idx int) *bufr.ValueNode {
	return &bufr.ValueNode{Desc: bufr.Descriptor{ID: id, Unit: unit, Scale: scale}, Index: idx}
}

func baseMessage(nodes []bufr.Node, values []any) *bufr.Message {
	return &bufr.Message{
		Edition:               4,
		OriginatingCentre:     54,
		OriginatingSubcentre:  0,
		DataCategory:          31,
		IsObservation:         true,
		MessageTime:           time.Date(2023, 5, 16, 18, 0, 0, 0, time.UTC),
		UnexpandedDescriptors: []int{315003},
		SubsetCount:           1,
		Nodes:                 [][]bufr.Node{nodes},
		Values:                [][]any{values},
	}
}

func newDecoder(t *testing.T, msg *bufr.Message) *decoder.Decoder {
	t.Helper()
	tbl, err := tables.Parse([]byte(testBufrMap), []byte(testUnitMap))
	require.NoError(t, err)
	eng := bufr.EngineFunc(func(_ context.Context, _ []byte) (*bufr.Message, error) {
		return msg, nil
	})
	return decoder.New(eng, tbl, discardLogger())
}

func decodeOne(t *testing.T, msg *bufr.Message) *record.Record {
	t.Helper()
	recs, err := newDecoder(t, msg).Decode(context.Background(), testHeader, &gts.Envelope{Raw: []byte("BUFR")})
	require.NoError(t, err)
	require.Len(t, recs, msg.SubsetCount)
	return recs[0]
}

func TestDecode_RejectsCorrectedBulletins(t *testing.T) {
	msg := baseMessage(nil, nil)
	d := newDecoder(t, msg)

	for _, header := range []string{
		"IOPX01 KWBC 161814 CCA",
		"IOPX01 KWBC 161814 AAB",
		"IOPX01 KWBC 161814 PAA",
	} {
		_, err := d.Decode(context.Background(), header, &gts.Envelope{Raw: []byte("BUFR")})
		assert.ErrorIs(t, err, decoder.ErrCorrectedBulletin, header)
	}

	// retarded bulletins are fine
	recs, err := d.Decode(context.Background(), "IOPX01 KWBC 161814 RRA", &gts.Envelope{Raw: []byte("BUFR")})
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestDecode_CommonMetadata(t *testing.T) {
	at := time.Date(2023, 5, 16, 18, 30, 0, 0, time.UTC)
	record.SetClock(clockwork.NewFakeClockAt(at))
	t.Cleanup(func() { record.SetClock(nil) })

	rec := decodeOne(t, baseMessage(nil, nil))

	assert.Equal(t, testHeader, rec.Metadata.Get("GTSHeader").Val)
	assert.Equal(t, 54, rec.Metadata.Get("BUFROriginCentre").Val)
	assert.Equal(t, 31, rec.Metadata.Get("BUFRDataCategory").Val)
	assert.Equal(t, 1, rec.Metadata.Get("BUFRIsObservation").Val)
	assert.Equal(t, "2023-05-16T18:00:00Z", rec.Metadata.Get("BUFRMessageTime").Val)
	assert.Equal(t, 0, rec.Metadata.Get("BUFRSubsetIndex").Val)
	assert.Equal(t, []int{315003}, rec.Metadata.Get("BUFRDescriptors").Val)
	assert.Equal(t, at, rec.DecodedAt)

	// deterministic uid: same message, same uid
	again := decodeOne(t, baseMessage(nil, nil))
	assert.Equal(t, rec.UID, again.UID)
}

func TestDecode_CoordinatesAndUnits(t *testing.T) {
	msg := baseMessage(
		[]bufr.Node{vn(5001, "deg", 5, 0), vn(12101, "K", 2, 1)},
		[]any{33.986, 296.15},
	)
	rec := decodeOne(t, msg)

	lat := rec.Coordinates.Get("Latitude")
	require.NotNil(t, lat)
	assert.Equal(t, 33.986, lat.Val)
	assert.Equal(t, "degrees", lat.Metadata["Units"])
	assert.InDelta(t, 5e-6, lat.Metadata["Uncertainty"].(float64), 1e-12)

	temp := rec.Variables.Get("Temperature")
	require.NotNil(t, temp)
	assert.Equal(t, 296.15, temp.Val)
	assert.Equal(t, "K", temp.Metadata["Units"])
	assert.InDelta(t, 0.005, temp.Metadata["Uncertainty"].(float64), 1e-12)

	assert.Empty(t, rec.Warnings())
}

func TestDecode_UnmappedDescriptorDegrades(t *testing.T) {
	msg := baseMessage(
		[]bufr.Node{vn(99001, "Numeric", 0, 0), vn(12101, "K", 2, 1)},
		[]any{5.0, 296.15},
	)
	rec := decodeOne(t, msg)

	// the bad descriptor is logged, the rest of the subset still decodes
	require.Len(t, rec.Warnings(), 1)
	assert.Contains(t, rec.Warnings()[0].Message, "99001")
	assert.Equal(t, 296.15, rec.Variables.Get("Temperature").Val)
}

func TestDecode_NilValuesDropped(t *testing.T) {
	msg := baseMessage(
		[]bufr.Node{vn(5001, "deg", 5, 0), vn(12101, "K", 2, 1)},
		[]any{nil, 296.15},
	)
	rec := decodeOne(t, msg)

	assert.False(t, rec.Coordinates.Has("Latitude"))
	assert.True(t, rec.Variables.Has("Temperature"))
}

func TestDecode_PendingVarMetadataWithFilter(t *testing.T) {
	msg := baseMessage(
		[]bufr.Node{
			vn(22067, "CODE TABLE", 0, 0),
			vn(5001, "deg", 5, 1),
			vn(12101, "K", 2, 2),
		},
		[]any{4.0, 33.986, 296.15},
	)
	rec := decodeOne(t, msg)

	temp := rec.Variables.Get("Temperature")
	require.NotNil(t, temp)
	assert.Equal(t, "XBT", temp.Metadata["InstrumentType"])

	// the filter keeps instrument metadata off unrelated elements
	lat := rec.Coordinates.Get("Latitude")
	require.NotNil(t, lat)
	assert.NotContains(t, lat.Metadata, "InstrumentType")
}

func TestDecode_WMOBlockStationID(t *testing.T) {
	msg := baseMessage(
		[]bufr.Node{vn(1001, "Numeric", 0, 0), vn(1002, "Numeric", 0, 1)},
		[]any{71.0, 234.0},
	)
	rec := decodeOne(t, msg)

	require.True(t, rec.Metadata.Has("StationId"))
	assert.Equal(t, "71234", rec.Metadata.Get("StationId").Val)
	assert.Empty(t, rec.Warnings())
}

func TestDecode_RegionalBuoyID(t *testing.T) {
	msg := baseMessage(
		[]bufr.Node{vn(1003, "Numeric", 0, 0), vn(1020, "Numeric", 0, 1), vn(1005, "Numeric", 0, 2)},
		[]any{4.0, 4.0, 601.0},
	)
	rec := decodeOne(t, msg)
	assert.Equal(t, "4400601", rec.Metadata.Get("StationId").Val)
}

func TestDecode_ExtendedStationIDPadded(t *testing.T) {
	msg := baseMessage(
		[]bufr.Node{vn(1087, "Numeric", 0, 0)},
		[]any{4800123.0},
	)
	rec := decodeOne(t, msg)
	assert.Equal(t, "4800123", rec.Metadata.Get("StationId").Val)

	short := baseMessage(
		[]bufr.Node{vn(1087, "Numeric", 0, 0)},
		[]any{48123.0},
	)
	rec = decodeOne(t, short)
	assert.Equal(t, "4800123", rec.Metadata.Get("StationId").Val)
}

func TestDecode_WigosID(t *testing.T) {
	msg := baseMessage(
		[]bufr.Node{
			vn(1125, "Numeric", 0, 0),
			vn(1126, "Numeric", 0, 1),
			vn(1127, "Numeric", 0, 2),
			vn(1128, "CCITT IA5", 0, 3),
		},
		[]any{0.0, 20000.0, 0.0, "840123"},
	)
	rec := decodeOne(t, msg)
	assert.Equal(t, "0-20000-0-840123", rec.Metadata.Get("WigosId").Val)
	assert.Empty(t, rec.Warnings())
}

func dtSequence(startIdx int) []bufr.Node {
	return []bufr.Node{
		&bufr.SequenceNode{
			Desc: bufr.Descriptor{ID: 301011},
			Members: []bufr.Node{
				vn(4001, "a", 0, startIdx),
				vn(4002, "mon", 0, startIdx+1),
				vn(4003, "d", 0, startIdx+2),
			},
		},
		&bufr.SequenceNode{
			Desc: bufr.Descriptor{ID: 301012},
			Members: []bufr.Node{
				vn(4004, "h", 0, startIdx+3),
				vn(4005, "min", 0, startIdx+4),
			},
		},
	}
}

func TestDecode_DateTimeSequence(t *testing.T) {
	msg := baseMessage(dtSequence(0), []any{2023.0, 5.0, 16.0, 18.0, 14.0})
	rec := decodeOne(t, msg)

	assert.Equal(t, "2023-05-16T18:14+00:00", rec.Coordinates.Get("Time").Val)
	assert.Empty(t, rec.Warnings())
}

func TestDecode_DateTimeFlatRun(t *testing.T) {
	msg := baseMessage(
		[]bufr.Node{
			vn(4001, "a", 0, 0),
			vn(4002, "mon", 0, 1),
			vn(4003, "d", 0, 2),
			vn(4004, "h", 0, 3),
			vn(4005, "min", 0, 4),
			vn(4006, "s", 0, 5),
		},
		[]any{2023.0, 5.0, 16.0, 18.0, 14.0, 30.0},
	)
	rec := decodeOne(t, msg)
	assert.Equal(t, "2023-05-16T18:14:30+00:00", rec.Coordinates.Get("Time").Val)
}

func TestDecode_DateOnlyWhenTimeMissing(t *testing.T) {
	msg := baseMessage(dtSequence(0), []any{2023.0, 5.0, 16.0, nil, nil})
	rec := decodeOne(t, msg)
	assert.Equal(t, "2023-05-16", rec.Coordinates.Get("Time").Val)
}

func TestDecode_ScaleOverride(t *testing.T) {
	msg := baseMessage(
		[]bufr.Node{
			vn(8090, "Numeric", 0, 0),
			vn(12101, "K", 2, 1),
			vn(8090, "Numeric", 0, 2),
			vn(12102, "K", 2, 3),
		},
		[]any{2.0, 2.9615, nil, 290.15},
	)
	rec := decodeOne(t, msg)

	// 2.9615 * 10^2 while the override is active
	assert.InDelta(t, 296.15, rec.Variables.Get("Temperature").Val.(float64), 1e-9)
	// a missing 8090 value clears the override
	assert.Equal(t, 290.15, rec.Variables.Get("WetBulbTemperature").Val)
}

func TestDecode_QualityFlagsAttach(t *testing.T) {
	msg := baseMessage(
		[]bufr.Node{
			vn(5001, "deg", 5, 0),
			vn(6001, "deg", 5, 1),
			vn(8080, "CODE TABLE", 0, 2),
			vn(33050, "CODE TABLE", 0, 3),
		},
		[]any{33.986, -77.1, 20.0, 1.0},
	)
	rec := decodeOne(t, msg)

	assert.Equal(t, "1", rec.Coordinates.Get("Latitude").Metadata["Quality"])
	assert.Equal(t, "1", rec.Coordinates.Get("Longitude").Metadata["Quality"])
	assert.Empty(t, rec.Warnings())
}

func TestDecode_QualityFlagMissingElementWarns(t *testing.T) {
	msg := baseMessage(
		[]bufr.Node{
			vn(8080, "CODE TABLE", 0, 0),
			vn(33050, "CODE TABLE", 0, 1),
		},
		[]any{11.0, 3.0}, // applies to Temperature, which was never set
	)
	rec := decodeOne(t, msg)
	require.Len(t, rec.Warnings(), 1)
	assert.Contains(t, rec.Warnings()[0].Message, "Temperature")
}

func TestDecode_TimeSignificanceAverage(t *testing.T) {
	msg := baseMessage(
		[]bufr.Node{
			vn(8021, "CODE TABLE", 0, 0),
			vn(12101, "K", 2, 1),
		},
		[]any{2.0, 296.15},
	)
	rec := decodeOne(t, msg)
	assert.Equal(t, "AVERAGE", rec.Variables.Get("Temperature").Metadata["AggregationMethod"])
}

func TestDecode_LastKnownPositionTime(t *testing.T) {
	nodes := append([]bufr.Node{vn(8021, "CODE TABLE", 0, 0)}, dtSequence(1)...)
	msg := baseMessage(nodes, []any{26.0, 2023.0, 5.0, 16.0, 12.0, 0.0})
	rec := decodeOne(t, msg)
	assert.Equal(t, "2023-05-16T12:00+00:00", rec.Metadata.Get("LastKnownPositionTime").Val)
}

func profileMembers(startIdx int, depths []float64) []bufr.Node {
	nodes := make([]bufr.Node, 0, len(depths)*2)
	for i := range depths {
		nodes = append(nodes,
			vn(7062, "m", 1, startIdx+i*2),
			vn(12101, "K", 2, startIdx+i*2+1),
		)
	}
	return nodes
}

func TestReplication_ProfileSubrecords(t *testing.T) {
	nodes := []bufr.Node{
		vn(5001, "deg", 5, 0),
		&bufr.FixedReplicationNode{
			Desc:    bufr.Descriptor{ID: 103003},
			Members: profileMembers(1, []float64{1, 2, 3}),
		},
	}
	msg := baseMessage(nodes, []any{33.986, 1.0, 296.15, 2.0, 295.0, 3.0, 294.2})
	rec := decodeOne(t, msg)

	assert.Equal(t, 33.986, rec.Coordinates.Get("Latitude").Val)
	require.Contains(t, rec.Subrecords, "PROFILE_I")
	children := rec.Subrecords["PROFILE_I"].Records
	require.Len(t, children, 3)

	assert.Equal(t, 2.0, children[1].Coordinates.Get("Depth").Val)
	assert.Equal(t, 295.0, children[1].Variables.Get("Temperature").Val)
	// levels do not leak into the parent
	assert.False(t, rec.Coordinates.Has("Depth"))
	assert.False(t, rec.Variables.Has("Temperature"))
}

func TestReplication_DescendingProfileSuffix(t *testing.T) {
	nodes := []bufr.Node{
		&bufr.FixedReplicationNode{
			Desc:    bufr.Descriptor{ID: 103003},
			Members: profileMembers(0, []float64{30, 20, 10}),
		},
	}
	msg := baseMessage(nodes, []any{30.0, 294.0, 20.0, 295.0, 10.0, 296.0})
	rec := decodeOne(t, msg)
	assert.Contains(t, rec.Subrecords, "PROFILE_D")
}

func TestReplication_MixedDirectionSuffix(t *testing.T) {
	depths := []float64{1, 2, 3, 4, 5, 4, 3, 2, 1}
	values := make([]any, 0, len(depths)*2)
	for _, d := range depths {
		values = append(values, d, 295.0)
	}
	nodes := []bufr.Node{
		&bufr.FixedReplicationNode{
			Desc:    bufr.Descriptor{ID: 109009},
			Members: profileMembers(0, depths),
		},
	}
	msg := baseMessage(nodes, values)
	rec := decodeOne(t, msg)
	assert.Contains(t, rec.Subrecords, "PROFILE_ID")
}

func TestReplication_TimeSeriesFallback(t *testing.T) {
	members := []bufr.Node{
		vn(4025, "min", 0, 1), vn(11002, "m/s", 1, 2),
		vn(4025, "min", 0, 3), vn(11002, "m/s", 1, 4),
		vn(4025, "min", 0, 5), vn(11002, "m/s", 1, 6),
	}
	nodes := []bufr.Node{
		&bufr.DelayedReplicationNode{
			Desc:    bufr.Descriptor{ID: 102000},
			Factor:  vn(31001, "Numeric", 0, 0),
			Members: members,
		},
	}
	msg := baseMessage(nodes, []any{3.0, -20.0, 5.1, -10.0, 5.4, 0.0, 5.9})
	rec := decodeOne(t, msg)

	require.Contains(t, rec.Subrecords, "TSERIES_I")
	children := rec.Subrecords["TSERIES_I"].Records
	require.Len(t, children, 3)

	var offsets []any
	for _, c := range children {
		offsets = append(offsets, c.Coordinates.Get("TimeOffset").Val)
	}
	want := []any{"PT-20M", "PT-10M", "PT0M"}
	if diff := cmp.Diff(want, offsets); diff != "" {
		t.Fatalf("time offsets mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 5.4, children[1].Variables.Get("WindSpeed").Val)
}

func TestReplication_TimeOffsetChangeForcesNewChild(t *testing.T) {
	// each repetition holds two elapsed-time values, so it splits in two
	members := []bufr.Node{
		vn(4025, "min", 0, 1), vn(11002, "m/s", 1, 2),
		vn(4025, "min", 0, 3), vn(11002, "m/s", 1, 4),
		vn(4025, "min", 0, 5), vn(11002, "m/s", 1, 6),
		vn(4025, "min", 0, 7), vn(11002, "m/s", 1, 8),
	}
	nodes := []bufr.Node{
		&bufr.DelayedReplicationNode{
			Desc:    bufr.Descriptor{ID: 104000},
			Factor:  vn(31001, "Numeric", 0, 0),
			Members: members,
		},
	}
	msg := baseMessage(nodes, []any{2.0, -20.0, 5.1, -10.0, 5.2, -10.0, 5.3, 0.0, 5.4})
	rec := decodeOne(t, msg)

	require.Contains(t, rec.Subrecords, "TSERIES_I")
	children := rec.Subrecords["TSERIES_I"].Records
	require.Len(t, children, 4)

	var offsets []any
	for _, c := range children {
		offsets = append(offsets, c.Coordinates.Get("TimeOffset").Val)
	}
	assert.Equal(t, []any{"PT-20M", "PT-10M", "PT-10M", "PT0M"}, offsets)
}

func TestReplication_SingleDirectionalPairFlattens(t *testing.T) {
	members := []bufr.Node{
		vn(4025, "min", 0, 1),
		vn(4025, "min", 0, 2),
		vn(11002, "m/s", 1, 3),
	}
	nodes := []bufr.Node{
		&bufr.DelayedReplicationNode{
			Desc:    bufr.Descriptor{ID: 103000},
			Factor:  vn(31001, "Numeric", 0, 0),
			Members: members,
		},
	}
	msg := baseMessage(nodes, []any{1.0, -10.0, 0.0, 5.1})
	rec := decodeOne(t, msg)

	// a single repetition never becomes a time series: the period pair lands
	// on the variable as pending metadata instead
	assert.Empty(t, rec.Subrecords)
	wind := rec.Variables.Get("WindSpeed")
	require.NotNil(t, wind)
	assert.Equal(t, []any{"PT-10M", "PT0M"}, wind.Metadata["ObservationPeriod"])
}

func TestReplication_MalformedCountFlattensWithWarning(t *testing.T) {
	nodes := []bufr.Node{
		&bufr.DelayedReplicationNode{
			Desc:    bufr.Descriptor{ID: 102000},
			Factor:  nil,
			Members: []bufr.Node{vn(12101, "K", 2, 0)},
		},
	}
	msg := baseMessage(nodes, []any{296.15})
	rec := decodeOne(t, msg)

	assert.Equal(t, 296.15, rec.Variables.Get("Temperature").Val)
	require.NotEmpty(t, rec.Warnings())
	assert.Contains(t, rec.Warnings()[0].Message, "repetition count")
}

func TestDecode_ThreeSubsetBathy(t *testing.T) {
	nodes := []bufr.Node{
		vn(1001, "Numeric", 0, 0),
		vn(1002, "Numeric", 0, 1),
	}
	nodes = append(nodes, dtSequence(2)...)
	nodes = append(nodes,
		vn(5001, "deg", 5, 7),
		vn(6001, "deg", 5, 8),
		&bufr.FixedReplicationNode{
			Desc:    bufr.Descriptor{ID: 102002},
			Members: profileMembers(9, []float64{0, 4}),
		},
	)

	values := func(station, lat float64) []any {
		return []any{
			71.0, station,
			2023.0, 5.0, 16.0, 18.0, 14.0,
			lat, -77.1,
			0.0, 299.0, 4.0, 296.15,
		}
	}

	msg := &bufr.Message{
		Edition:               4,
		OriginatingCentre:     54,
		DataCategory:          31,
		IsObservation:         true,
		MessageTime:           time.Date(2023, 5, 16, 18, 0, 0, 0, time.UTC),
		UnexpandedDescriptors: []int{315003},
		SubsetCount:           3,
		Nodes:                 [][]bufr.Node{nodes, nodes, nodes},
		Values: [][]any{
			values(234, 33.986),
			values(235, 34.1),
			values(236, 34.2),
		},
	}

	recs, err := newDecoder(t, msg).Decode(context.Background(), testHeader, &gts.Envelope{Raw: []byte("BUFR")})
	require.NoError(t, err)
	require.Len(t, recs, 3)

	var stations []any
	for _, rec := range recs {
		stations = append(stations, rec.Metadata.Get("StationId").Val)
	}
	if diff := cmp.Diff([]any{"71234", "71235", "71236"}, stations); diff != "" {
		t.Fatalf("station ids mismatch (-want +got):\n%s", diff)
	}

	first := recs[0]
	assert.Equal(t, "2023-05-16T18:14+00:00", first.Coordinates.Get("Time").Val)
	assert.Equal(t, 33.986, first.Coordinates.Get("Latitude").Val)
	assert.Equal(t, 0, first.Metadata.Get("BUFRSubsetIndex").Val)
	assert.Equal(t, 2, recs[2].Metadata.Get("BUFRSubsetIndex").Val)

	require.Contains(t, first.Subrecords, "PROFILE_I")
	levels := first.Subrecords["PROFILE_I"].Records
	require.Len(t, levels, 2)
	assert.Equal(t, 4.0, levels[1].Coordinates.Get("Depth").Val)
	assert.Equal(t, 296.15, levels[1].Variables.Get("Temperature").Val)
	assert.Empty(t, first.Warnings())

	// each subset hashes to its own uid
	assert.NotEqual(t, recs[0].UID, recs[1].UID)
}
