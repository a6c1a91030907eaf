package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mohammed-shakir/geostream/internal/core/model"
	"github.com/mohammed-shakir/geostream/internal/source"
	"github.com/mohammed-shakir/geostream/internal/source/sourcetest"
)

func dataset(window int) model.Dataset {
	return model.Dataset{
		Name:       "railways",
		Kind:       model.KindStream,
		Table:      "railways",
		IDColumn:   "id",
		GeomColumn: "geometry",
		Columns:    []string{"name"},
		Window:     window,
		Tolerance:  0.01,
	}
}

func lineRows(n int) []model.Row {
	rows := make([]model.Row, n)
	for i := range rows {
		x := float64(i)
		rows[i] = model.Row{
			ID:    int64(i + 1),
			Attrs: map[string]any{"name": fmt.Sprintf("line-%d", i+1)},
			Geom:  fmt.Sprintf("LINESTRING(%g 0, %g 1, %g 2)", x, x+0.5, x+1),
		}
	}
	return rows
}

type parsedLine struct {
	Type     string            `json:"type"`
	Chunk    int               `json:"chunk"`
	Features []json.RawMessage `json:"features"`
	Error    string            `json:"error"`
}

func parseLines(t *testing.T, b []byte) []parsedLine {
	t.Helper()
	var out []parsedLine
	sc := bufio.NewScanner(bytes.NewReader(b))
	sc.Buffer(make([]byte, 0, 1<<20), 64<<20)
	for sc.Scan() {
		var l parsedLine
		require.NoError(t, json.Unmarshal(sc.Bytes(), &l), "line: %s", sc.Text())
		out = append(out, l)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestRun_FourHundredFiftyRowsWindowTwoHundred(t *testing.T) {
	defer goleak.VerifyNone(t)

	pool := &sourcetest.Pool{Rows: lineRows(450)}
	p := &Pipeline{Pool: pool}
	var out bytes.Buffer

	res, err := p.Run(context.Background(), dataset(200), &out)
	require.NoError(t, err)

	lines := parseLines(t, out.Bytes())
	require.Len(t, lines, 3)
	for i, want := range []int{200, 200, 50} {
		require.Equal(t, i+1, lines[i].Chunk)
		require.Len(t, lines[i].Features, want)
	}
	require.Equal(t, 3, res.Windows)
	require.Equal(t, 3, pool.Windows())
	require.Equal(t, 450, res.Features)
	require.Equal(t, out.Bytes(), res.Payload)
	require.Equal(t, pool.Acquired(), pool.Released())
}

func TestRun_ChunksBoundedByWindowAndGapFree(t *testing.T) {
	rows := lineRows(60)
	// window 2 (rows 11..20) is entirely null and must not consume an index
	for i := 10; i < 20; i++ {
		rows[i].Geom = nil
	}
	pool := &sourcetest.Pool{Rows: rows}
	var out bytes.Buffer

	res, err := (&Pipeline{Pool: pool}).Run(context.Background(), dataset(10), &out)
	require.NoError(t, err)

	lines := parseLines(t, out.Bytes())
	require.Len(t, lines, 5)
	for i, l := range lines {
		require.Equal(t, i+1, l.Chunk)
		require.LessOrEqual(t, len(l.Features), 10)
		require.NotEmpty(t, l.Features)
	}
	require.Equal(t, 10, res.Skipped)
	require.Equal(t, 50, res.Features)
}

func TestRun_NullAndMalformedDroppedSilently(t *testing.T) {
	rows := lineRows(5)
	rows[1].Geom = nil
	rows[3].Geom = "LINESTRING(0 0, oops"
	pool := &sourcetest.Pool{Rows: rows}
	var out bytes.Buffer

	res, err := (&Pipeline{Pool: pool}).Run(context.Background(), dataset(200), &out)
	require.NoError(t, err)
	require.Equal(t, 3, res.Features)
	require.Equal(t, 2, res.Skipped)

	lines := parseLines(t, out.Bytes())
	require.Len(t, lines, 1)
	require.Len(t, lines[0].Features, 3)
	require.Empty(t, lines[0].Error)
	require.NotContains(t, out.String(), "error")
}

// POINT EMPTY as PostGIS writes it: NaN coordinates.
const emptyPointWKB = "0101000000000000000000F87F000000000000F87F"

func TestRun_NonFiniteRowSkipped(t *testing.T) {
	rows := lineRows(5)
	rows[2].Geom = emptyPointWKB
	pool := &sourcetest.Pool{Rows: rows}
	var out bytes.Buffer

	res, err := (&Pipeline{Pool: pool}).Run(context.Background(), dataset(200), &out)
	require.NoError(t, err)
	require.Equal(t, 1, res.Chunks)
	require.Equal(t, 4, res.Features)
	require.Equal(t, 1, res.Skipped)

	lines := parseLines(t, out.Bytes())
	require.Len(t, lines, 1)
	require.Len(t, lines[0].Features, 4)
	require.NotContains(t, out.String(), "NaN")
}

func TestRun_FeaturesCarryRowID(t *testing.T) {
	pool := &sourcetest.Pool{Rows: lineRows(3)}
	var out bytes.Buffer

	_, err := (&Pipeline{Pool: pool}).Run(context.Background(), dataset(200), &out)
	require.NoError(t, err)

	lines := parseLines(t, out.Bytes())
	require.Len(t, lines, 1)
	for i, raw := range lines[0].Features {
		var f struct {
			ID         json.Number    `json:"id"`
			Properties map[string]any `json:"properties"`
		}
		require.NoError(t, json.Unmarshal(raw, &f))
		require.Equal(t, fmt.Sprint(i+1), f.ID.String())
		require.Equal(t, fmt.Sprintf("line-%d", i+1), f.Properties["name"])
	}
}

func TestRun_FailOnSecondWindow(t *testing.T) {
	defer goleak.VerifyNone(t)

	pool := &sourcetest.Pool{Rows: lineRows(450), FailWindow: 2}
	var out bytes.Buffer

	res, err := (&Pipeline{Pool: pool}).Run(context.Background(), dataset(200), &out)
	require.ErrorIs(t, err, source.ErrSourceUnavailable)

	lines := parseLines(t, out.Bytes())
	require.Len(t, lines, 2)
	require.Equal(t, 1, lines[0].Chunk)
	require.Len(t, lines[0].Features, 200)
	require.NotEmpty(t, lines[1].Error)
	require.Equal(t, 1, res.Chunks)
	require.Equal(t, 2, pool.Windows())
	require.Equal(t, 1, pool.Released())
}

func TestRun_AcquireFailure(t *testing.T) {
	pool := &sourcetest.Pool{AcquireErr: errors.New("too many connections")}
	var out bytes.Buffer

	_, err := (&Pipeline{Pool: pool}).Run(context.Background(), dataset(200), &out)
	require.ErrorIs(t, err, source.ErrSourceUnavailable)
	require.Zero(t, pool.Windows())

	lines := parseLines(t, out.Bytes())
	require.Len(t, lines, 1)
	require.True(t, strings.Contains(lines[0].Error, "too many connections"))
}

// flushCounter records how many windows had been fetched at each flush.
type flushCounter struct {
	bytes.Buffer
	pool    *sourcetest.Pool
	atFlush []int
}

func (f *flushCounter) Flush() { f.atFlush = append(f.atFlush, f.pool.Windows()) }

func TestRun_FlushesBeforeNextWindow(t *testing.T) {
	pool := &sourcetest.Pool{Rows: lineRows(35)}
	sink := &flushCounter{pool: pool}

	_, err := (&Pipeline{Pool: pool}).Run(context.Background(), dataset(10), sink)
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 3, 4}, sink.atFlush)
}

// failAfter accepts n writes and then fails like a disconnected client.
type failAfter struct {
	n      int
	writes int
}

func (f *failAfter) Write(b []byte) (int, error) {
	f.writes++
	if f.writes > f.n {
		return 0, errors.New("write: connection reset by peer")
	}
	return len(b), nil
}

func TestRun_ClientDisconnectIsFatal(t *testing.T) {
	pool := &sourcetest.Pool{Rows: lineRows(50)}
	sink := &failAfter{n: 1}

	res, err := (&Pipeline{Pool: pool}).Run(context.Background(), dataset(10), sink)
	require.ErrorIs(t, err, ErrSinkWrite)
	require.Equal(t, 1, res.Chunks)
	require.Equal(t, 2, pool.Windows(), "no window fetched after the failed write")
	require.Equal(t, 1, pool.Released())
}

func TestRun_Deterministic(t *testing.T) {
	pool := &sourcetest.Pool{Rows: lineRows(120)}
	var a, b bytes.Buffer
	p := &Pipeline{Pool: pool}

	_, err := p.Run(context.Background(), dataset(50), &a)
	require.NoError(t, err)
	_, err = p.Run(context.Background(), dataset(50), &b)
	require.NoError(t, err)
	require.Equal(t, a.Bytes(), b.Bytes())
}

func TestTransform_SkipReasons(t *testing.T) {
	p := &Pipeline{}
	ds := dataset(10)

	require.Equal(t, SkipNullGeometry, p.Transform(ds, model.Row{ID: 1}).Skip)
	require.Equal(t, SkipDecode, p.Transform(ds, model.Row{ID: 2, Geom: "POLYGON((0 0"}).Skip)
	require.Equal(t, SkipDecode, p.Transform(ds, model.Row{ID: 5, Geom: emptyPointWKB}).Skip)

	ds.Tolerance = 10
	rr := p.Transform(ds, model.Row{ID: 3, Geom: "POLYGON((0 0, 0.1 0, 0.1 0.1, 0 0.1, 0 0))"})
	require.Equal(t, SkipSimplify, rr.Skip)
	require.Error(t, rr.Err)

	ok := p.Transform(dataset(10), model.Row{ID: 4, Attrs: map[string]any{"name": "x"}, Geom: "POINT(1 2)"})
	require.False(t, ok.Skipped())
	require.Equal(t, "x", ok.Feature.Properties["name"])
	require.EqualValues(t, 4, ok.Feature.ID)
	require.Contains(t, string(ok.JSON), `"id":4`)
}
