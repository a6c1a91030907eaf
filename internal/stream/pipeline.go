package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/paulmach/orb/geojson"

	"github.com/mohammed-shakir/geostream/internal/core/model"
	"github.com/mohammed-shakir/geostream/internal/core/observability"
	"github.com/mohammed-shakir/geostream/internal/feature"
	"github.com/mohammed-shakir/geostream/internal/geom"
	"github.com/mohammed-shakir/geostream/internal/source"
)

type SkipReason string

const (
	SkipNullGeometry SkipReason = "null_geometry"
	SkipDecode       SkipReason = "decode"
	SkipSimplify     SkipReason = "simplify"
	SkipEncode       SkipReason = "encode"
)

// RowResult is the outcome for a single row: a feature with its JSON
// encoding, or a skip with the reason and underlying error.
type RowResult struct {
	Feature *geojson.Feature
	JSON    json.RawMessage
	Skip    SkipReason
	Err     error
}

func (r RowResult) Skipped() bool { return r.Feature == nil }

type Result struct {
	Chunks   int
	Features int
	Skipped  int
	Windows  int
	// Payload holds every chunk line; it is only complete when Run returns nil.
	Payload []byte
}

type Pipeline struct {
	Pool    source.Pool
	Decoder geom.Decoder
	Log     *slog.Logger
}

func (p *Pipeline) log() *slog.Logger {
	if p.Log == nil {
		return slog.Default()
	}
	return p.Log
}

// Transform decodes, simplifies and encodes one row.
func (p *Pipeline) Transform(ds model.Dataset, row model.Row) RowResult {
	d, err := p.Decoder.Decode(row.Geom)
	if err != nil {
		if errors.Is(err, geom.ErrNullGeometry) {
			return RowResult{Skip: SkipNullGeometry, Err: err}
		}
		return RowResult{Skip: SkipDecode, Err: err}
	}
	s, err := geom.Simplifier{Tolerance: ds.Tolerance}.Simplify(d)
	if err != nil {
		return RowResult{Skip: SkipSimplify, Err: err}
	}
	f := feature.Encoder{H3Res: ds.H3Res}.Encode(s, row.ID, row.Attrs)
	b, err := json.Marshal(f)
	if err != nil {
		return RowResult{Skip: SkipEncode, Err: err}
	}
	return RowResult{Feature: f, JSON: b}
}

// Run streams ds to sink window by window. Each chunk is written and flushed
// before the next window is fetched. On a fatal error one error line is
// written and the error returned; chunks already flushed stay with the
// client.
func (p *Pipeline) Run(ctx context.Context, ds model.Dataset, sink io.Writer) (Result, error) {
	var res Result
	start := time.Now()
	em := NewEmitter(sink)

	fail := func(kind string, err error) (Result, error) {
		observability.IncStreamFailure(ds.Name, kind)
		p.log().ErrorContext(ctx, "stream failed",
			"dataset", ds.Name,
			"kind", kind,
			"chunks", res.Chunks,
			"error", err,
		)
		if werr := em.EmitError(err); werr != nil && kind != "sink" {
			p.log().WarnContext(ctx, "error line not delivered", "dataset", ds.Name, "error", werr)
		}
		res.Payload = em.Payload()
		return res, err
	}

	conn, err := p.Pool.Acquire(ctx)
	if err != nil {
		return fail("source", source.Unavailable("acquire", err))
	}
	defer conn.Release()

	pager := source.NewPager(conn, ds)
	asm := NewAssembler()
	for {
		rows, err := pager.Next(ctx)
		res.Windows = pager.Fetches()
		if err != nil {
			return fail("source", err)
		}
		if len(rows) == 0 {
			break
		}

		for _, row := range rows {
			rr := p.Transform(ds, row)
			if rr.Skipped() {
				res.Skipped++
				observability.IncRowSkipped(ds.Name, string(rr.Skip))
				p.log().DebugContext(ctx, "row skipped",
					"dataset", ds.Name,
					"row_id", fmt.Sprint(row.ID),
					"reason", string(rr.Skip),
					"error", rr.Err,
				)
				continue
			}
			asm.Add(rr.JSON)
		}

		chunk, ok := asm.Finalize()
		if !ok {
			continue
		}
		if err := em.Emit(chunk); err != nil {
			kind := "encode"
			if errors.Is(err, ErrSinkWrite) {
				kind = "sink"
			}
			return fail(kind, err)
		}
		res.Chunks++
		res.Features += len(chunk.Features)
		observability.AddChunk(ds.Name, len(chunk.Features))
	}

	res.Payload = em.Payload()
	p.log().InfoContext(ctx, "stream complete",
		"dataset", ds.Name,
		"chunks", res.Chunks,
		"features", res.Features,
		"skipped", res.Skipped,
		"windows", res.Windows,
		"duration", time.Since(start),
	)
	return res, nil
}
