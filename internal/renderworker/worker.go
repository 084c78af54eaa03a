// Package renderworker implements the fixed-size worker pool that
// drives the render pipeline (§4.5): fetch a metatile key, project its
// bounding box, render via the engine, split into tiles, persist via
// the metatile writer, then notify every requester.
//
// Each worker goroutine owns its own Registry and Engine instance,
// never shared with any other worker (§5 "Per-worker map object: not
// shared; never contended"; §9 "construct one map/projection bundle
// per worker thread"), since the rendering engine is not guaranteed
// thread-safe.
//
// Grounded on nkovacs/go-mapnik/maptiles.TileRenderer.RenderMetaTile,
// generalized from a single renderer goroutine per style to a fixed
// worker count each holding its own per-style compiled map state
// (§9 "per-worker engine state"), and on the dispatch loop in
// original_source/renderd.py's RenderThread.loop.
package renderworker

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color/palette"
	"image/draw"
	"image/png"

	"github.com/disintegration/imaging"
	"github.com/dustin/go-humanize"
	"github.com/paulmach/orb"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/renderd/renderd/internal/mapengine"
	"github.com/renderd/renderd/internal/metatile"
	"github.com/renderd/renderd/internal/projection"
	"github.com/renderd/renderd/internal/scheduler"
	"github.com/renderd/renderd/internal/tilecoord"
	"github.com/renderd/renderd/internal/wire"
)

const (
	tileSize   = 256
	bufferSize = 128
)

// WorkerEngine is one worker's private copy of the render collaborators:
// its own style registry and its own engine instance. Workers never
// share these (§5, §9).
type WorkerEngine struct {
	Registry *mapengine.Registry
	Engine   mapengine.Engine
}

// Pool runs one goroutine per entry in Workers, each pulling metatile
// keys from Scheduler and driving them through the render pipeline
// using its own WorkerEngine.
type Pool struct {
	Workers   []WorkerEngine
	Scheduler *scheduler.Scheduler
	Tables    *projection.Tables
	TileDir   string
	Log       *zap.SugaredLogger
	metrics   *metrics
}

type metrics struct {
	renderDuration prometheus.Histogram
	renderTotal    *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		renderDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "renderd_metatile_render_seconds",
			Help:    "Time to render, split and persist one metatile.",
			Buckets: prometheus.DefBuckets,
		}),
		renderTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "renderd_metatile_renders_total",
			Help: "Total metatile renders by outcome (done, not_done).",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.renderDuration, m.renderTotal)
	return m
}

// New builds a worker pool. reg is the Prometheus registerer for
// per-render metrics.
func New(p Pool, reg prometheus.Registerer) *Pool {
	p.metrics = newMetrics(reg)
	return &p
}

// Run starts one goroutine per worker and blocks until every worker
// goroutine has returned. Per §5, in-flight renders are not cancelled
// on shutdown; ctx only gates whether new iterations start, so a worker
// blocked in Scheduler.Fetch stays blocked after ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := range p.Workers {
		workerID := i
		g.Go(func() error {
			p.loop(ctx, workerID)
			return nil
		})
	}
	return g.Wait()
}

func (p *Pool) loop(ctx context.Context, workerID int) {
	log := p.Log.With("worker_id", workerID)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		key := p.Scheduler.Fetch()
		p.renderOne(log, workerID, key)
	}
}

func (p *Pool) renderOne(log *zap.SugaredLogger, workerID int, key tilecoord.MetatileKey) {
	timer := prometheus.NewTimer(p.metrics.renderDuration)
	path, renderErr := p.render(workerID, key)
	timer.ObserveDuration()

	requests := p.Scheduler.PopRequests(key)
	outcome := wire.Done
	if renderErr != nil {
		outcome = wire.NotDone
		log.Errorw("metatile render failed",
			"style", key.Style, "mx", key.MX, "my", key.MY, "z", key.Z, zap.Error(renderErr))
		p.metrics.renderTotal.WithLabelValues("not_done").Inc()
	} else {
		log.Infow("metatile rendered",
			"style", key.Style, "mx", key.MX, "my", key.MY, "z", key.Z, "path", path)
		p.metrics.renderTotal.WithLabelValues("done").Inc()
	}

	for _, req := range requests {
		if req.Packet.Command != wire.Render {
			continue // Dirty requests never generate a response packet (§3).
		}
		if err := req.Responder.Respond(outcome); err != nil {
			log.Debugw("writing response to origin socket failed", zap.Error(err))
		}
	}
}

// render drives one metatile through projection, engine rendering,
// splitting and atomic persistence, using worker workerID's own
// Registry and Engine instance. It returns the written path.
func (p *Pool) render(workerID int, key tilecoord.MetatileKey) (string, error) {
	worker := p.Workers[workerID]
	style, err := worker.Registry.Lookup(key.Style)
	if err != nil {
		return "", err
	}

	s := int(key.Size())
	bbox := p.metatileBBox(style, key, s)

	canvasSize := tileSize * s
	img, err := worker.Engine.Render(key.Style, bbox, canvasSize, canvasSize, bufferSize)
	if err != nil {
		return "", fmt.Errorf("renderworker: engine render failed: %w", err)
	}

	tiles, err := splitAndEncode(img, key, s)
	if err != nil {
		return "", fmt.Errorf("renderworker: splitting metatile: %w", err)
	}

	data := metatile.Encode(key, tiles)
	path, err := metatile.WriteAtomic(p.TileDir, key, workerID, data)
	if err != nil {
		return "", fmt.Errorf("renderworker: writing metatile: %w", err)
	}
	if p.Log != nil {
		p.Log.Debugw("wrote metatile file", "path", path, "size", humanize.Bytes(uint64(len(data))))
	}
	return path, nil
}

// metatileBBox computes the projected bounding box for key per §4.5
// step 3: the metatile's pixel corners are converted to lon/lat, then
// forward-projected by the style's own projection.
func (p *Pool) metatileBBox(style mapengine.Style, key tilecoord.MetatileKey, s int) orb.Bound {
	p0 := projection.Pixel{X: float64(key.MX) * tileSize, Y: float64(key.MY+int32(s)) * tileSize}
	p1 := projection.Pixel{X: float64(key.MX+int32(s)) * tileSize, Y: float64(key.MY) * tileSize}

	l0 := p.Tables.PixelToLonLat(p0, int(key.Z))
	l1 := p.Tables.PixelToLonLat(p1, int(key.Z))

	c0x, c0y := style.Projector.Forward(l0.Lon, l0.Lat)
	c1x, c1y := style.Projector.Forward(l1.Lon, l1.Lat)

	bound := orb.Bound{Min: orb.Point{c0x, c0y}, Max: orb.Point{c0x, c0y}}
	bound = bound.Extend(orb.Point{c1x, c1y})
	return bound
}

// splitAndEncode crops the rendered canvas into an SxS grid of 256x256
// tiles and PNG-encodes each one (§4.5 step 6, "png256" format).
func splitAndEncode(img image.Image, key tilecoord.MetatileKey, s int) ([]metatile.TilePayload, error) {
	tiles := make([]metatile.TilePayload, 0, s*s)
	for dx := 0; dx < s; dx++ {
		for dy := 0; dy < s; dy++ {
			rect := image.Rect(dx*tileSize, dy*tileSize, (dx+1)*tileSize, (dy+1)*tileSize)
			cropped := imaging.Crop(img, rect)
			data, err := encodePNG256(cropped)
			if err != nil {
				return nil, err
			}
			tile := tilecoord.Tile{Z: key.Z, X: key.MX + int32(dx), Y: key.MY + int32(dy)}
			tiles = append(tiles, metatile.TilePayload{Offset: tilecoord.Offset(tile), Data: data})
		}
	}
	return tiles, nil
}

// encodePNG256 quantizes the tile to an 8-bit palette and encodes it,
// matching the reference implementation's "png256" output format
// (mapnik's 256-color palette PNG preset). No corpus library performs
// palette quantization, so this uses the standard library's
// image/draw.FloydSteinberg ditherer over a fixed palette.
func encodePNG256(src image.Image) ([]byte, error) {
	bounds := src.Bounds()
	dst := image.NewPaletted(bounds, palette.Plan9)
	draw.FloydSteinberg.Draw(dst, bounds, src, bounds.Min)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, fmt.Errorf("encoding png256 tile: %w", err)
	}
	return buf.Bytes(), nil
}
