// Package scheduler implements the three-queue request admission and
// dispatch logic described in §4.4 of the core spec: deduplication
// against in-flight and pending work, graded demotion from render to
// dirty, and blocking dispatch to workers.
//
// Grounded on original_source/renderd.py's RequestQueues, translated
// from Python's GIL-protected dict + threading.Condition to a Go
// sync.Mutex + sync.Cond guarding three maps.
package scheduler

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/renderd/renderd/internal/tilecoord"
	"github.com/renderd/renderd/internal/wire"
)

// Responder is the origin socket's write side, as seen by the
// scheduler and the render worker. It is a weak reference: a handle
// usable for writing, never owned by the request (§9).
type Responder interface {
	Respond(status wire.Command) error
}

// Request is an admitted unit of work: a decoded packet plus the
// means to notify its origin socket.
type Request struct {
	Packet    wire.Packet
	Responder Responder
}

// Outcome is the admission tier a request landed in, or "dropped".
type Outcome string

const (
	OutcomeRendering Outcome = "rendering"
	OutcomeRequested Outcome = "requested"
	OutcomeDirty     Outcome = "dirty"
	OutcomeDropped   Outcome = "dropped"
)

// Config bounds the admission-controlled queues (§3 defaults).
type Config struct {
	RequestLimit int
	DirtyLimit   int
}

// DefaultConfig matches the reference implementation's defaults.
func DefaultConfig() Config {
	return Config{RequestLimit: 32, DirtyLimit: 1000}
}

type entry struct {
	requests []*Request
}

// Scheduler holds the three request queues, keyed by metatile key, and
// a condition variable signalling non-emptiness of requested/dirty.
// Every operation is atomic with respect to the others; only Fetch
// blocks.
type Scheduler struct {
	mu        sync.Mutex
	notEmpty  *sync.Cond
	requested map[tilecoord.MetatileKey]*entry
	dirty     map[tilecoord.MetatileKey]*entry
	rendering map[tilecoord.MetatileKey]*entry
	cfg       Config
	log       *zap.SugaredLogger
	metrics   *metrics
}

type metrics struct {
	requestedGauge prometheus.Gauge
	dirtyGauge     prometheus.Gauge
	renderingGauge prometheus.Gauge
	droppedTotal   prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		requestedGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "renderd_scheduler_requested_keys",
			Help: "Number of distinct metatile keys currently in the requested queue.",
		}),
		dirtyGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "renderd_scheduler_dirty_keys",
			Help: "Number of distinct metatile keys currently in the dirty queue.",
		}),
		renderingGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "renderd_scheduler_rendering_keys",
			Help: "Number of distinct metatile keys currently being rendered.",
		}),
		droppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "renderd_scheduler_dropped_total",
			Help: "Total number of requests dropped because both tiers were saturated.",
		}),
	}
	reg.MustRegister(m.requestedGauge, m.dirtyGauge, m.renderingGauge, m.droppedTotal)
	return m
}

// New builds a Scheduler. reg is the Prometheus registerer to publish
// queue-depth metrics to; pass a fresh prometheus.NewRegistry() in
// tests to avoid collisions with other Scheduler instances.
func New(cfg Config, log *zap.SugaredLogger, reg prometheus.Registerer) *Scheduler {
	s := &Scheduler{
		requested: make(map[tilecoord.MetatileKey]*entry),
		dirty:     make(map[tilecoord.MetatileKey]*entry),
		rendering: make(map[tilecoord.MetatileKey]*entry),
		cfg:       cfg,
		log:       log,
		metrics:   newMetrics(reg),
	}
	s.notEmpty = sync.NewCond(&s.mu)
	return s
}

// Add admits req under the scheduler lock, in the exact order
// specified by §4.4: coalesce with rendering, then requested, then
// dirty; otherwise accept-to-requested, demote-to-dirty, or drop.
// Add never blocks on I/O or on the renderer.
func (s *Scheduler) Add(req *Request) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := req.Packet.Key()

	if e, ok := s.rendering[key]; ok {
		e.requests = append(e.requests, req)
		return OutcomeRendering
	}
	if e, ok := s.requested[key]; ok {
		e.requests = append(e.requests, req)
		return OutcomeRequested
	}
	if e, ok := s.dirty[key]; ok {
		e.requests = append(e.requests, req)
		return OutcomeDirty
	}

	if req.Packet.Command == wire.Render && len(s.requested) < s.cfg.RequestLimit {
		s.requested[key] = &entry{requests: []*Request{req}}
		s.metrics.requestedGauge.Set(float64(len(s.requested)))
		s.notEmpty.Signal()
		return OutcomeRequested
	}
	if len(s.dirty) < s.cfg.DirtyLimit {
		s.dirty[key] = &entry{requests: []*Request{req}}
		s.metrics.dirtyGauge.Set(float64(len(s.dirty)))
		s.notEmpty.Signal()
		return OutcomeDirty
	}
	s.metrics.droppedTotal.Inc()
	return OutcomeDropped
}

// Fetch blocks until requested or dirty is non-empty, then removes and
// returns one metatile key, preferring requested over dirty. The
// removed entry moves to rendering under the same key.
func (s *Scheduler) Fetch() tilecoord.MetatileKey {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.requested) == 0 && len(s.dirty) == 0 {
		s.notEmpty.Wait()
	}

	var key tilecoord.MetatileKey
	var e *entry
	if len(s.requested) > 0 {
		key, e = popOne(s.requested)
		s.metrics.requestedGauge.Set(float64(len(s.requested)))
	} else {
		key, e = popOne(s.dirty)
		s.metrics.dirtyGauge.Set(float64(len(s.dirty)))
	}
	s.rendering[key] = e
	s.metrics.renderingGauge.Set(float64(len(s.rendering)))
	return key
}

// PopRequests removes and returns the requester list held in
// rendering for key. A missing key is an internal invariant violation:
// it is logged and an empty list is returned rather than panicking
// (§7 "never crash the daemon").
func (s *Scheduler) PopRequests(key tilecoord.MetatileKey) []*Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.rendering[key]
	if !ok {
		if s.log != nil {
			s.log.Errorw("scheduler: key missing from rendering queue on drain",
				"style", key.Style, "mx", key.MX, "my", key.MY, "z", key.Z)
		}
		return nil
	}
	delete(s.rendering, key)
	s.metrics.renderingGauge.Set(float64(len(s.rendering)))
	return e.requests
}

// popOne removes and returns an arbitrary entry from m. Go's map
// iteration order is already randomized per-process, which satisfies
// §4.4's "avoid strict FIFO... must not starve an entry indefinitely"
// tie-breaking requirement without extra bookkeeping.
func popOne(m map[tilecoord.MetatileKey]*entry) (tilecoord.MetatileKey, *entry) {
	for k, v := range m {
		delete(m, k)
		return k, v
	}
	panic(fmt.Sprintf("scheduler: popOne called on empty map"))
}
