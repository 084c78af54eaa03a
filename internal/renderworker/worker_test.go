package renderworker

import (
	"os"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/renderd/renderd/internal/mapengine"
	"github.com/renderd/renderd/internal/metatile"
	"github.com/renderd/renderd/internal/projection"
	"github.com/renderd/renderd/internal/scheduler"
	"github.com/renderd/renderd/internal/tilecoord"
	"github.com/renderd/renderd/internal/wire"
)

type fakeResponder struct {
	mu       sync.Mutex
	statuses []wire.Command
}

func (r *fakeResponder) Respond(status wire.Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
	return nil
}

func (r *fakeResponder) last() wire.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.statuses) == 0 {
		return wire.Ignore
	}
	return r.statuses[len(r.statuses)-1]
}

func newTestPool(t *testing.T, engine *mapengine.FakeEngine, styles map[string]mapengine.Style) (*Pool, *scheduler.Scheduler, string) {
	t.Helper()
	log := zap.NewNop().Sugar()
	sched := scheduler.New(scheduler.DefaultConfig(), log, prometheus.NewRegistry())
	pool := New(Pool{
		Workers:   []WorkerEngine{{Registry: mapengine.NewRegistry(styles), Engine: engine}},
		Scheduler: sched,
		Tables:    projection.NewTables(),
		TileDir:   t.TempDir(),
		Log:       log,
	}, prometheus.NewRegistry())
	return pool, sched, pool.TileDir
}

func TestRenderOneWritesMetatileAndRespondsDone(t *testing.T) {
	engine := mapengine.NewFakeEngine()
	pool, sched, tileDir := newTestPool(t, engine, map[string]mapengine.Style{
		"default": {Name: "default", Projector: mapengine.FakeProjector{}},
	})

	responder := &fakeResponder{}
	req := &scheduler.Request{
		Packet:    wire.Packet{Command: wire.Render, Tile: tilecoord.Tile{Z: 10, X: 0, Y: 0}, Style: "default"},
		Responder: responder,
	}
	key := req.Packet.Key()
	require.Equal(t, scheduler.OutcomeRequested, sched.Add(req))
	fetched := sched.Fetch()
	require.Equal(t, key, fetched)

	log := zap.NewNop().Sugar()
	pool.renderOne(log, 0, fetched)

	assert.Equal(t, wire.Done, responder.last())
	require.Len(t, engine.Requests, 1)
	assert.Equal(t, "default", engine.Requests[0].Style)
	assert.Equal(t, 256*int(key.Size()), engine.Requests[0].Width)

	_, err := os.Stat(metatile.Path(tileDir, key))
	assert.NoError(t, err)
}

func TestRenderOneUnknownStyleRespondsNotDoneAndDropsDirty(t *testing.T) {
	engine := mapengine.NewFakeEngine()
	pool, sched, _ := newTestPool(t, engine, map[string]mapengine.Style{})

	renderResponder := &fakeResponder{}
	dirtyResponder := &fakeResponder{}
	renderReq := &scheduler.Request{
		Packet:    wire.Packet{Command: wire.Render, Tile: tilecoord.Tile{Z: 10, X: 0, Y: 0}, Style: "missing"},
		Responder: renderResponder,
	}
	dirtyReq := &scheduler.Request{
		Packet:    wire.Packet{Command: wire.Dirty, Tile: tilecoord.Tile{Z: 10, X: 0, Y: 0}, Style: "missing"},
		Responder: dirtyResponder,
	}
	sched.Add(renderReq)
	sched.Add(dirtyReq)
	key := sched.Fetch()

	log := zap.NewNop().Sugar()
	pool.renderOne(log, 0, key)

	assert.Equal(t, wire.NotDone, renderResponder.last())
	assert.Empty(t, dirtyResponder.statuses)
	assert.Empty(t, engine.Requests)
}

func TestRenderOneEngineFailureRespondsNotDone(t *testing.T) {
	engine := mapengine.NewFakeEngine()
	engine.FailFor = map[string]bool{"default": true}
	pool, sched, _ := newTestPool(t, engine, map[string]mapengine.Style{
		"default": {Name: "default", Projector: mapengine.FakeProjector{}},
	})

	responder := &fakeResponder{}
	req := &scheduler.Request{
		Packet:    wire.Packet{Command: wire.Render, Tile: tilecoord.Tile{Z: 5, X: 0, Y: 0}, Style: "default"},
		Responder: responder,
	}
	sched.Add(req)
	key := sched.Fetch()

	log := zap.NewNop().Sugar()
	pool.renderOne(log, 0, key)

	assert.Equal(t, wire.NotDone, responder.last())
}

func TestRenderOneLowZoomProducesPartialGrid(t *testing.T) {
	engine := mapengine.NewFakeEngine()
	pool, sched, tileDir := newTestPool(t, engine, map[string]mapengine.Style{
		"default": {Name: "default", Projector: mapengine.FakeProjector{}},
	})

	req := &scheduler.Request{
		Packet:    wire.Packet{Command: wire.Render, Tile: tilecoord.Tile{Z: 1, X: 0, Y: 0}, Style: "default"},
		Responder: &fakeResponder{},
	}
	sched.Add(req)
	key := sched.Fetch()
	require.Equal(t, int32(2), key.Size())

	log := zap.NewNop().Sugar()
	pool.renderOne(log, 0, key)

	require.Len(t, engine.Requests, 1)
	assert.Equal(t, 512, engine.Requests[0].Width) // 2x2 grid of 256px tiles

	data, err := os.ReadFile(metatile.Path(tileDir, key))
	require.NoError(t, err)
	hdr, index, err := metatile.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, int32(1), hdr.Z)
	// Only the top-left 2x2 block of the 8x8 slot table is populated.
	populated := 0
	for _, e := range index {
		if e.Size > 0 {
			populated++
		}
	}
	assert.Equal(t, 4, populated)
}

// TestWorkersDoNotShareEngineOrRegistryState renders through two
// distinct workers in the same Pool and checks that each worker's
// FakeEngine only ever sees the requests routed to it, proving no
// worker mutates another's engine/registry state (§5, §9).
func TestWorkersDoNotShareEngineOrRegistryState(t *testing.T) {
	styles := map[string]mapengine.Style{
		"default": {Name: "default", Projector: mapengine.FakeProjector{}},
	}
	engine0 := mapengine.NewFakeEngine()
	engine1 := mapengine.NewFakeEngine()

	log := zap.NewNop().Sugar()
	sched := scheduler.New(scheduler.DefaultConfig(), log, prometheus.NewRegistry())
	pool := New(Pool{
		Workers: []WorkerEngine{
			{Registry: mapengine.NewRegistry(styles), Engine: engine0},
			{Registry: mapengine.NewRegistry(styles), Engine: engine1},
		},
		Scheduler: sched,
		Tables:    projection.NewTables(),
		TileDir:   t.TempDir(),
		Log:       log,
	}, prometheus.NewRegistry())

	req0 := &scheduler.Request{
		Packet:    wire.Packet{Command: wire.Render, Tile: tilecoord.Tile{Z: 10, X: 0, Y: 0}, Style: "default"},
		Responder: &fakeResponder{},
	}
	req1 := &scheduler.Request{
		Packet:    wire.Packet{Command: wire.Render, Tile: tilecoord.Tile{Z: 10, X: tilecoord.Metatile, Y: 0}, Style: "default"},
		Responder: &fakeResponder{},
	}
	sched.Add(req0)
	sched.Add(req1)
	key0 := sched.Fetch()
	key1 := sched.Fetch()

	pool.renderOne(log, 0, key0)
	pool.renderOne(log, 1, key1)

	assert.Len(t, engine0.Requests, 1)
	assert.Len(t, engine1.Requests, 1)
}
