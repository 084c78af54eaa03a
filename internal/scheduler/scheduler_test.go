package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/renderd/renderd/internal/tilecoord"
	"github.com/renderd/renderd/internal/wire"
)

type fakeResponder struct {
	mu        sync.Mutex
	responses []wire.Command
}

func (r *fakeResponder) Respond(status wire.Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses = append(r.responses, status)
	return nil
}

func newTestScheduler(t *testing.T, cfg Config) *Scheduler {
	t.Helper()
	log := zap.NewNop().Sugar()
	return New(cfg, log, prometheus.NewRegistry())
}

func renderRequest(z, x, y int32) *Request {
	return &Request{
		Packet:    wire.Packet{Command: wire.Render, Tile: tilecoord.Tile{Z: z, X: x, Y: y}, Style: "default"},
		Responder: &fakeResponder{},
	}
}

func TestAddAdmitsFirstRequestToRequested(t *testing.T) {
	s := newTestScheduler(t, DefaultConfig())
	outcome := s.Add(renderRequest(10, 0, 0))
	assert.Equal(t, OutcomeRequested, outcome)
}

func TestAddDeduplicatesAgainstRequested(t *testing.T) {
	s := newTestScheduler(t, DefaultConfig())
	first := renderRequest(10, 0, 0)
	second := renderRequest(10, 0, 0)
	third := renderRequest(10, 0, 0)

	assert.Equal(t, OutcomeRequested, s.Add(first))
	assert.Equal(t, OutcomeRequested, s.Add(second))
	assert.Equal(t, OutcomeRequested, s.Add(third))

	key := s.Fetch()
	requests := s.PopRequests(key)
	assert.Len(t, requests, 3)
}

func TestAddDeduplicatesAgainstRendering(t *testing.T) {
	s := newTestScheduler(t, DefaultConfig())
	s.Add(renderRequest(10, 0, 0))
	key := s.Fetch() // moves the key into rendering

	late := renderRequest(10, 0, 0)
	assert.Equal(t, OutcomeRendering, s.Add(late))

	requests := s.PopRequests(key)
	require.Len(t, requests, 2)
}

func TestAddDemotesToDirtyWhenRequestLimitExceeded(t *testing.T) {
	s := newTestScheduler(t, Config{RequestLimit: 1, DirtyLimit: 10})
	assert.Equal(t, OutcomeRequested, s.Add(renderRequest(10, 0, 0)))
	assert.Equal(t, OutcomeDirty, s.Add(renderRequest(10, 8, 0)))
}

func TestAddDropsWhenBothTiersSaturated(t *testing.T) {
	s := newTestScheduler(t, Config{RequestLimit: 1, DirtyLimit: 1})
	assert.Equal(t, OutcomeRequested, s.Add(renderRequest(10, 0, 0)))
	assert.Equal(t, OutcomeDirty, s.Add(renderRequest(10, 8, 0)))
	assert.Equal(t, OutcomeDropped, s.Add(renderRequest(10, 16, 0)))
}

func TestFetchPrefersRequestedOverDirty(t *testing.T) {
	s := newTestScheduler(t, Config{RequestLimit: 0, DirtyLimit: 10})
	dirtyReq := &Request{
		Packet:    wire.Packet{Command: wire.Dirty, Tile: tilecoord.Tile{Z: 10, X: 0, Y: 0}, Style: "default"},
		Responder: &fakeResponder{},
	}
	assert.Equal(t, OutcomeDirty, s.Add(dirtyReq))

	// With room in the requested tier, a Render lands in requested and a
	// Dirty in dirty; Fetch must hand out the requested key (MX 8) first.
	s2 := newTestScheduler(t, DefaultConfig())
	s2.Add(renderRequest(10, 8, 0))
	s2.Add(dirtyAt(10, 0, 0))

	key := s2.Fetch()
	assert.Equal(t, int32(8), key.MX)
}

func dirtyAt(z, x, y int32) *Request {
	return &Request{
		Packet:    wire.Packet{Command: wire.Dirty, Tile: tilecoord.Tile{Z: z, X: x, Y: y}, Style: "default"},
		Responder: &fakeResponder{},
	}
}

func TestFetchBlocksUntilAdd(t *testing.T) {
	s := newTestScheduler(t, DefaultConfig())
	done := make(chan tilecoord.MetatileKey, 1)
	go func() {
		done <- s.Fetch()
	}()

	select {
	case <-done:
		t.Fatal("Fetch returned before any request was added")
	case <-time.After(50 * time.Millisecond):
	}

	s.Add(renderRequest(10, 0, 0))

	select {
	case key := <-done:
		assert.Equal(t, int32(0), key.MX)
	case <-time.After(time.Second):
		t.Fatal("Fetch did not unblock after Add")
	}
}

func TestPopRequestsOnMissingKeyReturnsEmptyWithoutPanicking(t *testing.T) {
	s := newTestScheduler(t, DefaultConfig())
	requests := s.PopRequests(tilecoord.MetatileKey{Style: "default", Z: 10})
	assert.Empty(t, requests)
}
