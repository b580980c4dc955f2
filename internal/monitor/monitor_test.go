package monitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/fusionrelay/internal/domain"
)

type allowAll struct{}

func (allowAll) Match(domain.ChainEvent) bool { return true }

type onlyHashlock domain.Hashlock

func (o onlyHashlock) Match(ev domain.ChainEvent) bool { return ev.Hashlock == domain.Hashlock(o) }

// flakySource fails its first subscription, then replays one batch per
// subscription before ending the stream.
type flakySource struct {
	mu      sync.Mutex
	calls   int
	batches [][]domain.ChainEvent
}

func (f *flakySource) Subscribe(ctx context.Context, _ domain.EventFilter) (<-chan domain.ChainEvent, <-chan error, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls == 1 {
		return nil, nil, errors.New("connection refused")
	}
	events := make(chan domain.ChainEvent, 16)
	errs := make(chan error, 1)
	if len(f.batches) > 0 {
		for _, ev := range f.batches[0] {
			events <- ev
		}
		f.batches = f.batches[1:]
		close(events)
		close(errs)
		return events, errs, nil
	}
	go func() {
		<-ctx.Done()
		close(events)
		close(errs)
	}()
	return events, errs, nil
}

func newTestMonitor(src domain.EventSource, filter domain.EventFilter) *Monitor {
	return New(Config{
		DedupTTL:        time.Hour,
		DedupMaxEntries: 100,
		ResubscribeBase: time.Millisecond,
		ResubscribeMax:  5 * time.Millisecond,
		ChannelSize:     8,
	}, map[string]domain.EventSource{"eos": src}, filter, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestMonitor_ResubscribesAndDeduplicates(t *testing.T) {
	h := domain.Hashlock{1}
	lock := domain.ChainEvent{EventID: "e1", LegID: "l1", Hashlock: h, Kind: domain.EventLockConfirmed}
	reveal := domain.ChainEvent{EventID: "e2", LegID: "l1", Hashlock: h, Kind: domain.EventSecretRevealed}
	src := &flakySource{batches: [][]domain.ChainEvent{{lock, lock}, {lock, reveal}}}
	m := newTestMonitor(src, allowAll{})

	var mu sync.Mutex
	var got []domain.ChainEvent
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- m.Run(ctx, func(ev domain.ChainEvent) {
			mu.Lock()
			got = append(got, ev)
			mu.Unlock()
		})
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Equal(t, "e1", got[0].EventID)
	assert.Equal(t, "eos", got[0].Chain)
	assert.Equal(t, "e2", got[1].EventID)
}

func TestMonitor_FilterDropsForeignHashlocks(t *testing.T) {
	mine := domain.Hashlock{1}
	src := &flakySource{batches: [][]domain.ChainEvent{{
		{EventID: "x", Hashlock: domain.Hashlock{9}, Kind: domain.EventLockConfirmed},
		{EventID: "y", Hashlock: mine, Kind: domain.EventLockConfirmed},
	}}}
	m := newTestMonitor(src, onlyHashlock(mine))

	got := make(chan domain.ChainEvent, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx, func(ev domain.ChainEvent) { got <- ev }) }()

	select {
	case ev := <-got:
		assert.Equal(t, "y", ev.EventID)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestSeenCache_TTLAndBound(t *testing.T) {
	c := NewSeenCache(time.Minute, 2)
	now := time.Unix(1_800_000_000, 0)
	c.now = func() time.Time { return now }

	assert.False(t, c.Seen("a"))
	assert.True(t, c.Seen("a"))
	assert.False(t, c.Seen("b"))
	assert.False(t, c.Seen("c")) // evicts a
	assert.Equal(t, 2, c.Len())
	assert.False(t, c.Seen("a"))

	now = now.Add(2 * time.Minute)
	assert.False(t, c.Seen("b"))
	assert.Equal(t, 1, c.Len())
}
