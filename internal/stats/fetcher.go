// Package stats keeps the statistics of the active dataset in sync with
// its identity. It is driven by session identity changes and never
// persists what it fetches.
package stats

import (
	"context"
	"sync"

	"github.com/KaramelBytes/datadash-cli/internal/model"
	"go.uber.org/zap"
)

// Client fetches statistics for a dataset.
type Client interface {
	Stats(ctx context.Context, token, datasetID string) (*model.Stats, error)
}

// TokenSource supplies the bearer token attached to each fetch.
type TokenSource interface {
	Token() string
}

// Fetcher issues one fetch per identity change. Only the response for the
// identity that is current when it arrives is kept; anything older is
// dropped.
type Fetcher struct {
	client Client
	tokens TokenSource
	log    *zap.Logger

	base       context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu      sync.Mutex
	current string
	seq     uint64
	cancel  context.CancelFunc
	done    chan struct{}
	cache   map[string]*model.Stats
	closed  bool
}

// NewFetcher returns an idle Fetcher. Close it to stop in-flight fetches.
func NewFetcher(client Client, tokens TokenSource, log *zap.Logger) *Fetcher {
	if log == nil {
		log = zap.NewNop()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Fetcher{
		client:     client,
		tokens:     tokens,
		log:        log.Named("stats"),
		base:       base,
		baseCancel: cancel,
		cache:      make(map[string]*model.Stats),
	}
}

// OnDatasetChange is the session subscription callback. It never blocks
// on the network.
func (f *Fetcher) OnDatasetChange(datasetID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startLocked(datasetID)
}

// Refresh re-fetches the current identity.
func (f *Fetcher) Refresh() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startLocked(f.current)
}

func (f *Fetcher) startLocked(datasetID string) {
	if f.closed {
		return
	}
	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}
	f.seq++
	f.current = datasetID
	f.done = nil
	f.cache = make(map[string]*model.Stats)
	if datasetID == "" {
		return
	}
	token := ""
	if f.tokens != nil {
		token = f.tokens.Token()
	}
	if token == "" {
		f.log.Debug("skipping stats fetch without credential", zap.String("dataset_id", datasetID))
		return
	}

	ctx, cancel := context.WithCancel(f.base)
	done := make(chan struct{})
	f.cancel = cancel
	f.done = done
	f.wg.Add(1)
	go f.run(ctx, f.seq, datasetID, token, done)
}

func (f *Fetcher) run(ctx context.Context, seq uint64, datasetID, token string, done chan struct{}) {
	defer f.wg.Done()
	defer close(done)

	f.log.Debug("fetching stats", zap.String("dataset_id", datasetID))
	st, err := f.client.Stats(ctx, token, datasetID)

	f.mu.Lock()
	defer f.mu.Unlock()
	if seq != f.seq {
		f.log.Debug("discarding stale stats response", zap.String("dataset_id", datasetID))
		return
	}
	f.cancel()
	f.cancel = nil
	f.done = nil
	if err != nil {
		f.log.Warn("stats fetch failed", zap.String("dataset_id", datasetID), zap.Error(err))
		return
	}
	f.cache[datasetID] = st
}

// Loading reports whether the fetch for the current identity is in flight.
func (f *Fetcher) Loading() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done != nil
}

// Get returns the cached statistics for datasetID.
func (f *Fetcher) Get(datasetID string) (*model.Stats, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.cache[datasetID]
	return st, ok
}

// Current returns the statistics of the current identity, if resolved.
func (f *Fetcher) Current() (*model.Stats, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.cache[f.current]
	return st, ok
}

// Wait blocks until no fetch for the current identity is in flight.
func (f *Fetcher) Wait(ctx context.Context) error {
	for {
		f.mu.Lock()
		done := f.done
		f.mu.Unlock()
		if done == nil {
			return nil
		}
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close cancels outstanding fetches and waits for their goroutines.
func (f *Fetcher) Close() {
	f.mu.Lock()
	f.closed = true
	f.done = nil
	f.mu.Unlock()
	f.baseCancel()
	f.wg.Wait()
}
