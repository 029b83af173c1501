package stats

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/KaramelBytes/datadash-cli/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type staticToken string

func (s staticToken) Token() string { return string(s) }

type call struct {
	id    string
	token string
}

// gatedClient answers each dataset only once its release channel is closed.
// Responses ignore cancellation so the staleness check is what drops them.
type gatedClient struct {
	mu      sync.Mutex
	calls   []call
	release map[string]chan struct{}
	fail    map[string]error
}

func newGatedClient(ids ...string) *gatedClient {
	c := &gatedClient{release: map[string]chan struct{}{}, fail: map[string]error{}}
	for _, id := range ids {
		c.release[id] = make(chan struct{})
	}
	return c
}

func (c *gatedClient) Stats(ctx context.Context, token, id string) (*model.Stats, error) {
	c.mu.Lock()
	c.calls = append(c.calls, call{id: id, token: token})
	ch := c.release[id]
	err := c.fail[id]
	c.mu.Unlock()
	if ch != nil {
		<-ch
	}
	if err != nil {
		return nil, err
	}
	return statsFor(id), nil
}

func (c *gatedClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func statsFor(id string) *model.Stats {
	total := 100.0
	return &model.Stats{
		Stats: map[string]model.ColumnStats{
			"Revenue": {Type: string(model.Numeric), Sum: &total},
		},
		Charts: map[string][]map[string]any{
			"by_dataset": {{"dataset": id}},
		},
	}
}

func chartOwner(st *model.Stats) string {
	return st.Charts["by_dataset"][0]["dataset"].(string)
}

func TestFetchOnIdentityChange(t *testing.T) {
	client := newGatedClient()
	f := NewFetcher(client, staticToken("tok"), nil)
	defer f.Close()

	f.OnDatasetChange("d1")
	require.NoError(t, f.Wait(context.Background()))

	st, ok := f.Current()
	require.True(t, ok)
	assert.Equal(t, "d1", chartOwner(st))
	assert.False(t, f.Loading())
	assert.Equal(t, []call{{id: "d1", token: "tok"}}, client.calls)
}

func TestStaleResponseIsDiscarded(t *testing.T) {
	client := newGatedClient("d1", "d2")
	f := NewFetcher(client, staticToken("tok"), nil)
	defer f.Close()

	f.OnDatasetChange("d1")
	f.OnDatasetChange("d2")
	require.Eventually(t, func() bool { return client.callCount() == 2 }, time.Second, 5*time.Millisecond)

	// d2 resolves first, then the old d1 response arrives late.
	close(client.release["d2"])
	require.NoError(t, f.Wait(context.Background()))
	close(client.release["d1"])

	f.Close()
	st, ok := f.Current()
	require.True(t, ok)
	assert.Equal(t, "d2", chartOwner(st))
	_, ok = f.Get("d1")
	assert.False(t, ok, "stale statistics must never be cached")
}

func TestStaleResponseArrivingFirstIsDiscarded(t *testing.T) {
	client := newGatedClient("d1", "d2")
	f := NewFetcher(client, staticToken("tok"), nil)
	defer f.Close()

	f.OnDatasetChange("d1")
	f.OnDatasetChange("d2")
	require.Eventually(t, func() bool { return client.callCount() == 2 }, time.Second, 5*time.Millisecond)

	close(client.release["d1"])
	assert.True(t, f.Loading())
	_, ok := f.Current()
	assert.False(t, ok)

	close(client.release["d2"])
	require.NoError(t, f.Wait(context.Background()))
	st, ok := f.Current()
	require.True(t, ok)
	assert.Equal(t, "d2", chartOwner(st))
}

func TestClearedIdentityDropsCache(t *testing.T) {
	client := newGatedClient()
	f := NewFetcher(client, staticToken("tok"), nil)
	defer f.Close()

	f.OnDatasetChange("d1")
	require.NoError(t, f.Wait(context.Background()))
	f.OnDatasetChange("")

	_, ok := f.Current()
	assert.False(t, ok)
	_, ok = f.Get("d1")
	assert.False(t, ok)
	assert.False(t, f.Loading())
}

func TestNoFetchWithoutCredential(t *testing.T) {
	client := newGatedClient()
	f := NewFetcher(client, staticToken(""), nil)
	defer f.Close()

	f.OnDatasetChange("d1")
	assert.False(t, f.Loading())
	assert.Zero(t, client.callCount())
}

func TestFailureIsLoggedWithoutRetry(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	client := newGatedClient()
	client.fail["d1"] = errors.New("boom")
	f := NewFetcher(client, staticToken("tok"), zap.New(core))
	defer f.Close()

	f.OnDatasetChange("d1")
	require.NoError(t, f.Wait(context.Background()))

	_, ok := f.Current()
	assert.False(t, ok)
	assert.Equal(t, 1, client.callCount())
	entries := logs.FilterMessage("stats fetch failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "d1", entries[0].ContextMap()["dataset_id"])
}

func TestRefreshRefetchesCurrent(t *testing.T) {
	client := newGatedClient()
	f := NewFetcher(client, staticToken("tok"), nil)
	defer f.Close()

	f.OnDatasetChange("d1")
	require.NoError(t, f.Wait(context.Background()))
	f.Refresh()
	require.NoError(t, f.Wait(context.Background()))

	assert.Equal(t, 2, client.callCount())
	_, ok := f.Current()
	assert.True(t, ok)
}

func TestWaitHonoursContext(t *testing.T) {
	client := newGatedClient("d1")
	f := NewFetcher(client, staticToken("tok"), nil)

	f.OnDatasetChange("d1")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.Wait(ctx), context.DeadlineExceeded)

	close(client.release["d1"])
	f.Close()
}
