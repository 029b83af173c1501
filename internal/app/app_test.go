package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/KaramelBytes/datadash-cli/internal/api"
	"github.com/KaramelBytes/datadash-cli/internal/api/apitest"
	"github.com/KaramelBytes/datadash-cli/internal/model"
	"github.com/KaramelBytes/datadash-cli/internal/session"
	"github.com/KaramelBytes/datadash-cli/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const salesCSV = `Product,Region,Revenue
Widget,EU,120.5
Gadget,US,80
Widget,US,99.5
`

func writeCSV(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sales.csv")
	require.NoError(t, os.WriteFile(path, []byte(salesCSV), 0o600))
	return path
}

func open(t *testing.T, backend *apitest.Backend, driver, dir string) *App {
	t.Helper()
	a, err := New(Options{
		BaseURL:     backend.BaseURL(),
		HTTPTimeout: 5 * time.Second,
		StoreDriver: driver,
		StateDir:    dir,
		Logger:      zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	require.NoError(t, a.Boot())
	return a
}

func waitStats(t *testing.T, a *App) *model.Stats {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Stats.Wait(ctx))
	st, ok := a.Stats.Current()
	require.True(t, ok, "statistics should be resolved")
	return st
}

func TestSessionSurvivesRestart(t *testing.T) {
	for _, driver := range []string{store.DriverFile, store.DriverSQLite} {
		t.Run(driver, func(t *testing.T) {
			backend := apitest.NewBackend()
			defer backend.Close()
			backend.AddUser("ana@example.com", "secret1")
			dir := t.TempDir()
			ctx := context.Background()

			a := open(t, backend, driver, dir)
			require.NoError(t, a.Auth.Login(ctx, "ana@example.com", "secret1"))
			d, err := a.Upload(ctx, writeCSV(t))
			require.NoError(t, err)
			assert.Equal(t, "sales.csv", d.Filename)
			assert.Equal(t, model.Numeric, d.TypeOf("Revenue"))

			st := waitStats(t, a)
			require.NotNil(t, st.Stats["Revenue"].Sum)
			assert.InDelta(t, 300.0, *st.Stats["Revenue"].Sum, 1e-9)

			_, err = a.Query.Submit(ctx, "Which region performed best?")
			require.NoError(t, err)
			require.NoError(t, a.Session.SetActiveView(model.ViewAsk))
			require.NoError(t, a.Close())

			b := open(t, backend, driver, dir)
			defer b.Close()
			assert.True(t, b.Auth.Authenticated())
			snap, err := b.Session.Snapshot()
			require.NoError(t, err)
			require.NotNil(t, snap.Dataset)
			assert.Equal(t, d.ID, snap.Dataset.ID)
			assert.Len(t, snap.Messages, 2)
			assert.Equal(t, model.ViewAsk, snap.View)

			// hydration alone triggers the statistics fetch
			waitStats(t, b)
		})
	}
}

func TestLogoutWipesSession(t *testing.T) {
	backend := apitest.NewBackend()
	defer backend.Close()
	backend.AddUser("ana@example.com", "secret1")
	dir := t.TempDir()
	ctx := context.Background()

	a := open(t, backend, store.DriverFile, dir)
	require.NoError(t, a.Auth.Login(ctx, "ana@example.com", "secret1"))
	_, err := a.Upload(ctx, writeCSV(t))
	require.NoError(t, err)
	waitStats(t, a)

	require.NoError(t, a.Logout())
	_, err = a.Session.Snapshot()
	assert.ErrorIs(t, err, session.ErrSignedOut)
	_, ok := a.Stats.Current()
	assert.False(t, ok)
	require.NoError(t, a.Close())

	b := open(t, backend, store.DriverFile, dir)
	defer b.Close()
	assert.False(t, b.Auth.Authenticated())
	require.NoError(t, b.Auth.Login(ctx, "ana@example.com", "secret1"))
	snap, err := b.Session.Snapshot()
	require.NoError(t, err)
	assert.Nil(t, snap.Dataset, "a new sign-in must not see the previous session")
	assert.Empty(t, snap.Messages)
}

func TestRejectedCredentialSignsOut(t *testing.T) {
	backend := apitest.NewBackend()
	defer backend.Close()
	backend.AddUser("ana@example.com", "secret1")
	ctx := context.Background()

	a := open(t, backend, store.DriverMemory, "")
	defer a.Close()
	require.NoError(t, a.Auth.Login(ctx, "ana@example.com", "secret1"))
	backend.RevokeTokens()

	_, err := a.Upload(ctx, writeCSV(t))
	var authErr *api.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.False(t, a.Auth.Authenticated())
}

func TestRefreshKeepsConversation(t *testing.T) {
	backend := apitest.NewBackend()
	defer backend.Close()
	backend.AddUser("ana@example.com", "secret1")
	ctx := context.Background()

	a := open(t, backend, store.DriverMemory, "")
	defer a.Close()
	require.NoError(t, a.Auth.Login(ctx, "ana@example.com", "secret1"))
	uploaded, err := a.Upload(ctx, writeCSV(t))
	require.NoError(t, err)
	_, err = a.Query.Submit(ctx, "What is the total revenue across all transactions?")
	require.NoError(t, err)

	_, err = a.RefreshDataset(ctx)
	require.NoError(t, err)
	// the dataset route has no filename; the uploaded one is kept
	d, err := a.Session.Dataset()
	require.NoError(t, err)
	assert.Equal(t, uploaded.Filename, d.Filename)
	assert.NotEmpty(t, d.Filename)
	raw, ok, err := a.Store.Get(store.KeyDataset)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, raw, uploaded.Filename)
	msgs, err := a.Session.Messages()
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
	waitStats(t, a)
}

func TestGateWaitsForBoot(t *testing.T) {
	backend := apitest.NewBackend()
	defer backend.Close()
	a, err := New(Options{BaseURL: backend.BaseURL(), Store: store.NewMemory()})
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, a.Gate.Wait(ctx), context.DeadlineExceeded)
	_, err = a.Session.Snapshot()
	assert.ErrorIs(t, err, session.ErrNotHydrated)

	require.NoError(t, a.Boot())
	require.NoError(t, a.Boot())
	select {
	case <-a.Gate.Ready():
	default:
		t.Fatal("gate should be ready after boot")
	}
	require.NoError(t, a.Gate.Wait(context.Background()))
}

func TestCorruptStoreBootsToDefaults(t *testing.T) {
	backend := apitest.NewBackend()
	defer backend.Close()
	backend.AddUser("ana@example.com", "secret1")
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "session.json"), []byte(`{"auth.token":"t","session.dataset":`), 0o600))

	core, logs := observer.New(zap.WarnLevel)
	a, err := New(Options{
		BaseURL:     backend.BaseURL(),
		HTTPTimeout: 5 * time.Second,
		StoreDriver: store.DriverFile,
		StateDir:    dir,
		Logger:      zap.New(core),
	})
	require.NoError(t, err)
	defer a.Close()
	require.NoError(t, a.Boot())
	assert.Equal(t, 1, logs.FilterMessage("session store was unreadable, starting empty").Len())
	assert.FileExists(t, filepath.Join(dir, "session.json.corrupt"))

	assert.False(t, a.Auth.Authenticated())
	require.NoError(t, a.Auth.Login(context.Background(), "ana@example.com", "secret1"))
	snap, err := a.Session.Snapshot()
	require.NoError(t, err)
	assert.Nil(t, snap.Dataset)
	assert.Empty(t, snap.Messages)
	assert.Equal(t, model.DefaultView, snap.View)
	require.NoError(t, a.Logout())
}
