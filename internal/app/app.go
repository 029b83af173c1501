// Package app builds the client once per process and wires its parts
// together.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/KaramelBytes/datadash-cli/internal/api"
	"github.com/KaramelBytes/datadash-cli/internal/auth"
	"github.com/KaramelBytes/datadash-cli/internal/model"
	"github.com/KaramelBytes/datadash-cli/internal/query"
	"github.com/KaramelBytes/datadash-cli/internal/session"
	"github.com/KaramelBytes/datadash-cli/internal/stats"
	"github.com/KaramelBytes/datadash-cli/internal/store"
	"go.uber.org/zap"
)

// Options configures New.
type Options struct {
	BaseURL     string
	HTTPTimeout time.Duration
	StoreDriver string
	StateDir    string
	Logger      *zap.Logger
	// Store overrides StoreDriver and StateDir when set.
	Store store.Store
}

// App holds the wired components for one process.
type App struct {
	Store   store.Store
	API     *api.Client
	Auth    *auth.Session
	Session *session.State
	Stats   *stats.Fetcher
	Query   *query.Orchestrator
	Gate    *HydrationGate

	log   *zap.Logger
	unsub func()
}

// New constructs every component and wires them. Call Boot before reading
// session content and Close when done.
func New(opts Options) (*App, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	st := opts.Store
	if st == nil {
		var err error
		st, err = store.Open(opts.StoreDriver, opts.StateDir)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		if f, ok := st.(*store.File); ok {
			if aside, cerr := f.Corrupt(); aside != "" {
				log.Warn("session store was unreadable, starting empty",
					zap.String("moved_to", aside), zap.Error(cerr))
			}
		}
	}

	client := api.NewClient(opts.BaseURL, opts.HTTPTimeout)
	a := &App{
		Store: st,
		API:   client,
		log:   log,
	}
	a.Auth = auth.NewSession(st, client, log)
	a.Session = session.New(st, a.Auth, log)
	a.Stats = stats.NewFetcher(client, a.Auth, log)
	a.Query = query.NewOrchestrator(client, a.Session, a.Auth, log)
	a.Gate = NewHydrationGate(a.Auth, a.Session)

	a.unsub = a.Session.Subscribe(a.Stats.OnDatasetChange)
	a.Auth.OnLogout(func() {
		if err := a.Session.Reset(); err != nil {
			a.log.Warn("reset session after logout", zap.Error(err))
		}
	})
	return a, nil
}

// Boot restores the credential and hydrates the session.
func (a *App) Boot() error {
	return a.Gate.Boot()
}

// Upload sends path to the backend and makes the result the active dataset.
func (a *App) Upload(ctx context.Context, path string) (*model.Dataset, error) {
	token := a.Auth.Token()
	if token == "" {
		return nil, auth.ErrNotAuthenticated
	}
	d, err := a.API.Upload(ctx, token, path)
	if err != nil {
		return nil, a.checkAuth(err)
	}
	if err := a.Session.ReplaceDataset(d); err != nil {
		return nil, err
	}
	return d, nil
}

// RefreshDataset re-reads the active dataset's descriptor and statistics
// without clearing the conversation.
func (a *App) RefreshDataset(ctx context.Context) (*model.Dataset, error) {
	current, err := a.Session.Dataset()
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, session.ErrNoDataset
	}
	d, err := a.API.Dataset(ctx, a.Auth.Token(), current.ID)
	if err != nil {
		return nil, a.checkAuth(err)
	}
	if err := a.Session.RefreshDataset(d); err != nil {
		return nil, err
	}
	a.Stats.Refresh()
	return a.Session.Dataset()
}

// checkAuth signs out when the backend rejected the stored credential.
func (a *App) checkAuth(err error) error {
	var authErr *api.AuthError
	if errors.As(err, &authErr) && a.Auth.Authenticated() {
		a.log.Warn("credential rejected, signing out", zap.Error(err))
		if lerr := a.Auth.Logout(); lerr != nil {
			return errors.Join(err, lerr)
		}
	}
	return err
}

// Logout signs out and wipes the session.
func (a *App) Logout() error {
	return a.Auth.Logout()
}

// Close stops background fetches and closes the store.
func (a *App) Close() error {
	if a.unsub != nil {
		a.unsub()
	}
	a.Stats.Close()
	return a.Store.Close()
}
