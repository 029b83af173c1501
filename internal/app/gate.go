package app

import (
	"context"
	"sync"

	"github.com/KaramelBytes/datadash-cli/internal/auth"
	"github.com/KaramelBytes/datadash-cli/internal/session"
)

// HydrationGate restores the credential and hydrates the session exactly
// once. Nothing reads session content before Ready is closed.
type HydrationGate struct {
	auth  *auth.Session
	state *session.State

	once  sync.Once
	ready chan struct{}
	err   error
}

// NewHydrationGate returns a gate that has not booted yet.
func NewHydrationGate(a *auth.Session, s *session.State) *HydrationGate {
	return &HydrationGate{auth: a, state: s, ready: make(chan struct{})}
}

// Boot runs the restore and hydration. Later calls return the first
// result. A failed restore leaves the user signed out; hydration still
// runs.
func (g *HydrationGate) Boot() error {
	g.once.Do(func() {
		defer close(g.ready)
		g.err = g.auth.Restore()
		g.state.Hydrate()
	})
	return g.err
}

// Ready is closed once Boot has finished.
func (g *HydrationGate) Ready() <-chan struct{} {
	return g.ready
}

// Wait blocks until Boot has finished or ctx is done.
func (g *HydrationGate) Wait(ctx context.Context) error {
	select {
	case <-g.ready:
		return g.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
