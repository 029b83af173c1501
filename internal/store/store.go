// Package store provides the durable key/value surface that session and
// auth state are mirrored into. Values are opaque strings; callers encode.
package store

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/KaramelBytes/datadash-cli/internal/utils"
)

// Persisted keys.
const (
	KeyDataset    = "session.dataset"
	KeyMessages   = "session.messages"
	KeyActiveView = "session.activeView"
	KeyAuthToken  = "auth.token"
	KeyAuthEmail  = "auth.email"
)

// SessionKeys are the keys owned by the session state.
var SessionKeys = []string{KeyDataset, KeyMessages, KeyActiveView}

// Store is a durable string key/value store. Each key is written
// independently; there are no transactions across keys.
type Store interface {
	// Get returns the value and whether the key exists.
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Remove(key string) error
	// Clear removes every key.
	Clear() error
	Close() error
}

// Driver names accepted by Open.
const (
	DriverFile   = "file"
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store is closed")

// Open builds the store for driver rooted in dir.
func Open(driver, dir string) (Store, error) {
	switch driver {
	case DriverMemory:
		return NewMemory(), nil
	case "", DriverFile:
		if err := utils.EnsureDir(dir); err != nil {
			return nil, fmt.Errorf("ensure state dir: %w", err)
		}
		return OpenFile(filepath.Join(dir, "session.json"))
	case DriverSQLite:
		if err := utils.EnsureDir(dir); err != nil {
			return nil, fmt.Errorf("ensure state dir: %w", err)
		}
		return OpenSQLite(filepath.Join(dir, "session.sqlite"))
	default:
		return nil, fmt.Errorf("unknown store driver %q (use file|sqlite|memory)", driver)
	}
}
