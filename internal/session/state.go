// Package session holds the active dataset, its conversation and the
// selected view. Every mutation is written to the store before the
// in-memory copy changes, and the state is rebuilt from the store by
// Hydrate at boot.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/KaramelBytes/datadash-cli/internal/model"
	"github.com/KaramelBytes/datadash-cli/internal/store"
	"go.uber.org/zap"
)

var (
	ErrNotHydrated          = errors.New("session state is not hydrated yet")
	ErrSignedOut            = errors.New("sign in to access session data")
	ErrNoDataset            = errors.New("no dataset loaded")
	ErrConversationReplaced = errors.New("conversation was replaced by a new dataset")
	ErrDatasetMismatch      = errors.New("descriptor does not match the active dataset")
)

// Gate reports whether session content may be exposed.
type Gate interface {
	Authenticated() bool
}

// Snapshot is a copy of the state at one point in time.
type Snapshot struct {
	Dataset  *model.Dataset
	Messages []model.Message
	View     model.View
}

// State is safe for concurrent use.
type State struct {
	mu sync.Mutex
	// notifyMu keeps subscriber calls in mutation order.
	notifyMu sync.Mutex

	store store.Store
	gate  Gate
	log   *zap.Logger

	hydrated bool
	dataset  *model.Dataset
	messages []model.Message
	view     model.View
	// epoch changes whenever the conversation is discarded.
	epoch uint64

	subs    map[int]func(datasetID string)
	nextSub int
}

// New returns an unhydrated State. A nil gate exposes content
// unconditionally.
func New(st store.Store, gate Gate, log *zap.Logger) *State {
	if log == nil {
		log = zap.NewNop()
	}
	return &State{
		store: st,
		gate:  gate,
		log:   log.Named("session"),
		view:  model.DefaultView,
		subs:  make(map[int]func(string)),
	}
}

// Subscribe registers fn to be called with the new dataset identity ("" for
// none) after every mutation that changes it, in mutation order. fn must
// not mutate the State.
func (s *State) Subscribe(fn func(datasetID string)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *State) identityLocked() string {
	if s.dataset == nil {
		return ""
	}
	return s.dataset.ID
}

// unlockAndNotify releases mu and, if the identity moved away from prev,
// tells subscribers. Taking notifyMu before releasing mu orders deliveries
// the same way as the mutations that caused them.
func (s *State) unlockAndNotify(prev string) {
	id := s.identityLocked()
	var subs []func(string)
	if id != prev {
		subs = make([]func(string), 0, len(s.subs))
		for i := 0; i < s.nextSub; i++ {
			if fn, ok := s.subs[i]; ok {
				subs = append(subs, fn)
			}
		}
	}
	s.notifyMu.Lock()
	s.mu.Unlock()
	defer s.notifyMu.Unlock()
	for _, fn := range subs {
		fn(id)
	}
}

func (s *State) readableLocked() error {
	if !s.hydrated {
		return ErrNotHydrated
	}
	if s.gate != nil && !s.gate.Authenticated() {
		return ErrSignedOut
	}
	return nil
}

// Hydrated reports whether Hydrate has completed.
func (s *State) Hydrated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hydrated
}

// Snapshot returns a copy of the whole state.
func (s *State) Snapshot() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.readableLocked(); err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		Dataset:  s.dataset.Clone(),
		Messages: cloneMessages(s.messages),
		View:     s.view,
	}, nil
}

// Dataset returns the active dataset, or nil when none is loaded.
func (s *State) Dataset() (*model.Dataset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.readableLocked(); err != nil {
		return nil, err
	}
	return s.dataset.Clone(), nil
}

// Messages returns a copy of the conversation.
func (s *State) Messages() ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.readableLocked(); err != nil {
		return nil, err
	}
	return cloneMessages(s.messages), nil
}

// ActiveView returns the selected view.
func (s *State) ActiveView() (model.View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.readableLocked(); err != nil {
		return "", err
	}
	return s.view, nil
}

// Conversation returns what a query needs: the dataset identity, the
// conversation epoch and a copy of the history.
func (s *State) Conversation() (datasetID string, epoch uint64, history []model.Message, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.readableLocked(); err != nil {
		return "", 0, nil, err
	}
	if s.dataset == nil {
		return "", 0, nil, ErrNoDataset
	}
	return s.dataset.ID, s.epoch, cloneMessages(s.messages), nil
}

// ReplaceDataset makes d the active dataset. The conversation is cleared
// and the view returns to the default.
func (s *State) ReplaceDataset(d *model.Dataset) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("replace dataset: %w", err)
	}
	next := d.Clone()
	next.BoundPreview()
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode dataset: %w", err)
	}

	s.mu.Lock()
	if err := s.readableLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	prev := s.identityLocked()
	// Conversation and view first: a crash before the dataset write leaves
	// the old dataset with an empty conversation, never the new dataset
	// with the old conversation.
	if err := s.persistAll(
		kv{store.KeyMessages, "[]"},
		kv{store.KeyActiveView, string(model.DefaultView)},
		kv{store.KeyDataset, string(data)},
	); err != nil {
		s.mu.Unlock()
		return err
	}
	s.dataset = next
	s.messages = nil
	s.view = model.DefaultView
	s.epoch++
	s.log.Info("dataset replaced", zap.String("previous", prev), zap.String("dataset_id", next.ID))
	s.unlockAndNotify(prev)
	return nil
}

// RefreshDataset swaps in a newer descriptor for the active dataset
// without touching the conversation or view. The dataset endpoint does not
// report the filename, so an empty Filename keeps the current one.
func (s *State) RefreshDataset(d *model.Dataset) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("refresh dataset: %w", err)
	}
	next := d.Clone()
	next.BoundPreview()
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.readableLocked(); err != nil {
		return err
	}
	if s.dataset == nil {
		return ErrNoDataset
	}
	if s.dataset.ID != next.ID {
		return ErrDatasetMismatch
	}
	if next.Filename == "" {
		next.Filename = s.dataset.Filename
	}
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode dataset: %w", err)
	}
	if err := s.persistAll(kv{store.KeyDataset, string(data)}); err != nil {
		return err
	}
	s.dataset = next
	return nil
}

// AppendMessage adds m to the end of the conversation.
func (s *State) AppendMessage(m model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(m)
}

// AppendMessageAt appends m only if the conversation is still the one
// identified by epoch.
func (s *State) AppendMessageAt(epoch uint64, m model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.readableLocked(); err != nil {
		return err
	}
	if s.epoch != epoch {
		return ErrConversationReplaced
	}
	return s.appendLocked(m)
}

func (s *State) appendLocked(m model.Message) error {
	if err := s.readableLocked(); err != nil {
		return err
	}
	if s.dataset == nil {
		return ErrNoDataset
	}
	if m.Role != model.RoleUser && m.Role != model.RoleAssistant {
		return fmt.Errorf("append message: invalid role %q", m.Role)
	}
	next := make([]model.Message, len(s.messages), len(s.messages)+1)
	copy(next, s.messages)
	next = append(next, m)
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode messages: %w", err)
	}
	if err := s.persistAll(kv{store.KeyMessages, string(data)}); err != nil {
		return err
	}
	s.messages = next
	return nil
}

// SetActiveView selects the view shown for the current dataset.
func (s *State) SetActiveView(v model.View) error {
	v, err := model.ParseView(string(v))
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.readableLocked(); err != nil {
		return err
	}
	if err := s.persistAll(kv{store.KeyActiveView, string(v)}); err != nil {
		return err
	}
	s.view = v
	return nil
}

// Reset drops the dataset, conversation and view together with their
// persisted keys. Memory is cleared even when a removal fails.
func (s *State) Reset() error {
	s.mu.Lock()
	prev := s.identityLocked()
	var errs []error
	for _, k := range store.SessionKeys {
		if err := s.store.Remove(k); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", k, err))
		}
	}
	s.dataset = nil
	s.messages = nil
	s.view = model.DefaultView
	s.epoch++
	s.log.Info("session reset", zap.String("previous", prev))
	s.unlockAndNotify(prev)
	return errors.Join(errs...)
}

type kv struct {
	key, value string
}

func (s *State) persistAll(pairs ...kv) error {
	for _, p := range pairs {
		if err := s.store.Set(p.key, p.value); err != nil {
			s.log.Error("write-through failed", zap.String("key", p.key), zap.Error(err))
			return fmt.Errorf("persist %s: %w", p.key, err)
		}
	}
	return nil
}

func cloneMessages(in []model.Message) []model.Message {
	out := make([]model.Message, len(in))
	copy(out, in)
	return out
}
