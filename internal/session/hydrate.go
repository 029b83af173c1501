package session

import (
	"encoding/json"

	"github.com/KaramelBytes/datadash-cli/internal/model"
	"github.com/KaramelBytes/datadash-cli/internal/store"
	"go.uber.org/zap"
)

// Hydrate rebuilds the state from the store. A key that is missing, cannot
// be read or does not decode falls back to its default; hydration itself
// never fails. Calling it again re-reads the store.
func (s *State) Hydrate() {
	ds := s.loadDataset()
	msgs := s.loadMessages()
	view := s.loadView()
	if ds == nil && len(msgs) > 0 {
		s.log.Warn("dropping conversation without dataset", zap.Int("messages", len(msgs)))
		msgs = nil
	}

	s.mu.Lock()
	prev := s.identityLocked()
	wasHydrated := s.hydrated
	s.dataset = ds
	s.messages = msgs
	s.view = view
	s.hydrated = true
	if !wasHydrated || prev != s.identityLocked() {
		s.epoch++
	}
	s.log.Debug("hydrated",
		zap.String("dataset_id", s.identityLocked()),
		zap.Int("messages", len(msgs)),
		zap.String("view", string(view)))
	s.unlockAndNotify(prev)
}

func (s *State) read(key string) (string, bool) {
	v, ok, err := s.store.Get(key)
	if err != nil {
		s.log.Warn("read persisted key", zap.String("key", key), zap.Error(err))
		return "", false
	}
	return v, ok
}

func (s *State) loadDataset() *model.Dataset {
	raw, ok := s.read(store.KeyDataset)
	if !ok || raw == "" || raw == "null" {
		return nil
	}
	var d model.Dataset
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		s.log.Warn("discarding undecodable dataset", zap.Error(err))
		return nil
	}
	if err := d.Validate(); err != nil {
		s.log.Warn("discarding invalid dataset", zap.Error(err))
		return nil
	}
	d.BoundPreview()
	return &d
}

func (s *State) loadMessages() []model.Message {
	raw, ok := s.read(store.KeyMessages)
	if !ok || raw == "" {
		return nil
	}
	var msgs []model.Message
	if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
		s.log.Warn("discarding undecodable conversation", zap.Error(err))
		return nil
	}
	for _, m := range msgs {
		if m.Role != model.RoleUser && m.Role != model.RoleAssistant {
			s.log.Warn("discarding conversation with unknown role", zap.String("role", string(m.Role)))
			return nil
		}
	}
	if len(msgs) == 0 {
		return nil
	}
	return msgs
}

func (s *State) loadView() model.View {
	raw, ok := s.read(store.KeyActiveView)
	if !ok {
		return model.DefaultView
	}
	v, err := model.ParseView(raw)
	if err != nil {
		s.log.Warn("discarding unknown view", zap.String("view", raw))
		return model.DefaultView
	}
	return v
}
