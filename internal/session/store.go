// SPDX-License-Identifier: MIT

package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/soundspan/soundspan-sub012/internal/kv"
)

const sessionKeyPrefix = "soundspan:session:"

// Store persists session records in the shared key-value store so any
// node can serve any session. When the shared store is down or absent,
// records land in a local fallback and playback continues on this node.
type Store struct {
	shared kv.Store
	local  kv.Store
	logger zerolog.Logger
}

// NewStore wires the session store. shared may be nil for single-node
// deployments.
func NewStore(shared kv.Store, logger zerolog.Logger) *Store {
	return &Store{
		shared: shared,
		local:  kv.NewMemoryStore(),
		logger: logger.With().Str("component", "session.store").Logger(),
	}
}

// Save persists the session until its expiry.
func (st *Store) Save(ctx context.Context, s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", s.ID, err)
	}
	ttl := time.Until(s.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}
	key := sessionKeyPrefix + s.ID

	if st.shared != nil {
		err := st.shared.Set(ctx, key, string(data), ttl)
		if err == nil {
			return nil
		}
		st.logger.Warn().Err(err).Str("session", s.ID).Msg("shared store write failed, using local fallback")
	}
	return st.local.Set(ctx, key, string(data), ttl)
}

// Get loads a session by id. Shared store first, local fallback second.
func (st *Store) Get(ctx context.Context, id string) (Session, bool) {
	key := sessionKeyPrefix + id

	if st.shared != nil {
		raw, ok, err := st.shared.Get(ctx, key)
		if err != nil {
			st.logger.Warn().Err(err).Str("session", id).Msg("shared store read failed, trying local fallback")
		} else if ok {
			return st.decode(id, raw)
		}
	}

	raw, ok, err := st.local.Get(ctx, key)
	if err != nil || !ok {
		return Session{}, false
	}
	return st.decode(id, raw)
}

// Delete drops the session from both stores.
func (st *Store) Delete(ctx context.Context, id string) {
	key := sessionKeyPrefix + id
	if st.shared != nil {
		if err := st.shared.Delete(ctx, key); err != nil {
			st.logger.Warn().Err(err).Str("session", id).Msg("shared store delete failed")
		}
	}
	_ = st.local.Delete(ctx, key)
}

func (st *Store) decode(id, raw string) (Session, bool) {
	s, err := parseSessionRecord([]byte(raw))
	if err != nil {
		st.logger.Error().Err(err).Str("session", id).Msg("dropping malformed session record")
		return Session{}, false
	}
	return s, true
}
