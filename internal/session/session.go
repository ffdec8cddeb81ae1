// Package session holds short-lived, caller-keyed continuation hints: the
// SessionState described in spec §3, plus the PKCE session used by the
// manual OAuth onboarding flow (SPEC_FULL §C.3). Both are TTL-bounded and
// owned by a process-wide store with internal locking — never persisted,
// never shared across processes (spec §5, Non-goals: no replication).
package session

import (
	"time"

	"github.com/google/uuid"
)

const defaultTTL = 30 * time.Minute

// State is per-session continuation hints (spec §3): the upstream
// conversation/task the session is pinned to, and stable ids for the
// bootstrap tool-call message so repeated turns within one session reuse
// the same tool_call_id/tool_message_id.
type State struct {
	ConversationID  string
	BaselineTaskID  string
	ToolCallID      string
	ToolMessageID   string
}

// Store is the process-wide, TTL-bounded session state table.
type Store struct {
	states *TTLMap[State]
	ttl    time.Duration
}

// NewStore creates a Store whose entries expire after ttl (0 uses a 30
// minute default, matching WARP_COMPAT_SESSION_TTL's default).
func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Store{states: NewTTLMap[State](), ttl: ttl}
}

// GetOrCreate returns the session's state, creating a fresh one (with newly
// minted bootstrap ids) if the key is absent or if no key was supplied at
// all — per spec §3, a request with no session header gets a fresh state
// each time, identical to the stateless upstream contract.
func (s *Store) GetOrCreate(key string) State {
	if key == "" {
		return freshState()
	}
	if st, ok := s.states.Get(key); ok {
		s.states.Set(key, st, s.ttl) // renew TTL on touch
		return st
	}
	st := freshState()
	s.states.Set(key, st, s.ttl)
	return st
}

// Save persists an updated state (e.g. after the upstream assigns a
// conversation/task id on first turn) back under key, renewing its TTL.
func (s *Store) Save(key string, st State) {
	if key == "" {
		return
	}
	s.states.Set(key, st, s.ttl)
}

func freshState() State {
	return State{
		ToolCallID:    uuid.NewString(),
		ToolMessageID: uuid.NewString(),
	}
}
