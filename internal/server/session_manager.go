package server

import (
	"time"

	"github.com/google/uuid"
)

type SessionInfo struct {
	Token     string
	Identity  string
	Rating    int
	ExpiresAt time.Time
}

// SessionManager maps resume tokens to identities. Owned by the loop.
type SessionManager struct {
	sessions map[string]SessionInfo // Token -> SessionInfo
	ttl      time.Duration
}

func NewSessionManager(ttl time.Duration) *SessionManager {
	return &SessionManager{
		sessions: make(map[string]SessionInfo),
		ttl:      ttl,
	}
}

// Issue creates a fresh token for identity, replacing any token it held.
func (sm *SessionManager) Issue(identity string, rating int, now time.Time) SessionInfo {
	sm.RevokeIdentity(identity)
	info := SessionInfo{
		Token:     uuid.NewString(),
		Identity:  identity,
		Rating:    rating,
		ExpiresAt: now.Add(sm.ttl),
	}
	sm.sessions[info.Token] = info
	return info
}

// Resume validates a token and slides its expiry forward.
func (sm *SessionManager) Resume(token string, now time.Time) (SessionInfo, error) {
	session, exists := sm.sessions[token]
	if !exists {
		return SessionInfo{}, newError(CodeTokenNotFound, "invalid session token")
	}
	if now.After(session.ExpiresAt) {
		delete(sm.sessions, token)
		return SessionInfo{}, newError(CodeTokenNotFound, "session expired")
	}
	session.ExpiresAt = now.Add(sm.ttl)
	sm.sessions[token] = session
	return session, nil
}

func (sm *SessionManager) UpdateRating(identity string, rating int) {
	for token, s := range sm.sessions {
		if s.Identity == identity {
			s.Rating = rating
			sm.sessions[token] = s
		}
	}
}

func (sm *SessionManager) Revoke(token string) {
	delete(sm.sessions, token)
}

func (sm *SessionManager) RevokeIdentity(identity string) {
	for token, s := range sm.sessions {
		if s.Identity == identity {
			delete(sm.sessions, token)
		}
	}
}

// Cleanup drops expired sessions and returns how many were removed.
func (sm *SessionManager) Cleanup(now time.Time) int {
	removed := 0
	for token, s := range sm.sessions {
		if now.After(s.ExpiresAt) {
			delete(sm.sessions, token)
			removed++
		}
	}
	return removed
}

func (sm *SessionManager) Count() int {
	return len(sm.sessions)
}
