package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

// Registry keeps one Session per control client, keyed by the client token.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	build    func(token string) *Session
}

func NewRegistry(build func(token string) *Session) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		build:    build,
	}
}

func (r *Registry) GetOrCreate(token string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[token]; ok {
		return s
	}
	s := r.build(token)
	r.sessions[token] = s
	log.Info().Str("module", "session.registry").Str("token", token).Msg("created session")
	return s
}

func (r *Registry) Get(token string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[token]
	return s, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close closes the client's session but keeps it registered, so event streams
// subscribed to it carry on into the client's next Open.
func (r *Registry) Close(ctx context.Context, token string) error {
	s, ok := r.Get(token)
	if !ok {
		return nil
	}
	log.Info().Str("module", "session.registry").Str("token", token).Msg("closing session")
	return s.Close(ctx)
}

// CloseAll closes every session; used on shutdown.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	all := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	var errs error
	for token, s := range all {
		if err := s.Close(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("session %s: %w", token, err))
		}
	}
	log.Info().Str("module", "session.registry").Int("count", len(all)).Err(errs).Msg("closed all sessions")
	return errs
}
