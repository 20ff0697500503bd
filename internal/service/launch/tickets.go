// Package launch issues single-use, time-boxed tickets that redeem into a redirect
// to an environment's Jupyter or code-server endpoint.
package launch

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/hololee/Lyra/internal/apperr"
)

// Kind identifies the service a ticket launches.
type Kind string

const (
	KindJupyter Kind = "jupyter"
	KindCode    Kind = "code"
)

// DefaultTTL is how long an issued ticket stays redeemable.
const DefaultTTL = 60 * time.Second

// Ticket is an issued launch ticket.
type Ticket struct {
	Token         string
	EnvironmentID string
	Kind          Kind
	// RedirectURL is pre-resolved for worker-delegated environments.
	RedirectURL string
	ExpiresAt   time.Time
	used        bool
}

// Store holds tickets in memory. Tickets are lost on restart; callers simply request a new one.
type Store struct {
	mu      sync.Mutex
	tickets map[string]*Ticket
	ttl     time.Duration
	now     func() time.Time
}

// NewStore constructs an empty ticket store.
func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{tickets: make(map[string]*Ticket), ttl: ttl, now: time.Now}
}

// Issue creates a ticket for the environment.
func (s *Store) Issue(envID string, kind Kind, redirectURL string) (Ticket, error) {
	token, err := newToken()
	if err != nil {
		return Ticket{}, apperr.Internal("launch_ticket_failed", "could not generate launch ticket").Wrap(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.sweepLocked(now)
	t := &Ticket{
		Token:         token,
		EnvironmentID: envID,
		Kind:          kind,
		RedirectURL:   redirectURL,
		ExpiresAt:     now.Add(s.ttl),
	}
	s.tickets[token] = t
	return *t, nil
}

// Validate checks a ticket without consuming it.
func (s *Store) Validate(token, envID string, kind Kind) (Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.checkLocked(token, envID, kind)
	if err != nil {
		return Ticket{}, err
	}
	return *t, nil
}

// MarkUsed consumes a ticket once its redirect target is resolved. Of two
// concurrent redemptions only one succeeds.
func (s *Store) MarkUsed(token, envID string, kind Kind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.checkLocked(token, envID, kind)
	if err != nil {
		return err
	}
	t.used = true
	return nil
}

func (s *Store) checkLocked(token, envID string, kind Kind) (*Ticket, error) {
	t, ok := s.tickets[token]
	if !ok {
		return nil, apperr.NotFound("launch_ticket_not_found", "launch ticket not found or expired")
	}
	if t.used {
		return nil, apperr.Gone("launch_ticket_used", "launch ticket has already been used")
	}
	if t.EnvironmentID != envID || t.Kind != kind {
		return nil, apperr.Validation("launch_ticket_mismatch", "launch ticket does not belong to this environment")
	}
	if !s.now().Before(t.ExpiresAt) {
		delete(s.tickets, token)
		return nil, apperr.Gone("launch_ticket_expired", "launch ticket has expired")
	}
	return t, nil
}

// sweepLocked drops tickets that expired more than one TTL ago.
func (s *Store) sweepLocked(now time.Time) {
	for token, t := range s.tickets {
		if now.After(t.ExpiresAt.Add(s.ttl)) {
			delete(s.tickets, token)
		}
	}
}

// Len reports the number of tracked tickets.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tickets)
}

func newToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
