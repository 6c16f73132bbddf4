package scraper

import (
	"sync"

	"inspire-scraper/models"
)

// TokenStore holds the view-state tokens of one session
type TokenStore struct {
	mu     sync.RWMutex
	tokens models.TokenSet
}

// NewTokenStore creates an empty TokenStore
func NewTokenStore() *TokenStore {
	return &TokenStore{}
}

// Current returns the tokens to send on the next request
func (s *TokenStore) Current() models.TokenSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens
}

// Replace swaps in a complete token set. An incomplete set is rejected and
// the stored tokens are left untouched.
func (s *TokenStore) Replace(next models.TokenSet) error {
	if missing := next.Missing(); len(missing) > 0 {
		return &IncompleteTokenUpdateError{Missing: missing}
	}

	s.mu.Lock()
	s.tokens = next
	s.mu.Unlock()
	return nil
}
