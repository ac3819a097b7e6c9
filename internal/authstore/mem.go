package authstore

import (
	"context"
	"sync"

	"mcpauth/pkg/oauth"
)

// MemStore is an in-process Store backed by maps, guarded by a single mutex.
// Hosts that don't want tokens touching disk (short-lived test runs,
// preventAutoAuth-style setups) use this instead of FileStore.
type MemStore struct {
	mu            sync.RWMutex
	clientInfo    map[string]*oauth.ClientInformation
	tokens        map[string]*oauth.Token
	codeVerifiers map[string]string
	authURLs      map[string]string
	pending       map[string]PendingAuthorization
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		clientInfo:    make(map[string]*oauth.ClientInformation),
		tokens:        make(map[string]*oauth.Token),
		codeVerifiers: make(map[string]string),
		authURLs:      make(map[string]string),
		pending:       make(map[string]PendingAuthorization),
	}
}

func (s *MemStore) GetClientInformation(_ context.Context, serverHash string) (*oauth.ClientInformation, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.clientInfo[serverHash]
	return v, ok, nil
}

func (s *MemStore) SaveClientInformation(_ context.Context, serverHash string, info *oauth.ClientInformation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clientInfo[serverHash] = info
	return nil
}

func (s *MemStore) GetTokens(_ context.Context, serverHash string) (*oauth.Token, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.tokens[serverHash]
	return v, ok, nil
}

func (s *MemStore) SaveTokens(_ context.Context, serverHash string, tokens *oauth.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[serverHash] = tokens
	return nil
}

func (s *MemStore) GetCodeVerifier(_ context.Context, serverHash string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.codeVerifiers[serverHash]
	return v, ok, nil
}

func (s *MemStore) SaveCodeVerifier(_ context.Context, serverHash string, verifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codeVerifiers[serverHash] = verifier
	return nil
}

func (s *MemStore) GetAuthURL(_ context.Context, serverHash string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.authURLs[serverHash]
	return v, ok, nil
}

func (s *MemStore) SaveAuthURL(_ context.Context, serverHash string, authURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authURLs[serverHash] = authURL
	return nil
}

func (s *MemStore) DeleteAuthURL(_ context.Context, serverHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.authURLs, serverHash)
	return nil
}

func (s *MemStore) DeleteCodeVerifier(_ context.Context, serverHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.codeVerifiers, serverHash)
	return nil
}

func (s *MemStore) ClearServer(_ context.Context, serverHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clientInfo, serverHash)
	delete(s.tokens, serverHash)
	delete(s.codeVerifiers, serverHash)
	delete(s.authURLs, serverHash)
	return nil
}

func (s *MemStore) ClearAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clientInfo = make(map[string]*oauth.ClientInformation)
	s.tokens = make(map[string]*oauth.Token)
	s.codeVerifiers = make(map[string]string)
	s.authURLs = make(map[string]string)
	s.pending = make(map[string]PendingAuthorization)
	return nil
}

func (s *MemStore) SavePendingAuthorization(_ context.Context, rec PendingAuthorization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[rec.State] = rec
	return nil
}

func (s *MemStore) ConsumePendingAuthorization(_ context.Context, state string) (PendingAuthorization, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.pending[state]
	if !ok {
		return PendingAuthorization{}, false, nil
	}
	delete(s.pending, state)
	if rec.Expired() {
		return PendingAuthorization{}, false, nil
	}
	return rec, true, nil
}

func (s *MemStore) GetTokensByIssuer(_ context.Context, issuer string) (*oauth.Token, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, tok := range s.tokens {
		if tok.Issuer == issuer && !tok.IsExpired() {
			return tok, true, nil
		}
	}
	return nil, false, nil
}

var _ Store = (*MemStore)(nil)
