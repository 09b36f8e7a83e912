// Package memstore is an in-process implementation of the keyfold storage
// capabilities, used in tests and single-process deployments.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/keyfold/keyfold"
)

// Store implements keyfold.UserStore and keyfold.IdentifierStore behind a
// single mutex, so identifier uniqueness is trivially atomic.
type Store struct {
	mu sync.RWMutex
	// users by user ID.
	users map[string]keyfold.UserRecord
	// emailIndex maps normalized email to user ID for legacy-mode lookups.
	emailIndex map[string]string
	// identifiers by identifier ID.
	identifiers map[string]keyfold.Identifier
	// keyIndex maps type:value to identifier ID, enforcing uniqueness.
	keyIndex map[string]string
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		users:       make(map[string]keyfold.UserRecord),
		emailIndex:  make(map[string]string),
		identifiers: make(map[string]keyfold.Identifier),
		keyIndex:    make(map[string]string),
	}
}

func identifierKey(t keyfold.IdentifierType, value string) string {
	return string(t) + "\x00" + value
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneUser(u keyfold.UserRecord) keyfold.UserRecord {
	u.Profile = cloneStringMap(u.Profile)
	if u.LinkedAccounts != nil {
		accounts := make([]keyfold.LinkedAccount, len(u.LinkedAccounts))
		for i, a := range u.LinkedAccounts {
			a.Tokens = cloneStringMap(a.Tokens)
			accounts[i] = a
		}
		u.LinkedAccounts = accounts
	}
	return u
}

func cloneIdentifier(id keyfold.Identifier) keyfold.Identifier {
	id.Metadata = cloneStringMap(id.Metadata)
	return id
}

// CreateUser stores a new user record. In legacy deployments the email
// column is unique.
func (s *Store) CreateUser(_ context.Context, user keyfold.UserRecord) (keyfold.UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[user.UserID]; ok {
		return keyfold.UserRecord{}, keyfold.ErrStoreConflict
	}
	if user.Email != "" {
		if _, ok := s.emailIndex[user.Email]; ok {
			return keyfold.UserRecord{}, keyfold.ErrStoreConflict
		}
		s.emailIndex[user.Email] = user.UserID
	}
	s.users[user.UserID] = cloneUser(user)
	return user, nil
}

func (s *Store) GetUser(_ context.Context, userID string) (*keyfold.UserRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[userID]
	if !ok {
		return nil, keyfold.ErrUserNotFound
	}
	out := cloneUser(user)
	return &out, nil
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (*keyfold.UserRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	userID, ok := s.emailIndex[email]
	if !ok {
		return nil, keyfold.ErrUserNotFound
	}
	user := cloneUser(s.users[userID])
	return &user, nil
}

func (s *Store) UpdateUser(_ context.Context, userID string, upd keyfold.UserUpdate) (*keyfold.UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return nil, keyfold.ErrUserNotFound
	}
	if upd.Email != nil && *upd.Email != user.Email {
		if owner, taken := s.emailIndex[*upd.Email]; taken && owner != userID {
			return nil, keyfold.ErrStoreConflict
		}
		if user.Email != "" {
			delete(s.emailIndex, user.Email)
		}
		if *upd.Email != "" {
			s.emailIndex[*upd.Email] = userID
		}
		user.Email = *upd.Email
	}
	if upd.EmailVerified != nil {
		user.EmailVerified = *upd.EmailVerified
	}
	if upd.PasswordHash != nil {
		user.PasswordHash = *upd.PasswordHash
	}
	if upd.Name != nil {
		user.Name = *upd.Name
	}
	if upd.Role != nil {
		user.Role = *upd.Role
	}
	if upd.Profile != nil {
		user.Profile = cloneStringMap(upd.Profile)
	}
	s.users[userID] = user
	out := cloneUser(user)
	return &out, nil
}

func (s *Store) DeleteUser(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return keyfold.ErrUserNotFound
	}
	if user.Email != "" {
		delete(s.emailIndex, user.Email)
	}
	delete(s.users, userID)
	return nil
}

// FindUsers evaluates pred against every user and its identifier set. A
// nil predicate matches everything. Results are ordered by user ID so
// repeated calls are deterministic.
func (s *Store) FindUsers(_ context.Context, pred keyfold.StorePredicate) ([]keyfold.UserRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byUser := make(map[string][]keyfold.Identifier)
	for _, id := range s.identifiers {
		byUser[id.UserID] = append(byUser[id.UserID], id)
	}

	var out []keyfold.UserRecord
	for userID, user := range s.users {
		u := user
		if keyfold.EvalPredicate(pred, &u, byUser[userID]) {
			out = append(out, cloneUser(u))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// CreateIdentifier inserts an identifier, enforcing (type, value)
// uniqueness.
func (s *Store) CreateIdentifier(_ context.Context, ident keyfold.Identifier) (keyfold.Identifier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createIdentifierLocked(ident)
}

func (s *Store) createIdentifierLocked(ident keyfold.Identifier) (keyfold.Identifier, error) {
	key := identifierKey(ident.Type, ident.NormalizedValue)
	if _, ok := s.keyIndex[key]; ok {
		return keyfold.Identifier{}, keyfold.ErrStoreConflict
	}
	if _, ok := s.identifiers[ident.ID]; ok {
		return keyfold.Identifier{}, keyfold.ErrStoreConflict
	}
	s.identifiers[ident.ID] = cloneIdentifier(ident)
	s.keyIndex[key] = ident.ID
	return ident, nil
}

func (s *Store) GetIdentifier(_ context.Context, id string) (*keyfold.Identifier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ident, ok := s.identifiers[id]
	if !ok {
		return nil, keyfold.ErrIdentifierNotFound
	}
	out := cloneIdentifier(ident)
	return &out, nil
}

func (s *Store) GetIdentifierByValue(_ context.Context, t keyfold.IdentifierType, value string) (*keyfold.Identifier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.keyIndex[identifierKey(t, value)]
	if !ok {
		return nil, keyfold.ErrIdentifierNotFound
	}
	out := cloneIdentifier(s.identifiers[id])
	return &out, nil
}

func (s *Store) GetUserByIdentifier(_ context.Context, t keyfold.IdentifierType, value string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.keyIndex[identifierKey(t, value)]
	if !ok {
		return "", keyfold.ErrIdentifierNotFound
	}
	return s.identifiers[id].UserID, nil
}

func (s *Store) UpdateIdentifier(_ context.Context, id string, upd keyfold.IdentifierUpdate) (*keyfold.Identifier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ident, ok := s.identifiers[id]
	if !ok {
		return nil, keyfold.ErrIdentifierNotFound
	}
	if upd.Verified != nil {
		ident.Verified = *upd.Verified
	}
	if upd.CredentialHash != nil {
		ident.CredentialHash = *upd.CredentialHash
	}
	if upd.Metadata != nil {
		ident.Metadata = cloneStringMap(upd.Metadata)
	}
	s.identifiers[id] = ident
	out := cloneIdentifier(ident)
	return &out, nil
}

func (s *Store) DeleteIdentifier(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ident, ok := s.identifiers[id]
	if !ok {
		return keyfold.ErrIdentifierNotFound
	}
	delete(s.keyIndex, identifierKey(ident.Type, ident.NormalizedValue))
	delete(s.identifiers, id)
	return nil
}

func (s *Store) ListUserIdentifiers(_ context.Context, userID string) ([]keyfold.Identifier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []keyfold.Identifier
	for _, ident := range s.identifiers {
		if ident.UserID == userID {
			out = append(out, cloneIdentifier(ident))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) DeleteUserIdentifiers(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ident := range s.identifiers {
		if ident.UserID == userID {
			delete(s.keyIndex, identifierKey(ident.Type, ident.NormalizedValue))
			delete(s.identifiers, id)
		}
	}
	return nil
}

// ReplaceIdentifier swaps one identifier for a replacement under the same
// lock, so no interleaving observes zero or two rows for the user.
func (s *Store) ReplaceIdentifier(_ context.Context, oldID string, replacement keyfold.Identifier) (keyfold.Identifier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.identifiers[oldID]
	if !ok {
		return keyfold.Identifier{}, keyfold.ErrIdentifierNotFound
	}
	newKey := identifierKey(replacement.Type, replacement.NormalizedValue)
	if owner, taken := s.keyIndex[newKey]; taken && owner != oldID {
		return keyfold.Identifier{}, keyfold.ErrStoreConflict
	}
	delete(s.keyIndex, identifierKey(old.Type, old.NormalizedValue))
	delete(s.identifiers, oldID)
	s.identifiers[replacement.ID] = cloneIdentifier(replacement)
	s.keyIndex[newKey] = replacement.ID
	return replacement, nil
}
