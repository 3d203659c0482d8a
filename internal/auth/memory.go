package auth

import (
	"context"
	"sync"
	"time"

	"renki.org/internal/ids"
)

// MemKeyStore is an in-process KeyStore. Each instance is fully isolated,
// so tests can run several side by side.
type MemKeyStore struct {
	mu   sync.RWMutex
	keys map[string]Key // digest -> record
}

var _ KeyStore = (*MemKeyStore)(nil)

// NewMemKeyStore creates an empty key store.
func NewMemKeyStore() *MemKeyStore {
	return &MemKeyStore{keys: make(map[string]Key)}
}

func (s *MemKeyStore) Insert(ctx context.Context, k Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[k.Digest]; ok {
		return ErrConflict
	}
	s.keys[k.Digest] = k
	return nil
}

func (s *MemKeyStore) FindValid(ctx context.Context, digest string, now time.Time) (Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[digest]
	if !ok || k.Expired(now) {
		return Key{}, ErrNotFound
	}
	return k, nil
}

func (s *MemKeyStore) DeleteByDigest(ctx context.Context, digest string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[digest]; !ok {
		return ErrNotFound
	}
	delete(s.keys, digest)
	return nil
}

// MemStore is an in-process account Store used by tests and demo mode.
type MemStore struct {
	mu         sync.RWMutex
	users      map[string]User
	byName     map[string]string // name -> id
	groups     map[string]Group
	members    map[string][]string // userID -> groupIDs
	groupPerms map[string][]string // groupID -> permission keys
	userPerms  map[string][]string // userID -> permission keys
}

var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty account store.
func NewMemStore() *MemStore {
	return &MemStore{
		users:      make(map[string]User),
		byName:     make(map[string]string),
		groups:     make(map[string]Group),
		members:    make(map[string][]string),
		groupPerms: make(map[string][]string),
		userPerms:  make(map[string][]string),
	}
}

func (s *MemStore) CreateUser(ctx context.Context, name, passwordHash string, superuser bool) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byName[name]; ok {
		return User{}, ErrConflict
	}
	now := time.Now().UTC()
	u := User{
		ID:           ids.New(),
		Name:         name,
		PasswordHash: passwordHash,
		Superuser:    superuser,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.users[u.ID] = u
	s.byName[name] = u.ID
	return u, nil
}

func (s *MemStore) GetUser(ctx context.Context, id string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (s *MemStore) FindUserByName(ctx context.Context, name string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byName[name]
	if !ok {
		return User{}, ErrNotFound
	}
	return s.users[id], nil
}

func (s *MemStore) ListUsers(ctx context.Context) ([]User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	return out, nil
}

func (s *MemStore) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.PasswordHash = passwordHash
	u.UpdatedAt = time.Now().UTC()
	s.users[userID] = u
	return nil
}

func (s *MemStore) CreateGroup(ctx context.Context, name, description string) (Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.groups {
		if g.Name == name {
			return Group{}, ErrConflict
		}
	}
	g := Group{
		ID:          ids.New(),
		Name:        name,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}
	s.groups[g.ID] = g
	return g, nil
}

func (s *MemStore) ListGroups(ctx context.Context) ([]Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Group, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g)
	}
	return out, nil
}

func (s *MemStore) AddUserToGroup(ctx context.Context, userID, groupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return ErrNotFound
	}
	if _, ok := s.groups[groupID]; !ok {
		return ErrNotFound
	}
	for _, gid := range s.members[userID] {
		if gid == groupID {
			return nil
		}
	}
	s.members[userID] = append(s.members[userID], groupID)
	return nil
}

func (s *MemStore) SetGroupPermissions(ctx context.Context, groupID string, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[groupID]; !ok {
		return ErrNotFound
	}
	s.groupPerms[groupID] = append([]string(nil), keys...)
	return nil
}

func (s *MemStore) GrantUserPermission(ctx context.Context, userID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return ErrNotFound
	}
	for _, k := range s.userPerms[userID] {
		if k == key {
			return nil
		}
	}
	s.userPerms[userID] = append(s.userPerms[userID], key)
	return nil
}

// UserPermissions returns the union of direct and group permissions.
func (s *MemStore) UserPermissions(ctx context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.users[userID]; !ok {
		return nil, ErrNotFound
	}
	set := make(map[string]struct{})
	for _, k := range s.userPerms[userID] {
		set[k] = struct{}{}
	}
	for _, gid := range s.members[userID] {
		for _, k := range s.groupPerms[gid] {
			set[k] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out, nil
}
