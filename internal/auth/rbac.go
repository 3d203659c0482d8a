package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// User is a member account. Permission checks take the union of the user's
// direct permissions and all group permissions; a superuser bypasses both.
type User struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	FirstNames   string    `json:"first_names,omitempty"`
	LastName     string    `json:"last_name,omitempty"`
	PasswordHash string    `json:"-"`
	Superuser    bool      `json:"superuser"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Group carries a shared permission set for its members.
type Group struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Permission is a fine-grained capability key.
type Permission struct {
	Key         string `json:"key"`
	Description string `json:"description,omitempty"`
}

// Store describes persistence operations required by account management.
type Store interface {
	CreateUser(ctx context.Context, name, passwordHash string, superuser bool) (User, error)
	GetUser(ctx context.Context, id string) (User, error)
	FindUserByName(ctx context.Context, name string) (User, error)
	ListUsers(ctx context.Context) ([]User, error)
	UpdatePassword(ctx context.Context, userID, passwordHash string) error

	CreateGroup(ctx context.Context, name, description string) (Group, error)
	ListGroups(ctx context.Context) ([]Group, error)
	AddUserToGroup(ctx context.Context, userID, groupID string) error
	SetGroupPermissions(ctx context.Context, groupID string, keys []string) error

	GrantUserPermission(ctx context.Context, userID, key string) error
	UserPermissions(ctx context.Context, userID string) ([]string, error)
}

// UserDirectory is the narrow lookup surface the key service depends on.
type UserDirectory interface {
	GetUser(ctx context.Context, id string) (User, error)
	FindUserByName(ctx context.Context, name string) (User, error)
	UserPermissions(ctx context.Context, userID string) ([]string, error)
}

// Service provides validated account management on top of a Store.
type Service struct {
	store Store
}

// NewService constructs the account service.
func NewService(store Store) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth store is required")
	}
	return &Service{store: store}, nil
}

func (s *Service) CreateUser(ctx context.Context, name, password string, superuser bool) (User, error) {
	name = strings.TrimSpace(strings.ToLower(name))
	if name == "" {
		return User{}, fmt.Errorf("%w: user name is required", ErrInvalidInput)
	}
	password = strings.TrimSpace(password)
	if password == "" {
		return User{}, fmt.Errorf("%w: password is required", ErrInvalidInput)
	}
	hash, err := HashPassword(password)
	if err != nil {
		return User{}, err
	}
	return s.store.CreateUser(ctx, name, hash, superuser)
}

func (s *Service) GetUser(ctx context.Context, id string) (User, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return User{}, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	return s.store.GetUser(ctx, id)
}

func (s *Service) ListUsers(ctx context.Context) ([]User, error) {
	return s.store.ListUsers(ctx)
}

// ResetPassword rewrites the stored hash for the user.
func (s *Service) ResetPassword(ctx context.Context, userID, password string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	password = strings.TrimSpace(password)
	if password == "" {
		return fmt.Errorf("%w: password is required", ErrInvalidInput)
	}
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	return s.store.UpdatePassword(ctx, userID, hash)
}

func (s *Service) CreateGroup(ctx context.Context, name, description string) (Group, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Group{}, fmt.Errorf("%w: group name is required", ErrInvalidInput)
	}
	return s.store.CreateGroup(ctx, name, strings.TrimSpace(description))
}

func (s *Service) AddUserToGroup(ctx context.Context, userID, groupID string) error {
	userID = strings.TrimSpace(userID)
	groupID = strings.TrimSpace(groupID)
	if userID == "" || groupID == "" {
		return fmt.Errorf("%w: user_id and group_id are required", ErrInvalidInput)
	}
	return s.store.AddUserToGroup(ctx, userID, groupID)
}

func (s *Service) SetGroupPermissions(ctx context.Context, groupID string, keys []string) error {
	groupID = strings.TrimSpace(groupID)
	if groupID == "" {
		return fmt.Errorf("%w: group_id is required", ErrInvalidInput)
	}
	return s.store.SetGroupPermissions(ctx, groupID, dedupeStrings(keys))
}

func (s *Service) GrantUserPermission(ctx context.Context, userID, key string) error {
	userID = strings.TrimSpace(userID)
	key = strings.TrimSpace(key)
	if userID == "" || key == "" {
		return fmt.Errorf("%w: user_id and permission key are required", ErrInvalidInput)
	}
	return s.store.GrantUserPermission(ctx, userID, key)
}

// Principal loads the user with its resolved permission union.
func (s *Service) Principal(ctx context.Context, userID string) (Principal, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return Principal{}, err
	}
	perms, err := s.store.UserPermissions(ctx, userID)
	if err != nil {
		return Principal{}, err
	}
	return NewPrincipal(user, perms), nil
}

// Require ensures the user holds a permission.
func (s *Service) Require(ctx context.Context, userID, perm string) (Principal, error) {
	principal, err := s.Principal(ctx, userID)
	if err != nil {
		return Principal{}, err
	}
	if !principal.HasPermission(perm) {
		return Principal{}, ErrUnauthorized
	}
	return principal, nil
}

func dedupeStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := set[v]; ok {
			continue
		}
		set[v] = struct{}{}
		result = append(result, v)
	}
	return result
}
