package httpapi

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apotekpos/backend/internal/domain"
)

type userStoreStub struct {
	mu      sync.Mutex
	users   map[string]domain.UserAccount
	updates int
}

func (s *userStoreStub) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users == nil {
		s.users = make(map[string]domain.UserAccount)
	}
	s.users[user.Username] = user
	return nil
}

func (s *userStoreStub) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		out = append(out, user)
	}
	return out, nil
}

func (s *userStoreStub) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.users[username]
	user.Password = password
	s.users[username] = user
	s.updates++
	return nil
}

func legacyAdminStore() *userStoreStub {
	return &userStoreStub{
		users: map[string]domain.UserAccount{
			"admin": {
				Username:  "admin",
				Password:  "admin123",
				Role:      domain.RoleAdmin,
				Active:    true,
				CreatedAt: time.Now().UTC(),
			},
		},
	}
}

func TestAuthManagerUpgradesLegacyPlainPassword(t *testing.T) {
	ctx := context.Background()
	store := legacyAdminStore()

	manager := NewAuthManager(ctx, "test-secret", time.Hour, "739154", store, nil)
	resp, err := manager.Login(ctx, domain.LoginRequest{Username: "admin", Password: "admin123"})
	require.NoError(t, err)
	assert.Equal(t, domain.RoleAdmin, resp.Role)

	users, err := store.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.NotEqual(t, "admin123", users[0].Password)
	assert.True(t, strings.HasPrefix(users[0].Password, "$2"))
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	ctx := context.Background()
	manager := NewAuthManager(ctx, "test-secret", time.Hour, "739154", legacyAdminStore(), nil)

	_, err := manager.Login(ctx, domain.LoginRequest{Username: "admin", Password: "nope"})
	require.ErrorIs(t, err, errInvalidCredentials)

	_, err = manager.Login(ctx, domain.LoginRequest{Username: "ghost", Password: "admin123"})
	require.ErrorIs(t, err, errInvalidCredentials)
}

func TestTokenRoundTrip(t *testing.T) {
	ctx := context.Background()
	manager := NewAuthManager(ctx, "test-secret", time.Hour, "739154", legacyAdminStore(), nil)

	resp, err := manager.Login(ctx, domain.LoginRequest{Username: "ADMIN ", Password: "admin123"})
	require.NoError(t, err)

	actor, err := manager.ParseToken(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, domain.Actor{Username: "admin", Role: domain.RoleAdmin}, actor)

	other := NewAuthManager(ctx, "another-secret", time.Hour, "739154", legacyAdminStore(), nil)
	_, err = other.ParseToken(resp.AccessToken)
	require.ErrorIs(t, err, errInvalidToken)
}

func TestCreateUserStoresPasswordHash(t *testing.T) {
	ctx := context.Background()
	store := legacyAdminStore()
	manager := NewAuthManager(ctx, "test-secret", time.Hour, "739154", store, nil)

	user, err := manager.CreateUser(ctx, domain.UserCreateRequest{
		Username: "apoteker2",
		Password: "pass1234",
		Role:     domain.RolePharmacist,
	})
	require.NoError(t, err)
	assert.Equal(t, "apoteker2", user.Username)
	assert.Equal(t, domain.RolePharmacist, user.Role)

	users, err := store.ListUsers(ctx)
	require.NoError(t, err)
	var found *domain.UserAccount
	for i := range users {
		if users[i].Username == "apoteker2" {
			found = &users[i]
		}
	}
	require.NotNil(t, found)
	assert.True(t, strings.HasPrefix(found.Password, "$2"))

	_, err = manager.Login(ctx, domain.LoginRequest{Username: "apoteker2", Password: "pass1234"})
	require.NoError(t, err)

	listed := manager.ListUsers(ctx)
	require.Len(t, listed, 2)
	assert.Equal(t, "admin", listed[0].Username)
}

func TestCreateUserValidation(t *testing.T) {
	ctx := context.Background()
	manager := NewAuthManager(ctx, "test-secret", time.Hour, "739154", legacyAdminStore(), nil)

	for _, tt := range []struct {
		name string
		req  domain.UserCreateRequest
	}{
		{"ShortUsername", domain.UserCreateRequest{Username: "abc", Password: "pass1234"}},
		{"Spaces", domain.UserCreateRequest{Username: "kasir baru", Password: "pass1234"}},
		{"ShortPassword", domain.UserCreateRequest{Username: "kasirbaru", Password: "123"}},
		{"AdminRole", domain.UserCreateRequest{Username: "boss2", Password: "pass1234", Role: domain.RoleAdmin}},
		{"Duplicate", domain.UserCreateRequest{Username: "admin", Password: "pass1234"}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			_, err := manager.CreateUser(ctx, tt.req)
			require.ErrorIs(t, err, domain.ErrInvalidInput)
		})
	}
}

func TestManagerPINIsHashedAndStillValidates(t *testing.T) {
	manager := NewAuthManager(context.Background(), "test-secret", time.Hour, "739154", &userStoreStub{}, nil)

	assert.NotEqual(t, "739154", manager.managerPIN)
	assert.True(t, manager.ValidateManagerPIN("739154"))
	assert.True(t, manager.ValidateManagerPIN(" 739154 "))
	assert.False(t, manager.ValidateManagerPIN("111111"))
	assert.False(t, manager.ValidateManagerPIN(""))
}

func TestEmptyManagerPINNeverValidates(t *testing.T) {
	manager := NewAuthManager(context.Background(), "test-secret", time.Hour, "", &userStoreStub{}, nil)
	assert.False(t, manager.ValidateManagerPIN(""))
	assert.False(t, manager.ValidateManagerPIN("disabled"))
}
