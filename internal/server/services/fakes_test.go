package services

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/dmitrijs2005/siteauth/internal/common"
	"github.com/dmitrijs2005/siteauth/internal/dbx"
	"github.com/dmitrijs2005/siteauth/internal/server/auth"
	"github.com/dmitrijs2005/siteauth/internal/server/models"
	"github.com/dmitrijs2005/siteauth/internal/server/revocation"
	"github.com/dmitrijs2005/siteauth/internal/server/roles"
	usersrepo "github.com/dmitrijs2005/siteauth/internal/server/repositories/users"
)

// memUsers is an in-memory users.Repository.
type memUsers struct {
	mu     sync.Mutex
	byID   map[string]*models.User
	getErr error

	lastLogins int
}

func newMemUsers() *memUsers {
	return &memUsers{byID: map[string]*models.User{}}
}

func (m *memUsers) Create(_ context.Context, u *models.User) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, x := range m.byID {
		if x.Email == u.Email || x.Username == u.Username {
			return nil, common.ErrAlreadyExists
		}
	}
	c := *u
	m.byID[u.ID] = &c
	return u, nil
}

func (m *memUsers) GetByID(_ context.Context, id string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	u, ok := m.byID[id]
	if !ok {
		return nil, common.ErrorNotFound
	}
	c := *u
	return &c, nil
}

func (m *memUsers) GetByEmail(_ context.Context, email string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	for _, u := range m.byID {
		if u.Email == email {
			c := *u
			return &c, nil
		}
	}
	return nil, common.ErrorNotFound
}

func (m *memUsers) ExistsByEmailOrUsername(_ context.Context, email, username string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.byID {
		if u.Email == email || u.Username == username {
			return true, nil
		}
	}
	return false, nil
}

func (m *memUsers) List(_ context.Context, limit, offset int) ([]*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.User, 0, len(m.byID))
	for _, u := range m.byID {
		c := *u
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if offset >= len(out) {
		return []*models.User{}, nil
	}
	out = out[offset:]
	if limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (m *memUsers) UpdateLastLogin(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[id]
	if !ok {
		return common.ErrorNotFound
	}
	u.LastLoginAt = &at
	m.lastLogins++
	return nil
}

func (m *memUsers) UpdateRole(_ context.Context, id string, role roles.Role, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[id]
	if !ok {
		return common.ErrorNotFound
	}
	u.Role, u.UpdatedAt = role, at
	return nil
}

func (m *memUsers) SetActive(_ context.Context, id string, active bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[id]
	if !ok {
		return common.ErrorNotFound
	}
	u.IsActive, u.UpdatedAt = active, at
	return nil
}

func (m *memUsers) put(t *testing.T, id, email, password string, role roles.Role, active bool) *models.User {
	t.Helper()
	h, err := auth.HashPassword(password, bcrypt.MinCost)
	require.NoError(t, err)
	u := &models.User{ID: id, Username: id, Email: email, PasswordHash: h, Role: role, IsActive: active}
	m.mu.Lock()
	m.byID[id] = u
	m.mu.Unlock()
	return u
}

type fakeRepoManager struct {
	users *memUsers
}

func (f *fakeRepoManager) RunMigrations(context.Context, *sql.DB) error { return nil }
func (f *fakeRepoManager) Users(dbx.DBTX) usersrepo.Repository          { return f.users }

type fakeProvider struct {
	db  *sql.DB
	err error
}

func (p *fakeProvider) EnsureConnected(context.Context) (*sql.DB, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.db, nil
}

type fixture struct {
	svc     *UserService
	users   *memUsers
	mock    sqlmock.Sqlmock
	tokens  *auth.TokenService
	revoked *revocation.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	tokens, err := auth.NewTokenService([]byte("k"), time.Hour)
	require.NoError(t, err)

	users := newMemUsers()
	revoked := revocation.NewMemoryStore()

	svc, err := NewUserService(&fakeProvider{db: sqlDB}, &fakeRepoManager{users: users}, tokens, revoked,
		WithBcryptCost(bcrypt.MinCost))
	require.NoError(t, err)

	return &fixture{svc: svc, users: users, mock: mock, tokens: tokens, revoked: revoked}
}

func identity(id string, role roles.Role) auth.Identity {
	return auth.Identity{ID: id, Role: role}
}
