// Package services contains server-side business logic. UserService covers
// registration, login, session refresh/logout and the admin user operations.
package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/google/uuid"

	"github.com/dmitrijs2005/siteauth/internal/common"
	"github.com/dmitrijs2005/siteauth/internal/dbx"
	"github.com/dmitrijs2005/siteauth/internal/logging"
	"github.com/dmitrijs2005/siteauth/internal/server/auth"
	"github.com/dmitrijs2005/siteauth/internal/server/db"
	"github.com/dmitrijs2005/siteauth/internal/server/models"
	"github.com/dmitrijs2005/siteauth/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/siteauth/internal/server/revocation"
	"github.com/dmitrijs2005/siteauth/internal/server/roles"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

var usernameRegexp = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

// Session is what a successful login, registration or refresh hands back.
type Session struct {
	Token     string
	ExpiresAt time.Time
	User      *models.User
}

type RegisterInput struct {
	Username  string `json:"username"`
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

func (r RegisterInput) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Username, validation.Required, validation.Length(3, 50), validation.Match(usernameRegexp)),
		validation.Field(&r.Email, validation.Required, validation.Length(3, 254), is.Email),
		validation.Field(&r.Password, validation.Required, validation.Length(8, 72)),
		validation.Field(&r.FirstName, validation.Length(0, 100)),
		validation.Field(&r.LastName, validation.Length(0, 100)),
	)
}

type UserService struct {
	provider    db.Provider
	repomanager repomanager.RepositoryManager
	tokens      *auth.TokenService
	revoked     revocation.Store
	logger      logging.Logger

	bcryptCost int
	dummyHash  string
	now        func() time.Time
}

type UserServiceOption func(*UserService)

func WithBcryptCost(cost int) UserServiceOption {
	return func(s *UserService) { s.bcryptCost = cost }
}

func WithLogger(l logging.Logger) UserServiceOption {
	return func(s *UserService) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithClock(now func() time.Time) UserServiceOption {
	return func(s *UserService) { s.now = now }
}

// NewUserService wires the service. A throwaway bcrypt hash is computed
// here so logins for unknown emails cost the same as real ones.
func NewUserService(p db.Provider, rm repomanager.RepositoryManager, tokens *auth.TokenService,
	revoked revocation.Store, opts ...UserServiceOption) (*UserService, error) {

	s := &UserService{
		provider:    p,
		repomanager: rm,
		tokens:      tokens,
		revoked:     revoked,
		logger:      logging.Nop(),
		bcryptCost:  auth.DefaultBcryptCost,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	h, err := auth.HashPassword(uuid.NewString(), s.bcryptCost)
	if err != nil {
		return nil, err
	}
	s.dummyHash = h

	return s, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Login checks email and password. Every credential failure (unknown email,
// wrong password, deactivated account) yields common.ErrInvalidCredentials.
func (s *UserService) Login(ctx context.Context, email, password string) (*Session, error) {
	conn, err := s.provider.EnsureConnected(ctx)
	if err != nil {
		return nil, err
	}
	repo := s.repomanager.Users(conn)

	user, err := repo.GetByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			auth.ComparePassword(s.dummyHash, password)
			return nil, common.ErrInvalidCredentials
		}
		return nil, fmt.Errorf("login: %w", err)
	}

	if !auth.ComparePassword(user.PasswordHash, password) || !user.IsActive {
		return nil, common.ErrInvalidCredentials
	}

	now := s.now()
	if err := repo.UpdateLastLogin(ctx, user.ID, now); err != nil {
		s.logger.Warn(ctx, "failed to record last login", "user_id", user.ID, "error", err)
	} else {
		user.LastLoginAt = &now
	}

	return s.newSession(user)
}

// Register creates a viewer account and signs it in.
func (s *UserService) Register(ctx context.Context, in RegisterInput) (*Session, error) {
	in.Email = normalizeEmail(in.Email)
	in.Username = strings.TrimSpace(in.Username)
	in.FirstName = strings.TrimSpace(in.FirstName)
	in.LastName = strings.TrimSpace(in.LastName)

	if err := in.Validate(); err != nil {
		return nil, toValidationError(err)
	}

	conn, err := s.provider.EnsureConnected(ctx)
	if err != nil {
		return nil, err
	}

	hash, err := auth.HashPassword(in.Password, s.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}

	now := s.now().UTC()
	user := &models.User{
		ID:           uuid.NewString(),
		Username:     in.Username,
		Email:        in.Email,
		PasswordHash: hash,
		FirstName:    in.FirstName,
		LastName:     in.LastName,
		Role:         roles.Viewer,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err = dbx.WithTx(ctx, conn, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repomanager.Users(tx)

		exists, err := repo.ExistsByEmailOrUsername(ctx, user.Email, user.Username)
		if err != nil {
			return err
		}
		if exists {
			return common.ErrAlreadyExists
		}

		_, err = repo.Create(ctx, user)
		return err
	})
	if err != nil {
		if errors.Is(err, common.ErrAlreadyExists) {
			return nil, duplicateUserError()
		}
		return nil, fmt.Errorf("register: %w", err)
	}

	s.logger.Info(ctx, "user registered", "user_id", user.ID)
	return s.newSession(user)
}

// Profile returns the current user. Deactivated accounts are treated as
// unauthenticated.
func (s *UserService) Profile(ctx context.Context, id string) (*models.User, error) {
	user, err := s.getUser(ctx, id)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil, common.ErrInvalidCredentials
		}
		return nil, err
	}
	if !user.IsActive {
		return nil, common.ErrInvalidCredentials
	}
	return user, nil
}

// Refresh issues a new token carrying the role currently stored for the
// user and revokes the presented one.
func (s *UserService) Refresh(ctx context.Context, claims *auth.Claims) (*Session, error) {
	user, err := s.Profile(ctx, claims.Subject)
	if err != nil {
		return nil, err
	}

	session, err := s.newSession(user)
	if err != nil {
		return nil, err
	}

	if err := s.revoke(ctx, claims); err != nil {
		return nil, err
	}
	return session, nil
}

// Logout revokes the presented token until it would have expired anyway.
func (s *UserService) Logout(ctx context.Context, claims *auth.Claims) error {
	return s.revoke(ctx, claims)
}

func (s *UserService) revoke(ctx context.Context, claims *auth.Claims) error {
	if s.revoked == nil || claims.ID == "" || claims.ExpiresAt == nil {
		return nil
	}
	if err := s.revoked.Revoke(ctx, claims.ID, claims.ExpiresAt.Time); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

func (s *UserService) ListUsers(ctx context.Context, limit, offset int) ([]*models.User, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}

	conn, err := s.provider.EnsureConnected(ctx)
	if err != nil {
		return nil, err
	}
	return s.repomanager.Users(conn).List(ctx, limit, offset)
}

// ChangeRole sets the role of user id. Admins cannot change their own role,
// so the last admin cannot lock everyone out by accident.
func (s *UserService) ChangeRole(ctx context.Context, actorID, id, role string) (*models.User, error) {
	r, err := roles.Parse(role)
	if err != nil {
		return nil, common.NewValidationError(map[string]string{"role": "must be one of admin, editor, viewer"})
	}
	if actorID == id {
		return nil, common.NewValidationError(map[string]string{"id": "cannot change your own role"})
	}

	user, err := s.mutate(ctx, id, func(ctx context.Context, tx dbx.DBTX, at time.Time) error {
		return s.repomanager.Users(tx).UpdateRole(ctx, id, r, at)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info(ctx, "user role changed", "user_id", id, "role", r, "by", actorID)
	return user, nil
}

// SetActive activates or deactivates user id. Users are never deleted.
func (s *UserService) SetActive(ctx context.Context, actorID, id string, active bool) (*models.User, error) {
	if actorID == id && !active {
		return nil, common.NewValidationError(map[string]string{"id": "cannot deactivate yourself"})
	}

	user, err := s.mutate(ctx, id, func(ctx context.Context, tx dbx.DBTX, at time.Time) error {
		return s.repomanager.Users(tx).SetActive(ctx, id, active, at)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info(ctx, "user status changed", "user_id", id, "active", active, "by", actorID)
	return user, nil
}

// SeedAdmin creates an admin account when no user with that email exists.
// It reports whether a user was created.
func (s *UserService) SeedAdmin(ctx context.Context, email, username, password string) (bool, error) {
	conn, err := s.provider.EnsureConnected(ctx)
	if err != nil {
		return false, err
	}

	email = normalizeEmail(email)
	if _, err := s.repomanager.Users(conn).GetByEmail(ctx, email); err == nil {
		return false, nil
	} else if !errors.Is(err, common.ErrorNotFound) {
		return false, fmt.Errorf("seed admin: %w", err)
	}

	hash, err := auth.HashPassword(password, s.bcryptCost)
	if err != nil {
		return false, fmt.Errorf("seed admin: %w", err)
	}

	now := s.now().UTC()
	_, err = s.repomanager.Users(conn).Create(ctx, &models.User{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		Role:         roles.Admin,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		if errors.Is(err, common.ErrAlreadyExists) {
			return false, nil
		}
		return false, fmt.Errorf("seed admin: %w", err)
	}

	s.logger.Info(ctx, "admin user seeded", "email", email)
	return true, nil
}

// --- helpers below ---

func (s *UserService) getUser(ctx context.Context, id string) (*models.User, error) {
	conn, err := s.provider.EnsureConnected(ctx)
	if err != nil {
		return nil, err
	}
	return s.repomanager.Users(conn).GetByID(ctx, id)
}

func (s *UserService) mutate(ctx context.Context, id string, fn func(ctx context.Context, tx dbx.DBTX, at time.Time) error) (*models.User, error) {
	conn, err := s.provider.EnsureConnected(ctx)
	if err != nil {
		return nil, err
	}

	var user *models.User
	err = dbx.WithTx(ctx, conn, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := fn(ctx, tx, s.now().UTC()); err != nil {
			return err
		}
		u, err := s.repomanager.Users(tx).GetByID(ctx, id)
		if err != nil {
			return err
		}
		user = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (s *UserService) newSession(user *models.User) (*Session, error) {
	token, exp, err := s.tokens.Mint(auth.Identity{ID: user.ID, Role: user.Role})
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	return &Session{
		Token:     token,
		ExpiresAt: exp,
		User:      user,
	}, nil
}

func duplicateUserError() error {
	return common.NewValidationError(map[string]string{
		"email": "a user with this email or username already exists",
	})
}

// toValidationError flattens ozzo's per-field errors.
func toValidationError(err error) error {
	var verrs validation.Errors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", common.ErrValidation, err)
	}

	fields := make(map[string]string, len(verrs))
	for k, v := range verrs {
		fields[k] = v.Error()
	}
	return common.NewValidationError(fields)
}
