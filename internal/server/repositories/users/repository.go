package users

import (
	"context"
	"time"

	"github.com/dmitrijs2005/siteauth/internal/server/models"
	"github.com/dmitrijs2005/siteauth/internal/server/roles"
)

// Repository is the credential store consumed by the auth core. Users are
// never hard-deleted; SetActive is the only way to retire an account.
type Repository interface {
	Create(ctx context.Context, user *models.User) (*models.User, error)
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	ExistsByEmailOrUsername(ctx context.Context, email, username string) (bool, error)
	List(ctx context.Context, limit, offset int) ([]*models.User, error)
	UpdateLastLogin(ctx context.Context, id string, at time.Time) error
	UpdateRole(ctx context.Context, id string, role roles.Role, at time.Time) error
	SetActive(ctx context.Context, id string, active bool, at time.Time) error
}
