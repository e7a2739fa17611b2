// Package server wires the configuration, database manager, services and
// HTTP transport together and runs them until a shutdown signal arrives.
package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/dmitrijs2005/siteauth/internal/logging"
	"github.com/dmitrijs2005/siteauth/internal/server/auth"
	"github.com/dmitrijs2005/siteauth/internal/server/config"
	"github.com/dmitrijs2005/siteauth/internal/server/db"
	"github.com/dmitrijs2005/siteauth/internal/server/httpserver"
	"github.com/dmitrijs2005/siteauth/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/siteauth/internal/server/revocation"
	"github.com/dmitrijs2005/siteauth/internal/server/services"
	"github.com/dmitrijs2005/siteauth/internal/server/uploads"
)

type App struct {
	config      *config.Config
	logger      logging.Logger
	db          *db.Manager
	revoked     revocation.Store
	userService *services.UserService
	http        *httpserver.HTTPServer
}

func NewApp(ctx context.Context, c *config.Config) (*App, error) {
	logger := logging.NewJSONLogger(os.Stdout, c.LogLevel)

	rm, err := repomanager.NewSQLRepositoryManager(c.DatabaseDriver)
	if err != nil {
		return nil, fmt.Errorf("repository manager init error: %w", err)
	}

	manager := db.NewManager(
		db.NewConnector(db.OpenOptions{
			Driver:           c.DatabaseDriver,
			DSN:              c.DatabaseDSN,
			ConnectTimeout:   c.ConnectTimeout,
			SocketTimeout:    c.SocketTimeout,
			MaxOpenConns:     c.MaxOpenConns,
			MigrateOnConnect: c.MigrateOnConnect,
		}, rm),
		db.WithConnectTimeout(c.ConnectTimeout),
		db.WithLogger(logger.With("module", "db")),
	)

	tokens, err := auth.NewTokenService([]byte(c.SecretKey), c.AccessTokenValidityDuration)
	if err != nil {
		return nil, fmt.Errorf("token service init error: %w", err)
	}

	revoked, err := newRevocationStore(ctx, c)
	if err != nil {
		return nil, err
	}

	us, err := services.NewUserService(manager, rm, tokens, revoked,
		services.WithBcryptCost(c.BcryptCost),
		services.WithLogger(logger.With("module", "user_service")))
	if err != nil {
		_ = revoked.Close()
		return nil, fmt.Errorf("user service init error: %w", err)
	}

	// a nil *uploads.Presigner must not end up inside the interface
	var presigner httpserver.Presigner
	if c.UploadsEnabled() {
		p, err := uploads.NewPresigner(ctx, uploads.Options{
			Endpoint:  c.S3BaseEndpoint,
			Region:    c.S3Region,
			AccessKey: c.S3AccessKey,
			SecretKey: c.S3SecretKey,
			Bucket:    c.S3Bucket,
			Expiry:    c.UploadURLExpiry,
		})
		if err != nil {
			_ = revoked.Close()
			return nil, fmt.Errorf("uploads init error: %w", err)
		}
		presigner = p
	}

	hs, err := httpserver.NewHTTPServer(httpserver.Options{
		Address:            c.EndpointAddrHTTP,
		CookieName:         c.CookieName,
		SecureCookie:       !c.IsDevelopment(),
		ExposeErrors:       c.IsDevelopment(),
		LoginRatePerMinute: c.LoginRatePerMinute,
		LoginBurst:         c.LoginBurst,
		ShutdownTimeout:    c.ShutdownTimeout,
	}, logger, manager, us, tokens, revoked, presigner)
	if err != nil {
		_ = revoked.Close()
		return nil, fmt.Errorf("http server init error: %w", err)
	}

	return &App{
		config:      c,
		logger:      logger,
		db:          manager,
		revoked:     revoked,
		userService: us,
		http:        hs,
	}, nil
}

func newRevocationStore(ctx context.Context, c *config.Config) (revocation.Store, error) {
	if c.RedisURL == "" {
		return revocation.NewMemoryStore(), nil
	}
	rs, err := revocation.NewRedisStore(ctx, revocation.RedisOptions{
		URL:            c.RedisURL,
		ConnectTimeout: c.ConnectTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("revocation store init error: %w", err)
	}
	return rs, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

// seedAdmin creates the configured admin account. The database may not be
// up yet; a failure is logged and the server keeps starting.
func (app *App) seedAdmin(ctx context.Context) {
	if app.config.SeedAdminEmail == "" {
		return
	}
	created, err := app.userService.SeedAdmin(ctx, app.config.SeedAdminEmail,
		app.config.SeedAdminUsername, app.config.SeedAdminPassword)
	if err != nil {
		app.logger.Error(ctx, "seeding admin failed", "error", err)
		return
	}
	if created {
		app.logger.Info(ctx, "seed admin created", "email", app.config.SeedAdminEmail)
	}
}

func (app *App) startHTTPServer(ctx context.Context, cancelFunc context.CancelFunc) {
	if err := app.http.Run(ctx); err != nil {
		app.logger.Error(ctx, "http server stopped", "error", err)
		cancelFunc()
	}
}

// Run blocks until ctx is cancelled or SIGINT/SIGTERM/SIGQUIT arrives, then
// releases the database and revocation store.
func (app *App) Run(ctx context.Context) error {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...", "env", app.config.Env)

	app.initSignalHandler(cancelFunc)
	app.seedAdmin(ctx)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.startHTTPServer(ctx, cancelFunc)
	}()

	wg.Wait()

	app.logger.Info(context.Background(), "Shutting down...")
	return errors.Join(app.db.Close(), app.revoked.Close())
}
