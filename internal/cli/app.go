// Package cli implements the operator command line: schema migration, admin
// bootstrap and password hashing. It talks to the database directly and
// shares the server configuration.
package cli

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/dmitrijs2005/siteauth/internal/flagx"
	"github.com/dmitrijs2005/siteauth/internal/logging"
	"github.com/dmitrijs2005/siteauth/internal/server/auth"
	"github.com/dmitrijs2005/siteauth/internal/server/config"
	"github.com/dmitrijs2005/siteauth/internal/server/db"
	"github.com/dmitrijs2005/siteauth/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/siteauth/internal/server/revocation"
	"github.com/dmitrijs2005/siteauth/internal/server/services"
)

const usage = `usage: siteauth-cli <command> [flags]

commands:
  migrate                               apply database migrations
  create-admin -email E [-username U]   create an admin account (password is prompted)
  hash-password [-cost N]               print a bcrypt hash of a prompted password
  gen-secret [-bytes N]                 print a random hex token signing secret
`

var ErrUsage = errors.New("invalid usage")

type App struct {
	in     *bufio.Reader
	out    io.Writer
	logger logging.Logger

	// loadConfig is a seam for tests.
	loadConfig func(args []string) (*config.Config, error)
}

func NewApp(in io.Reader, out io.Writer, logger logging.Logger) *App {
	return &App{
		in:         bufio.NewReader(in),
		out:        out,
		logger:     logger,
		loadConfig: config.Load,
	}
}

// Run dispatches args[0]. Remaining args may mix server config flags (see
// config.Load) and command flags.
func (a *App) Run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		fmt.Fprint(a.out, usage)
		return ErrUsage
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "migrate":
		return a.migrate(ctx, rest)
	case "create-admin":
		return a.createAdmin(ctx, rest)
	case "hash-password":
		return a.hashPassword(rest)
	case "gen-secret":
		return a.genSecret(rest)
	case "help", "-h", "--help":
		fmt.Fprint(a.out, usage)
		return nil
	default:
		fmt.Fprintf(a.out, "unknown command %q\n%s", cmd, usage)
		return ErrUsage
	}
}

func (a *App) connect(ctx context.Context, cfg *config.Config) (*db.Manager, repomanager.RepositoryManager, error) {
	rm, err := repomanager.NewSQLRepositoryManager(cfg.DatabaseDriver)
	if err != nil {
		return nil, nil, err
	}

	m := db.NewManager(db.NewConnector(db.OpenOptions{
		Driver:           cfg.DatabaseDriver,
		DSN:              cfg.DatabaseDSN,
		ConnectTimeout:   cfg.ConnectTimeout,
		MigrateOnConnect: true,
	}, rm), db.WithConnectTimeout(cfg.ConnectTimeout), db.WithLogger(a.logger))

	if _, err := m.EnsureConnected(ctx); err != nil {
		return nil, nil, err
	}
	return m, rm, nil
}

func (a *App) migrate(ctx context.Context, args []string) error {
	cfg, err := a.loadConfig(args)
	if err != nil {
		return err
	}

	m, _, err := a.connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer m.Close()

	fmt.Fprintln(a.out, "migrations applied")
	return nil
}

func (a *App) createAdmin(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("create-admin", flag.ContinueOnError)
	fs.SetOutput(a.out)
	email := fs.String("email", "", "admin email")
	username := fs.String("username", "admin", "admin username")
	if err := fs.Parse(flagx.FilterArgs(args, []string{"-email", "-username"})); err != nil {
		return err
	}

	if *email == "" {
		v, err := GetSimpleText(a.in, "Admin email", a.out)
		if err != nil {
			return err
		}
		*email = v
	}
	if *email == "" {
		return fmt.Errorf("%w: email is required", ErrUsage)
	}

	password, err := GetNewPassword(a.out)
	if err != nil {
		return err
	}

	cfg, err := a.loadConfig(args)
	if err != nil {
		return err
	}

	m, rm, err := a.connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer m.Close()

	tokens, err := auth.NewTokenService([]byte(cfg.SecretKey), cfg.AccessTokenValidityDuration)
	if err != nil {
		return err
	}
	us, err := services.NewUserService(m, rm, tokens, revocation.NewMemoryStore(),
		services.WithBcryptCost(cfg.BcryptCost), services.WithLogger(a.logger))
	if err != nil {
		return err
	}

	created, err := us.SeedAdmin(ctx, *email, *username, password)
	if err != nil {
		return err
	}
	if !created {
		fmt.Fprintf(a.out, "user %s already exists\n", *email)
		return nil
	}
	fmt.Fprintf(a.out, "admin %s created\n", *email)
	return nil
}

func (a *App) hashPassword(args []string) error {
	fs := flag.NewFlagSet("hash-password", flag.ContinueOnError)
	fs.SetOutput(a.out)
	cost := fs.Int("cost", auth.DefaultBcryptCost, "bcrypt cost")
	if err := fs.Parse(flagx.FilterArgs(args, []string{"-cost"})); err != nil {
		return err
	}

	password, err := GetNewPassword(a.out)
	if err != nil {
		return err
	}

	hash, err := auth.HashPassword(password, *cost)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, hash)
	return nil
}

// minSecretBytes matches the production secret length check in config.
const minSecretBytes = 32

func (a *App) genSecret(args []string) error {
	fs := flag.NewFlagSet("gen-secret", flag.ContinueOnError)
	fs.SetOutput(a.out)
	size := fs.Int("bytes", minSecretBytes, "random bytes before hex encoding")
	if err := fs.Parse(flagx.FilterArgs(args, []string{"-bytes"})); err != nil {
		return err
	}
	if *size < minSecretBytes/2 {
		return fmt.Errorf("%w: -bytes must be at least %d", ErrUsage, minSecretBytes/2)
	}

	b := make([]byte, *size)
	if _, err := rand.Read(b); err != nil {
		return err
	}
	fmt.Fprintln(a.out, hex.EncodeToString(b))
	return nil
}
