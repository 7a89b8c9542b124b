// Package directory resolves user identities on top of the store. A deployment
// runs in exactly one Mode; the modes disagree on what a login means.
package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"hackchat/internal/apperr"
	"hackchat/internal/storage"
)

type Mode string

const (
	// ModePassword requires a username and password to register and log in.
	ModePassword Mode = "password"
	// ModeAnonymous logs in by display name alone, creating the user on first use.
	ModeAnonymous Mode = "anonymous"
)

// ParseMode validates a configured mode string.
func ParseMode(value string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(value))) {
	case ModePassword:
		return ModePassword, nil
	case ModeAnonymous:
		return ModeAnonymous, nil
	}
	return "", fmt.Errorf("unknown auth mode %q (want %q or %q)", value, ModePassword, ModeAnonymous)
}

// Users is the slice of the store the directory depends on.
type Users interface {
	CreateUser(ctx context.Context, username string, passwordHash []byte) (*storage.User, error)
	GetUserByUsername(ctx context.Context, username string) (*storage.User, error)
	GetUserByID(ctx context.Context, id string) (*storage.User, error)
	ListUsers(ctx context.Context, excludeID string) ([]storage.User, error)
	ListUserStats(ctx context.Context) ([]storage.UserStats, error)
	Reset(ctx context.Context) error
}

type Directory struct {
	users    Users
	mode     Mode
	hashCost int
	logger   *zap.Logger
}

type Option func(*Directory)

// WithHashCost lowers the bcrypt cost, mostly for tests.
func WithHashCost(cost int) Option {
	return func(d *Directory) { d.hashCost = cost }
}

func WithLogger(logger *zap.Logger) Option {
	return func(d *Directory) {
		if logger != nil {
			d.logger = logger
		}
	}
}

func New(users Users, mode Mode, opts ...Option) *Directory {
	d := &Directory{
		users:    users,
		mode:     mode,
		hashCost: bcrypt.DefaultCost,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Directory) Mode() Mode { return d.mode }

// GetOrCreate returns the user with this display name, creating it when absent.
// Only valid in anonymous mode.
func (d *Directory) GetOrCreate(ctx context.Context, displayName string) (*storage.User, error) {
	if d.mode != ModeAnonymous {
		return nil, apperr.Validation("password required")
	}
	name := strings.TrimSpace(displayName)
	if name == "" {
		return nil, apperr.Validation("display name is required")
	}
	user, err := d.users.GetUserByUsername(ctx, name)
	if err != nil {
		return nil, err
	}
	if user != nil {
		return user, nil
	}
	user, err = d.users.CreateUser(ctx, name, nil)
	if errors.Is(err, apperr.ErrDuplicateUser) {
		// lost a race with a concurrent first login under the same name
		return d.Get(ctx, "", name)
	}
	if err != nil {
		return nil, err
	}
	d.logger.Info("user created", zap.String("user_id", user.ID), zap.String("mode", string(d.mode)))
	return user, nil
}

// Create registers a password user. Fails with DuplicateUser on a taken name.
func (d *Directory) Create(ctx context.Context, username, password string) (*storage.User, error) {
	if d.mode != ModePassword {
		return d.GetOrCreate(ctx, username)
	}
	name := strings.TrimSpace(username)
	if name == "" || password == "" {
		return nil, apperr.Validation("username and password are required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), d.hashCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	user, err := d.users.CreateUser(ctx, name, hash)
	if err != nil {
		return nil, err
	}
	d.logger.Info("user created", zap.String("user_id", user.ID), zap.String("mode", string(d.mode)))
	return user, nil
}

// Authenticate verifies a password user. It fails with NotFound or
// InvalidCredentials; the HTTP layer must not tell them apart to the caller.
func (d *Directory) Authenticate(ctx context.Context, username, password string) (*storage.User, error) {
	if d.mode != ModePassword {
		return d.GetOrCreate(ctx, username)
	}
	name := strings.TrimSpace(username)
	if name == "" || password == "" {
		return nil, apperr.Validation("username and password are required")
	}
	user, err := d.users.GetUserByUsername(ctx, name)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, apperr.NotFound("user not found")
	}
	if len(user.PasswordHash) == 0 || bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(password)) != nil {
		return nil, apperr.InvalidCredentials("invalid credentials")
	}
	return user, nil
}

// Get looks a user up by id, or by username when id is empty.
func (d *Directory) Get(ctx context.Context, id, username string) (*storage.User, error) {
	var (
		user *storage.User
		err  error
	)
	if id != "" {
		user, err = d.users.GetUserByID(ctx, id)
	} else {
		user, err = d.users.GetUserByUsername(ctx, username)
	}
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, apperr.NotFound("user not found")
	}
	return user, nil
}

// List returns users alphabetically, optionally excluding one id.
func (d *Directory) List(ctx context.Context, excludeID string) ([]storage.User, error) {
	return d.users.ListUsers(ctx, excludeID)
}

// Stats lists users with their sent-message counts for the admin surface.
func (d *Directory) Stats(ctx context.Context) ([]storage.UserStats, error) {
	return d.users.ListUserStats(ctx)
}

// Reset deletes every user and, with them, every message.
func (d *Directory) Reset(ctx context.Context) error {
	if err := d.users.Reset(ctx); err != nil {
		return err
	}
	d.logger.Warn("directory reset")
	return nil
}
