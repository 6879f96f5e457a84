// Package config holds the named SyncConfig connection profiles for remote
// FHIR servers and their Postgres store.
package config

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Auth modes for outbound FHIR requests.
const (
	AuthNone   = "none"
	AuthBasic  = "basic"
	AuthBearer = "bearer"
	AuthOAuth2 = "oauth2"
)

// ErrNotFound is returned when no profile with the requested name exists.
var ErrNotFound = errors.New("sync config not found")

// SyncConfig is one named connection profile. It is looked up by name at
// sync service construction and treated as immutable for the service's
// lifetime.
type SyncConfig struct {
	ID   int64
	Name string

	BaseURL           string
	TimeoutSeconds    int
	RetryAttempts     int
	RetryDelaySeconds int

	AuthType string
	Username string
	Password string
	Token    string

	// OAuth2 client credentials; the obtained token is sent as a bearer.
	ClientID     string
	ClientSecret string
	TokenURL     string

	Active bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Timeout returns the per-request timeout, defaulting to 30s.
func (c *SyncConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Validate reports configuration errors that must fail service construction.
func (c *SyncConfig) Validate() error {
	if !c.Active {
		return fmt.Errorf("sync config %q is inactive", c.Name)
	}
	if c.BaseURL == "" {
		return fmt.Errorf("sync config %q has no base URL", c.Name)
	}
	switch c.AuthType {
	case "", AuthNone, AuthBearer:
	case AuthBasic:
		if c.Username == "" {
			return fmt.Errorf("sync config %q: basic auth requires a username", c.Name)
		}
	case AuthOAuth2:
		if c.ClientID == "" || c.TokenURL == "" {
			return fmt.Errorf("sync config %q: oauth2 requires client id and token url", c.Name)
		}
	default:
		return fmt.Errorf("sync config %q: unknown auth type %q", c.Name, c.AuthType)
	}
	return nil
}

// Store provides Postgres persistence for sync configs.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewStore creates a config store.
func NewStore(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{pool: pool, logger: logger}
}

const configColumns = `id, name, base_url, timeout_seconds, retry_attempts, retry_delay_seconds,
	auth_type, username, password, token, client_id, client_secret, token_url,
	active, created_at, updated_at`

// Create persists a new profile.
func (s *Store) Create(ctx context.Context, c *SyncConfig) error {
	if c.AuthType == "" {
		c.AuthType = AuthNone
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO sync_configs (name, base_url, timeout_seconds, retry_attempts, retry_delay_seconds,
			auth_type, username, password, token, client_id, client_secret, token_url,
			active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, now(), now())
		RETURNING id, created_at, updated_at`,
		c.Name, c.BaseURL, c.TimeoutSeconds, c.RetryAttempts, c.RetryDelaySeconds,
		c.AuthType, c.Username, c.Password, c.Token, c.ClientID, c.ClientSecret, c.TokenURL,
		c.Active,
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert sync config: %w", err)
	}
	return nil
}

// GetByName fetches one profile.
func (s *Store) GetByName(ctx context.Context, name string) (*SyncConfig, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+configColumns+` FROM sync_configs WHERE name = $1`, name)

	var c SyncConfig
	err := row.Scan(&c.ID, &c.Name, &c.BaseURL, &c.TimeoutSeconds, &c.RetryAttempts, &c.RetryDelaySeconds,
		&c.AuthType, &c.Username, &c.Password, &c.Token, &c.ClientID, &c.ClientSecret, &c.TokenURL,
		&c.Active, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query sync config %q: %w", name, err)
	}
	return &c, nil
}
