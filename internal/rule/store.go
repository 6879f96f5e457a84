package rule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/carelink/fhirbridge/internal/mapping"
)

// ErrNotFound is returned when no matching rule exists.
var ErrNotFound = errors.New("sync rule not found")

// Store provides Postgres persistence for sync rules.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewStore creates a rule store.
func NewStore(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{pool: pool, logger: logger}
}

const ruleColumns = `id, name, resource_type, source_model, enabled, frequency,
	filter, field_mappings, transforms, validations, created_at, updated_at`

// Create persists a new rule and fills in its ID.
func (s *Store) Create(ctx context.Context, r *Rule) error {
	filter, _ := json.Marshal(r.Filter)
	mappings, _ := json.Marshal(r.FieldMappings)
	transforms, _ := json.Marshal(r.Transforms)
	validations, _ := json.Marshal(r.Validations)

	err := s.pool.QueryRow(ctx, `
		INSERT INTO sync_rules (name, resource_type, source_model, enabled, frequency,
			filter, field_mappings, transforms, validations, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now(), now())
		RETURNING id, created_at, updated_at`,
		r.Name, r.ResourceType, r.SourceModel, r.Enabled, string(r.Frequency),
		filter, mappings, transforms, validations,
	).Scan(&r.ID, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert sync rule: %w", err)
	}
	return nil
}

// GetByID fetches one rule.
func (s *Store) GetByID(ctx context.Context, id int64) (*Rule, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+ruleColumns+` FROM sync_rules WHERE id = $1`, id)
	r, err := scanRule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// Enabled returns all enabled rules ordered by id.
func (s *Store) Enabled(ctx context.Context) ([]*Rule, error) {
	return s.query(ctx, `SELECT `+ruleColumns+` FROM sync_rules WHERE enabled ORDER BY id`)
}

// EnabledByFrequency returns enabled rules with the given sync frequency,
// ordered by id.
func (s *Store) EnabledByFrequency(ctx context.Context, freq Frequency) ([]*Rule, error) {
	return s.query(ctx, `
		SELECT `+ruleColumns+` FROM sync_rules
		WHERE enabled AND frequency = $1
		ORDER BY id`, string(freq))
}

// ActiveForModel returns the effective enabled rule for a source model.
// When several enabled rules exist for the same model the lowest id wins;
// the choice is deterministic so real-time capture behavior is predictable.
func (s *Store) ActiveForModel(ctx context.Context, model string) (*Rule, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+ruleColumns+` FROM sync_rules
		WHERE enabled AND source_model = $1
		ORDER BY id
		LIMIT 1`, model)
	r, err := scanRule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// SetEnabled flips a rule's enable flag.
func (s *Store) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sync_rules SET enabled = $2, updated_at = now() WHERE id = $1`, id, enabled)
	if err != nil {
		return fmt.Errorf("update sync rule %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) query(ctx context.Context, sql string, args ...any) ([]*Rule, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query sync rules: %w", err)
	}
	defer rows.Close()

	var out []*Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRule(row pgx.Row) (*Rule, error) {
	var (
		r           Rule
		freq        string
		filter      []byte
		mappings    []byte
		transforms  []byte
		validations []byte
	)
	err := row.Scan(&r.ID, &r.Name, &r.ResourceType, &r.SourceModel, &r.Enabled, &freq,
		&filter, &mappings, &transforms, &validations, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Frequency = Frequency(freq)

	if len(filter) > 0 {
		if err := json.Unmarshal(filter, &r.Filter); err != nil {
			return nil, fmt.Errorf("decode rule %d filter: %w", r.ID, err)
		}
	}
	if len(mappings) > 0 {
		if err := json.Unmarshal(mappings, &r.FieldMappings); err != nil {
			return nil, fmt.Errorf("decode rule %d field mappings: %w", r.ID, err)
		}
	}
	if len(transforms) > 0 {
		r.Transforms = make(map[string]mapping.TransformRule)
		if err := json.Unmarshal(transforms, &r.Transforms); err != nil {
			return nil, fmt.Errorf("decode rule %d transforms: %w", r.ID, err)
		}
	}
	if len(validations) > 0 {
		if err := json.Unmarshal(validations, &r.Validations); err != nil {
			return nil, fmt.Errorf("decode rule %d validations: %w", r.ID, err)
		}
	}
	return &r, nil
}
