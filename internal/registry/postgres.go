package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/haven-ai/toolforge/internal/tool"
)

// toolStore abstracts DB queries for testability.
type toolStore interface {
	InsertTool(ctx context.Context, def *tool.Definition) error
	SelectTool(ctx context.Context, id string) (*tool.Definition, error)
	SelectLatest(ctx context.Context, principal, name string) (*tool.Definition, error)
	UpdateStatus(ctx context.Context, id string, status tool.Status) error
	SelectByPrincipal(ctx context.Context, principal string) ([]tool.Definition, error)
}

const toolColumns = `id, principal_id, tool_name, version, source, entry,
       capability, status, arg_schema, created_at`

// sqlToolStore is the real implementation using *sql.DB (pgx stdlib driver).
type sqlToolStore struct {
	db *sql.DB
}

func (s *sqlToolStore) InsertTool(ctx context.Context, def *tool.Definition) error {
	// Version is assigned inside the insert so concurrent registrations
	// of the same principal+name cannot race to the same number.
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO tools (id, principal_id, tool_name, version, source, entry,
		                   capability, status, arg_schema, created_at)
		VALUES ($1, $2, $3,
		        (SELECT COALESCE(MAX(version), 0) + 1
		         FROM tools WHERE principal_id = $2 AND tool_name = $3),
		        $4, $5, $6, $7, $8, $9)
		RETURNING version
	`, def.ID, def.Principal, def.Name, def.Source, def.Entry,
		string(def.Capability), string(def.Status), def.ArgSchema, def.CreatedAt)
	return row.Scan(&def.Version)
}

func (s *sqlToolStore) SelectTool(ctx context.Context, id string) (*tool.Definition, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+toolColumns+`
		FROM tools
		WHERE id = $1
	`, id)
	return scanTool(row)
}

func (s *sqlToolStore) SelectLatest(ctx context.Context, principal, name string) (*tool.Definition, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+toolColumns+`
		FROM tools
		WHERE principal_id = $1 AND tool_name = $2
		ORDER BY version DESC
		LIMIT 1
	`, principal, name)
	return scanTool(row)
}

func (s *sqlToolStore) UpdateStatus(ctx context.Context, id string, status tool.Status) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tools SET status = $1 WHERE id = $2
	`, string(status), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *sqlToolStore) SelectByPrincipal(ctx context.Context, principal string) ([]tool.Definition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+toolColumns+`
		FROM tools
		WHERE principal_id = $1
		ORDER BY created_at DESC
	`, principal)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []tool.Definition
	for rows.Next() {
		def, err := scanTool(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *def)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTool(row rowScanner) (*tool.Definition, error) {
	var def tool.Definition
	var capability, status string
	var argSchema sql.NullString
	if err := row.Scan(
		&def.ID, &def.Principal, &def.Name, &def.Version, &def.Source,
		&def.Entry, &capability, &status, &argSchema, &def.CreatedAt,
	); err != nil {
		return nil, err
	}
	def.Capability = tool.Capability(capability)
	def.Status = tool.Status(status)
	if argSchema.Valid && argSchema.String != "" {
		def.ArgSchema = []byte(argSchema.String)
	}
	return &def, nil
}

// PostgresRegistry stores tool definitions in Postgres with a
// stale-while-revalidate cache in front of Get, the invoke hot path.
type PostgresRegistry struct {
	store  toolStore
	cache  *Cache
	logger *zap.Logger
}

// PostgresRegistryConfig configures the PostgresRegistry.
type PostgresRegistryConfig struct {
	DB       *sql.DB
	CacheTTL time.Duration
	Logger   *zap.Logger
}

// NewPostgresRegistry creates a new PostgresRegistry.
func NewPostgresRegistry(cfg PostgresRegistryConfig) *PostgresRegistry {
	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = 60 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresRegistry{
		store:  &sqlToolStore{db: cfg.DB},
		cache:  NewCache(ttl),
		logger: logger,
	}
}

// newPostgresRegistryWithStore creates a registry with a custom store (for testing).
func newPostgresRegistryWithStore(store toolStore, cacheTTL time.Duration, logger *zap.Logger) *PostgresRegistry {
	if cacheTTL == 0 {
		cacheTTL = 60 * time.Second
	}
	return &PostgresRegistry{
		store:  store,
		cache:  NewCache(cacheTTL),
		logger: logger,
	}
}

func (r *PostgresRegistry) Create(ctx context.Context, def *tool.Definition) error {
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	if def.CreatedAt.IsZero() {
		def.CreatedAt = time.Now().UTC()
	}
	if def.Status == "" {
		def.Status = tool.StatusActive
	}
	if err := r.store.InsertTool(ctx, def); err != nil {
		return fmt.Errorf("Create: %w", err)
	}
	r.cache.Set(def.ID, def)
	return nil
}

func (r *PostgresRegistry) Get(ctx context.Context, id string) (*tool.Definition, error) {
	cached := r.cache.Get(id)
	if cached.Hit {
		if cached.NeedsRefresh {
			go r.refreshInBackground(id)
		}
		if cached.Def == nil {
			return nil, ErrNotFound
		}
		return cached.Def, nil
	}

	def, err := r.store.SelectTool(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Negative cache: ID not registered.
			r.cache.Set(id, nil)
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("Get: %w", err)
	}

	r.cache.Set(id, def)
	return def, nil
}

func (r *PostgresRegistry) refreshInBackground(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	def, err := r.store.SelectTool(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			r.cache.Set(id, nil)
			return
		}
		r.logger.Warn("background tool registry refresh failed",
			zap.String("tool_id", id),
			zap.Error(err),
		)
		return
	}
	r.cache.Set(id, def)
}

func (r *PostgresRegistry) Lookup(ctx context.Context, principal, name string) (*tool.Definition, error) {
	def, err := r.store.SelectLatest(ctx, principal, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("Lookup: %w", err)
	}
	return def, nil
}

func (r *PostgresRegistry) Disable(ctx context.Context, id string) error {
	if err := r.store.UpdateStatus(ctx, id, tool.StatusDisabled); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("Disable: %w", err)
	}
	r.cache.Delete(id)
	return nil
}

func (r *PostgresRegistry) List(ctx context.Context, principal string) ([]tool.Definition, error) {
	defs, err := r.store.SelectByPrincipal(ctx, principal)
	if err != nil {
		return nil, fmt.Errorf("List: %w", err)
	}
	return defs, nil
}
