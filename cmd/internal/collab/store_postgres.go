package collab

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by the drafts table of the tracker database.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Save upserts, so a draft row created by the REST layer keeps its name and owner columns.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "draftsync").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema, err := validSchema(schema)
		if err != nil {
			return err
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "draftsync",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("collab: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// Load returns the stored content of a draft. A missing row or a NULL content column reports found=false.
func (s *PostgresStore) Load(ctx context.Context, documentID string) ([]byte, bool, error) {
	if s == nil || s.pool == nil {
		return nil, false, errors.New("collab: nil store")
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	drafts := pgIdent(s.schema, "drafts")

	var content []byte
	err := s.pool.QueryRow(ctx,
		`SELECT content FROM `+drafts+` WHERE id = $1`,
		documentID,
	).Scan(&content)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if content == nil {
		return nil, false, nil
	}
	return content, true, nil
}

// Save stores state as the draft's content.
func (s *PostgresStore) Save(ctx context.Context, documentID string, state []byte) error {
	if s == nil || s.pool == nil {
		return errors.New("collab: nil store")
	}
	if documentID == "" {
		return ErrInvalidDocumentID
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	drafts := pgIdent(s.schema, "drafts")

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+drafts+` (id, content, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (id) DO UPDATE
		    SET content = EXCLUDED.content,
		        updated_at = EXCLUDED.updated_at`,
		documentID, state,
	)
	return err
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func validSchema(schema string) (string, error) {
	schema = strings.TrimSpace(schema)
	if schema == "" {
		return "", errors.New("collab: empty schema")
	}
	if !isValidPGIdent(schema) {
		return "", errors.New("collab: invalid schema identifier")
	}
	return schema, nil
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
