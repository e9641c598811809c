package collab

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Authorizer decides whether a user may collaborate on a draft. It is consulted once per connection,
// before the peer attaches.
type Authorizer interface {
	CanEdit(ctx context.Context, userID, documentID string) (bool, error)
}

// AllowAll authorizes every request. Dev only.
type AllowAll struct{}

func (AllowAll) CanEdit(context.Context, string, string) (bool, error) { return true, nil }

// PostgresAccessStore authorizes through the tracker's ownership tables: a user may edit a draft they
// own, or a draft owned by a project they are a member of.
type PostgresAccessStore struct {
	pool   *pgxpool.Pool
	schema string
}

// AccessOption configures PostgresAccessStore behavior.
type AccessOption func(*PostgresAccessStore) error

// WithAccessSchema sets the DB schema used by the access store (default: "draftsync").
func WithAccessSchema(schema string) AccessOption {
	return func(s *PostgresAccessStore) error {
		schema, err := validSchema(schema)
		if err != nil {
			return err
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresAccessStore constructs an Authorizer backed by PostgreSQL.
func NewPostgresAccessStore(pool *pgxpool.Pool, opts ...AccessOption) (*PostgresAccessStore, error) {
	st := &PostgresAccessStore{
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

// CanEdit reports whether userID owns documentID directly or through project membership.
// Unknown drafts are denied.
func (s *PostgresAccessStore) CanEdit(ctx context.Context, userID, documentID string) (bool, error) {
	if s == nil || s.pool == nil {
		return false, errors.New("collab: nil access store")
	}
	userID = strings.TrimSpace(userID)
	documentID = strings.TrimSpace(documentID)
	if userID == "" || documentID == "" {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	drafts := pgIdent(s.schema, "drafts")
	members := pgIdent(s.schema, "project_members")

	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1
		   FROM `+drafts+` d
		  WHERE d.id = $1
		    AND (d.owner_user_id = $2
		         OR EXISTS (SELECT 1 FROM `+members+` m
		                     WHERE m.project_id = d.owner_project_id AND m.user_id = $2))`,
		documentID, userID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
