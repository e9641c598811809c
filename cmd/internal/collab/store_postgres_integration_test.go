package collab

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

func TestPostgresStore_SaveLoadUpsert(t *testing.T) {
	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	defer mustDropSchema(t, pool, schema)
	mustApplySchema(t, pool, schema)

	st, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	exerciseStore(t, st)

	// Saving over a row created by the tracker keeps its other columns.
	ctx := context.Background()
	drafts := pgIdent(schema, "drafts")
	if _, err := pool.Exec(ctx, `INSERT INTO `+drafts+` (id, name, owner_user_id) VALUES ('draft-2', 'Roadmap', 'user-1')`); err != nil {
		t.Fatalf("seed draft: %v", err)
	}
	if _, found, err := st.Load(ctx, "draft-2"); err != nil || found {
		t.Fatalf("draft without content should report found=false, got found=%v err=%v", found, err)
	}
	if err := st.Save(ctx, "draft-2", []byte("content")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	var name string
	if err := pool.QueryRow(ctx, `SELECT name FROM `+drafts+` WHERE id = 'draft-2'`).Scan(&name); err != nil {
		t.Fatalf("read name: %v", err)
	}
	if name != "Roadmap" {
		t.Fatalf("upsert clobbered name: %q", name)
	}
}

func TestPostgresAccessStore_CanEdit(t *testing.T) {
	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	defer mustDropSchema(t, pool, schema)
	mustApplySchema(t, pool, schema)

	ctx := context.Background()
	drafts := pgIdent(schema, "drafts")
	members := pgIdent(schema, "project_members")
	if _, err := pool.Exec(ctx, `INSERT INTO `+drafts+` (id, owner_user_id) VALUES ('personal', 'alice')`); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := pool.Exec(ctx, `INSERT INTO `+drafts+` (id, owner_project_id) VALUES ('team', 'proj-1')`); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := pool.Exec(ctx, `INSERT INTO `+members+` (project_id, user_id) VALUES ('proj-1', 'bob')`); err != nil {
		t.Fatalf("seed: %v", err)
	}

	access, err := NewPostgresAccessStore(pool, WithAccessSchema(schema))
	if err != nil {
		t.Fatalf("NewPostgresAccessStore: %v", err)
	}

	cases := []struct {
		user, draft string
		want        bool
	}{
		{"alice", "personal", true},
		{"bob", "personal", false},
		{"bob", "team", true},
		{"alice", "team", false},
		{"alice", "missing", false},
		{"", "personal", false},
	}
	for _, tc := range cases {
		got, err := access.CanEdit(ctx, tc.user, tc.draft)
		if err != nil {
			t.Fatalf("CanEdit(%q, %q): %v", tc.user, tc.draft, err)
		}
		if got != tc.want {
			t.Fatalf("CanEdit(%q, %q) = %v, want %v", tc.user, tc.draft, got, tc.want)
		}
	}
}

// ---- test helpers ----

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("DRAFTSYNC_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: DRAFTSYNC_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, raw)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer pingCancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		t.Fatalf("ping: %v", err)
	}
	return pool
}

func mustCreateTestSchema(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()

	id, err := NewConnectionID(time.Now())
	if err != nil {
		t.Fatalf("id: %v", err)
	}
	schema := "draftsync_it_" + strings.ToLower(id)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx, `CREATE SCHEMA `+pgx.Identifier{schema}.Sanitize()); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return schema
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}

func mustApplySchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Minimal subset of the tracker schema used by PostgresStore and PostgresAccessStore.
	schemaSQL := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  id               TEXT PRIMARY KEY,
  name             TEXT,
  owner_user_id    TEXT,
  owner_project_id TEXT,
  content          BYTEA,
  updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS %s (
  project_id TEXT NOT NULL,
  user_id    TEXT NOT NULL,
  PRIMARY KEY (project_id, user_id)
);`, pgIdent(schema, "drafts"), pgIdent(schema, "project_members"))

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
}
