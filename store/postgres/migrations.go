package postgres

import (
	"context"

	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the gatekeeper store (PostgreSQL).
var Migrations = migrate.NewGroup("gatekeeper")

func init() {
	Migrations.MustRegister(
		&migrate.Migration{
			Name:    "create_permissions",
			Version: "20260101000001",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS gatekeeper_permissions (
    id            TEXT PRIMARY KEY,
    name          TEXT NOT NULL UNIQUE,
    resource_type TEXT NOT NULL,
    action        TEXT NOT NULL,
    scope         TEXT NOT NULL,
    description   TEXT NOT NULL DEFAULT '',
    conditions    JSONB,
    is_active     BOOLEAN NOT NULL DEFAULT TRUE,
    is_system     BOOLEAN NOT NULL DEFAULT FALSE,
    version       BIGINT NOT NULL DEFAULT 1,
    created_at    TIMESTAMPTZ NOT NULL,
    updated_at    TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS gatekeeper_permissions_active_identity
    ON gatekeeper_permissions (resource_type, action, scope) WHERE is_active;
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS gatekeeper_permissions`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_roles",
			Version: "20260101000002",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS gatekeeper_roles (
    id           TEXT PRIMARY KEY,
    name         TEXT NOT NULL UNIQUE,
    display_name TEXT NOT NULL DEFAULT '',
    description  TEXT NOT NULL DEFAULT '',
    level        INTEGER NOT NULL DEFAULT 0,
    parent_id    TEXT REFERENCES gatekeeper_roles (id),
    is_system    BOOLEAN NOT NULL DEFAULT FALSE,
    is_active    BOOLEAN NOT NULL DEFAULT TRUE,
    is_default   BOOLEAN NOT NULL DEFAULT FALSE,
    version      BIGINT NOT NULL DEFAULT 1,
    created_at   TIMESTAMPTZ NOT NULL,
    updated_at   TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS gatekeeper_roles_parent ON gatekeeper_roles (parent_id);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS gatekeeper_roles`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_role_grants",
			Version: "20260101000003",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS gatekeeper_role_grants (
    id             TEXT PRIMARY KEY,
    role_id        TEXT NOT NULL REFERENCES gatekeeper_roles (id) ON DELETE CASCADE,
    permission_id  TEXT NOT NULL REFERENCES gatekeeper_permissions (id),
    scope_override TEXT,
    source         TEXT NOT NULL DEFAULT 'manual',
    granted_by     TEXT NOT NULL DEFAULT '',
    created_at     TIMESTAMPTZ NOT NULL,
    UNIQUE (role_id, permission_id)
);

CREATE INDEX IF NOT EXISTS gatekeeper_role_grants_permission ON gatekeeper_role_grants (permission_id);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS gatekeeper_role_grants`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_assignments",
			Version: "20260101000004",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS gatekeeper_assignments (
    id          TEXT PRIMARY KEY,
    user_id     TEXT NOT NULL,
    role_id     TEXT NOT NULL REFERENCES gatekeeper_roles (id),
    assigned_at TIMESTAMPTZ NOT NULL,
    assigned_by TEXT NOT NULL DEFAULT '',
    expires_at  TIMESTAMPTZ,
    UNIQUE (user_id, role_id)
);

CREATE INDEX IF NOT EXISTS gatekeeper_assignments_role ON gatekeeper_assignments (role_id);
CREATE INDEX IF NOT EXISTS gatekeeper_assignments_expiry ON gatekeeper_assignments (expires_at)
    WHERE expires_at IS NOT NULL;
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS gatekeeper_assignments`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_user_grants",
			Version: "20260101000005",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS gatekeeper_user_grants (
    id            TEXT PRIMARY KEY,
    user_id       TEXT NOT NULL,
    permission_id TEXT NOT NULL REFERENCES gatekeeper_permissions (id),
    polarity      TEXT NOT NULL,
    scope         TEXT NOT NULL,
    reason        TEXT NOT NULL DEFAULT '',
    source        TEXT NOT NULL DEFAULT '',
    assigned_at   TIMESTAMPTZ NOT NULL,
    assigned_by   TEXT NOT NULL DEFAULT '',
    UNIQUE (user_id, permission_id)
);

CREATE INDEX IF NOT EXISTS gatekeeper_user_grants_permission ON gatekeeper_user_grants (permission_id);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS gatekeeper_user_grants`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_user_revisions",
			Version: "20260101000006",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS gatekeeper_user_revisions (
    user_id  TEXT PRIMARY KEY,
    revision BIGINT NOT NULL
);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS gatekeeper_user_revisions`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_templates",
			Version: "20260101000007",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS gatekeeper_templates (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL UNIQUE,
    description TEXT NOT NULL DEFAULT '',
    entries     JSONB NOT NULL DEFAULT '[]',
    version     BIGINT NOT NULL DEFAULT 1,
    created_at  TIMESTAMPTZ NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL
);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS gatekeeper_templates`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_audit_log",
			Version: "20260101000008",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS gatekeeper_audit_log (
    id           TEXT PRIMARY KEY,
    entity_type  TEXT NOT NULL,
    entity_id    TEXT NOT NULL,
    action       TEXT NOT NULL,
    actor_id     TEXT NOT NULL DEFAULT '',
    actor_ip     TEXT NOT NULL DEFAULT '',
    before_state JSONB,
    after_state  JSONB,
    created_at   TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS gatekeeper_audit_entity ON gatekeeper_audit_log (entity_type, entity_id, created_at);
CREATE INDEX IF NOT EXISTS gatekeeper_audit_created ON gatekeeper_audit_log (created_at);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS gatekeeper_audit_log`)
				return err
			},
		},
	)
}
