package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// schemaLockKey serializes bootstrap DDL across worker startups.
const schemaLockKey int64 = 2026101901

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func EnsureSchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, schemaLockKey); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS organizations (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	organization_number INTEGER NOT NULL,
	name TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (tenant_id)
);

CREATE TABLE IF NOT EXISTS facilities (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	organization_id TEXT NOT NULL REFERENCES organizations(id),
	name TEXT NOT NULL,
	npi TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_facilities_tenant ON facilities(tenant_id);

CREATE TABLE IF NOT EXISTS patients (
	tenant_id TEXT NOT NULL,
	id TEXT NOT NULL,
	facility_ids JSONB NOT NULL DEFAULT '[]'::jsonb,
	demographics JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tenant_id, id)
);

CREATE TABLE IF NOT EXISTS patient_network_identities (
	tenant_id TEXT NOT NULL,
	patient_id TEXT NOT NULL,
	source TEXT NOT NULL,
	remote_patient_id TEXT NOT NULL,
	remote_person_id TEXT,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tenant_id, patient_id, source),
	FOREIGN KEY (tenant_id, patient_id) REFERENCES patients(tenant_id, id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS document_query_status (
	tenant_id TEXT NOT NULL,
	patient_id TEXT NOT NULL,
	status TEXT NOT NULL,
	completed INTEGER NOT NULL DEFAULT 0,
	total INTEGER NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tenant_id, patient_id),
	CHECK (completed >= 0 AND completed <= total)
);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}
