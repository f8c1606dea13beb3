package database

import (
	"database/sql"
	"time"

	_ "github.com/lib/pq"
)

type Database struct {
	conn *sql.DB
}

func New(dsn string) (*Database, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &Database{conn: db}, nil
}

func (d *Database) Conn() *sql.DB {
	return d.conn
}

func (d *Database) Close() error {
	return d.conn.Close()
}

func (d *Database) Ping() error {
	return d.conn.Ping()
}

func (d *Database) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		email TEXT UNIQUE NOT NULL,
		tier TEXT CHECK (tier IN ('FREE', 'BASIC', 'PREMIUM', 'ENTERPRISE', 'UNLIMITED')) DEFAULT 'FREE',
		created_at TIMESTAMP DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS api_keys (
		key_id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		owner_user_id UUID REFERENCES users(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		secret_hash TEXT UNIQUE NOT NULL,
		tier TEXT NOT NULL DEFAULT 'FREE',
		rate_limit INT NOT NULL DEFAULT 0,
		window_ms BIGINT NOT NULL DEFAULT 0,
		burst INT NOT NULL DEFAULT 0,
		scopes TEXT[] NOT NULL DEFAULT '{}',
		is_active BOOLEAN NOT NULL DEFAULT true,
		is_revoked BOOLEAN NOT NULL DEFAULT false,
		expires_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL DEFAULT now(),
		last_used_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS breach_events (
		id UUID PRIMARY KEY,
		ip TEXT NOT NULL,
		endpoint TEXT,
		breach_type TEXT NOT NULL,
		severity TEXT NOT NULL,
		occurred_at TIMESTAMP NOT NULL,
		details JSONB,
		resolved BOOLEAN NOT NULL DEFAULT false
	);

	CREATE INDEX IF NOT EXISTS idx_api_keys_owner ON api_keys(owner_user_id);
	CREATE INDEX IF NOT EXISTS idx_api_keys_hash ON api_keys(secret_hash);
	CREATE INDEX IF NOT EXISTS idx_breach_events_ip ON breach_events(ip);
	CREATE INDEX IF NOT EXISTS idx_breach_events_occurred ON breach_events(occurred_at);
	`
	_, err := d.conn.Exec(schema)
	return err
}
