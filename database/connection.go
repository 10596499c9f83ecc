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

// InitSchema creates the long-horizon archive for security events. Redis
// holds the 30-day operational window; this table is what outlives it.
func (d *Database) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS security_event_archive (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		ip TEXT NOT NULL,
		user_id TEXT,
		email TEXT,
		endpoint TEXT,
		user_agent TEXT,
		severity TEXT NOT NULL,
		occurred_at TIMESTAMP NOT NULL,
		archived_at TIMESTAMP DEFAULT now()
	);

	CREATE INDEX IF NOT EXISTS idx_event_archive_type ON security_event_archive(event_type);
	CREATE INDEX IF NOT EXISTS idx_event_archive_ip ON security_event_archive(ip);
	CREATE INDEX IF NOT EXISTS idx_event_archive_severity ON security_event_archive(severity);
	CREATE INDEX IF NOT EXISTS idx_event_archive_occurred ON security_event_archive(occurred_at);
	`
	_, err := d.conn.Exec(schema)
	return err
}
