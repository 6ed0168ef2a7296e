// Package sqlite implements store.Store on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/interlink-irc/interlink/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS links (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	channel      TEXT NOT NULL,
	home_network TEXT NOT NULL,
	created_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (channel, home_network)
);

CREATE TABLE IF NOT EXISTS link_networks (
	link_id INTEGER NOT NULL REFERENCES links(id) ON DELETE CASCADE,
	network TEXT NOT NULL,
	UNIQUE (link_id, network)
);

CREATE TABLE IF NOT EXISTS link_claims (
	link_id INTEGER NOT NULL REFERENCES links(id) ON DELETE CASCADE,
	network TEXT NOT NULL,
	UNIQUE (link_id, network)
);
`

// SQLiteStore implements store.Store for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// New opens (or creates) the database at dbPath and applies the schema.
func New(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite works best with a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveLink inserts or replaces the link identified by (channel, home).
func (s *SQLiteStore) SaveLink(ctx context.Context, link store.Link) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM links WHERE channel = ? AND home_network = ?`,
		link.Channel, link.Home); err != nil {
		return 0, fmt.Errorf("delete old link: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO links (channel, home_network) VALUES (?, ?)`,
		link.Channel, link.Home)
	if err != nil {
		return 0, fmt.Errorf("insert link: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}

	for _, n := range link.Networks {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO link_networks (link_id, network) VALUES (?, ?)`, id, n); err != nil {
			return 0, fmt.Errorf("insert member %s: %w", n, err)
		}
	}
	for _, n := range link.Claim {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO link_claims (link_id, network) VALUES (?, ?)`, id, n); err != nil {
			return 0, fmt.Errorf("insert claim %s: %w", n, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

// DeleteLink removes a link; members and claims cascade.
func (s *SQLiteStore) DeleteLink(ctx context.Context, channel, home string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM links WHERE channel = ? AND home_network = ?`, channel, home); err != nil {
		return fmt.Errorf("delete link: %w", err)
	}
	return nil
}

// ListLinks returns every persisted link.
func (s *SQLiteStore) ListLinks(ctx context.Context) ([]store.Link, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, channel, home_network, created_at FROM links ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("select links: %w", err)
	}
	defer rows.Close()

	var links []store.Link
	for rows.Next() {
		var l store.Link
		if err := rows.Scan(&l.ID, &l.Channel, &l.Home, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan link: %w", err)
		}
		links = append(links, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate links: %w", err)
	}

	for i := range links {
		if links[i].Networks, err = s.networks(ctx, "link_networks", links[i].ID); err != nil {
			return nil, err
		}
		if links[i].Claim, err = s.networks(ctx, "link_claims", links[i].ID); err != nil {
			return nil, err
		}
	}
	return links, nil
}

// SetClaim replaces a link's claim list.
func (s *SQLiteStore) SetClaim(ctx context.Context, channel, home string, networks []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM links WHERE channel = ? AND home_network = ?`, channel, home).Scan(&id)
	if err != nil {
		return fmt.Errorf("find link: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM link_claims WHERE link_id = ?`, id); err != nil {
		return fmt.Errorf("clear claims: %w", err)
	}
	for _, n := range networks {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO link_claims (link_id, network) VALUES (?, ?)`, id, n); err != nil {
			return fmt.Errorf("insert claim %s: %w", n, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) networks(ctx context.Context, table string, linkID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT network FROM `+table+` WHERE link_id = ? ORDER BY network`, linkID)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", table, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
