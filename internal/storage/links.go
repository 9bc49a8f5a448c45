package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Mirror is one copy of a relayed message on another service
type Mirror struct {
	Bridge string
	Chat   string
	ID     string
}

// LinkStore remembers which mirrored messages belong to which source
// message, so edits and deletes can follow them
type LinkStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenLinks opens (or creates) the sqlite database and initializes the schema.
func OpenLinks(path string) (*LinkStore, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &LinkStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *LinkStore) Close() error { return s.db.Close() }

func (s *LinkStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS links (
		src_bridge TEXT NOT NULL,
		src_id     TEXT NOT NULL,
		dst_bridge TEXT NOT NULL,
		dst_chat   TEXT NOT NULL,
		dst_id     TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (src_bridge, src_id, dst_bridge, dst_chat, dst_id)
	);
	CREATE INDEX IF NOT EXISTS idx_links_created ON links(created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record links a mirror to its source message. Recording twice is a no-op.
func (s *LinkStore) Record(srcBridge, srcID string, m Mirror) error {
	now := s.now().Unix()
	return retryOp(defaultRetryConfig, func() error {
		_, err := s.db.Exec(
			`INSERT OR IGNORE INTO links (src_bridge, src_id, dst_bridge, dst_chat, dst_id, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			srcBridge, srcID, m.Bridge, m.Chat, m.ID, now,
		)
		return err
	})
}

// Mirrors returns the copies dstBridge made of a source message
func (s *LinkStore) Mirrors(srcBridge, srcID, dstBridge string) ([]Mirror, error) {
	rows, err := s.db.Query(
		`SELECT dst_bridge, dst_chat, dst_id FROM links
		 WHERE src_bridge = ? AND src_id = ? AND dst_bridge = ?
		 ORDER BY rowid`,
		srcBridge, srcID, dstBridge,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Mirror
	for rows.Next() {
		var m Mirror
		if err := rows.Scan(&m.Bridge, &m.Chat, &m.ID); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Forget drops every link of a source message
func (s *LinkStore) Forget(srcBridge, srcID string) error {
	return retryOp(defaultRetryConfig, func() error {
		_, err := s.db.Exec(`DELETE FROM links WHERE src_bridge = ? AND src_id = ?`, srcBridge, srcID)
		return err
	})
}

// Prune deletes links older than maxAge and returns how many went
func (s *LinkStore) Prune(maxAge time.Duration) (int64, error) {
	cutoff := s.now().Add(-maxAge).Unix()
	var n int64
	err := retryOp(defaultRetryConfig, func() error {
		res, err := s.db.Exec(`DELETE FROM links WHERE created_at < ?`, cutoff)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}
