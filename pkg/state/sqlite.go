package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/crozzbite/phylactery/pkg/graph"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the durable Store. One row per thread; the snapshot column
// holds the codec's output (plaintext JSON or a sealed blob).
type SQLiteStore struct {
	db    *sql.DB
	codec *Codec
}

// OpenSQLite opens (or creates) the database at path and runs migrations.
func OpenSQLite(path string, codec *Codec) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("state: open %s: %w", path, err)
	}
	// modernc sqlite serializes writes internally; a single connection
	// avoids SQLITE_BUSY churn under concurrent threads.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, codec: codec}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS threads (
        thread_id TEXT PRIMARY KEY,
        snapshot BLOB NOT NULL,
        updated_at DATETIME NOT NULL
    );`
	_, err := s.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("state: migrate: %w", err)
	}
	return nil
}

// Load implements Store.
func (s *SQLiteStore) Load(ctx context.Context, threadID string) (*graph.State, error) {
	var data []byte
	row := s.db.QueryRowContext(ctx,
		`SELECT snapshot FROM threads WHERE thread_id = ?`, threadID)
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("state: load %s: %w", threadID, err)
	}
	return s.codec.Decode(data)
}

// Save implements Store.
func (s *SQLiteStore) Save(ctx context.Context, st *graph.State) error {
	data, err := s.codec.Encode(st)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO threads (thread_id, snapshot, updated_at)
        VALUES (?, ?, ?)
        ON CONFLICT(thread_id) DO UPDATE SET
            snapshot = excluded.snapshot,
            updated_at = excluded.updated_at`,
		st.ThreadID, data, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("state: save %s: %w", st.ThreadID, err)
	}
	return nil
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, threadID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM threads WHERE thread_id = ?`, threadID)
	if err != nil {
		return fmt.Errorf("state: delete %s: %w", threadID, err)
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
