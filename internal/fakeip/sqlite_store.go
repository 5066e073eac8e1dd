package fakeip

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/feifeigood/swiftlink/internal/log"
)

const mappingsSchema = `CREATE TABLE IF NOT EXISTS 'Mappings' (
offset		  INTEGER PRIMARY KEY,
domain		  TEXT NOT NULL UNIQUE,
last_access	  INTEGER NOT NULL DEFAULT 0
)`

// sqliteStore persists mappings in a SQLite database so synthetic
// addresses keep resolving to the same domains across restarts.
type sqliteStore struct {
	mu    sync.Mutex
	db    *sql.DB
	clock int64 // monotonically increasing access counter
}

// NewSqliteStore opens (or creates) the mapping database at path.
func NewSqliteStore(path string) (Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory %s: %v", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open mapping database %s: %v", path, err)
	}

	if _, err := db.Exec(mappingsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize mapping database: %v", err)
	}

	s := &sqliteStore{db: db}

	// Resume the access counter past everything already recorded
	var clock sql.NullInt64
	if err := db.QueryRow("SELECT MAX(last_access) FROM Mappings").Scan(&clock); err == nil && clock.Valid {
		s.clock = clock.Int64
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM Mappings").Scan(&count); err == nil && count > 0 {
		log.Infof("Restored %d fake-IP mappings from %s", count, path)
	}

	return s, nil
}

func (s *sqliteStore) Lookup(domain string) (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var offset uint32
	err := s.db.QueryRow("SELECT offset FROM Mappings WHERE domain = ?", domain).Scan(&offset)
	if err != nil {
		if err != sql.ErrNoRows {
			log.Errorf("Mapping lookup for %s failed: %v", domain, err)
		}
		return 0, false
	}

	s.clock++
	if _, err := s.db.Exec("UPDATE Mappings SET last_access = ? WHERE domain = ?", s.clock, domain); err != nil {
		log.Errorf("Failed to touch mapping for %s: %v", domain, err)
	}
	return offset, true
}

func (s *sqliteStore) ReverseLookup(offset uint32) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var domain string
	err := s.db.QueryRow("SELECT domain FROM Mappings WHERE offset = ?", offset).Scan(&domain)
	if err != nil {
		if err != sql.ErrNoRows {
			log.Errorf("Reverse mapping lookup for offset %d failed: %v", offset, err)
		}
		return "", false
	}
	return domain, true
}

func (s *sqliteStore) All() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query("SELECT offset, domain FROM Mappings ORDER BY offset ASC")
	if err != nil {
		log.Errorf("Failed to list mappings: %v", err)
		return nil
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Offset, &e.Domain); err != nil {
			log.Errorf("Failed to scan mapping row: %v", err)
			continue
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		log.Errorf("Failed to iterate mappings: %v", err)
	}
	return entries
}

func (s *sqliteStore) Put(domain string, offset uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin mapping transaction: %v", err)
	}

	// The offset may be recycled from an evicted mapping and the domain
	// may have held a different offset before; clear both sides first.
	if _, err := tx.Exec("DELETE FROM Mappings WHERE offset = ? OR domain = ?", offset, domain); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to clear stale mapping: %v", err)
	}

	s.clock++
	if _, err := tx.Exec("INSERT INTO Mappings (offset, domain, last_access) VALUES (?, ?, ?)",
		offset, domain, s.clock); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to store mapping %s -> %d: %v", domain, offset, err)
	}

	return tx.Commit()
}

func (s *sqliteStore) EvictOldest() (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		log.Errorf("Failed to begin eviction transaction: %v", err)
		return 0, false
	}

	var offset uint32
	err = tx.QueryRow("SELECT offset FROM Mappings ORDER BY last_access ASC LIMIT 1").Scan(&offset)
	if err != nil {
		tx.Rollback()
		if err != sql.ErrNoRows {
			log.Errorf("Failed to find eviction candidate: %v", err)
		}
		return 0, false
	}

	if _, err := tx.Exec("DELETE FROM Mappings WHERE offset = ?", offset); err != nil {
		tx.Rollback()
		log.Errorf("Failed to evict mapping at offset %d: %v", offset, err)
		return 0, false
	}

	if err := tx.Commit(); err != nil {
		log.Errorf("Failed to commit eviction: %v", err)
		return 0, false
	}
	return offset, true
}

func (s *sqliteStore) MaxOffset() (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var offset sql.NullInt64
	if err := s.db.QueryRow("SELECT MAX(offset) FROM Mappings").Scan(&offset); err != nil || !offset.Valid {
		return 0, false
	}
	return uint32(offset.Int64), true
}

func (s *sqliteStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM Mappings").Scan(&count); err != nil {
		return 0
	}
	return count
}

func (s *sqliteStore) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM Mappings")
	return err
}

func (s *sqliteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
