package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"kinewatchd/internal/logger"
	"kinewatchd/internal/rate"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const rateConfigKey = "kinewatchConfig"

// Store persists the rate configuration in sqlite and notifies subscribers of changes.
// Every value read or written passes through rate normalization.
type Store struct {
	db     *sql.DB
	logger logger.Logger

	mutex       sync.Mutex
	subscribers map[int]chan rate.Config
	nextID      int
}

// Open opens (or creates) the settings database at path. ":memory:" keeps it in memory.
func Open(path string, log logger.Logger) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	createTableSQL := `
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}

	return &Store{
		db:          db,
		logger:      log,
		subscribers: make(map[int]chan rate.Config),
	}, nil
}

// Close closes the database and all subscription channels.
func (s *Store) Close() error {
	s.mutex.Lock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	s.mutex.Unlock()
	return s.db.Close()
}

// Get returns the stored configuration, or rate.Default when nothing has been saved.
func (s *Store) Get(ctx context.Context) (rate.Config, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", rateConfigKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return rate.Default, nil
	}
	if err != nil {
		return rate.Default, fmt.Errorf("failed to read rate config: %w", err)
	}

	var patch rate.Patch
	if err := json.Unmarshal([]byte(value), &patch); err != nil {
		s.logger.Warnf("Stored rate config is not valid JSON, using defaults: %v", err)
		return rate.Default, nil
	}
	return rate.FromPatch(patch), nil
}

// Set normalizes and saves cfg, then notifies subscribers. It returns the saved value.
func (s *Store) Set(ctx context.Context, cfg rate.Config) (rate.Config, error) {
	cfg = rate.Normalize(cfg)
	data, err := json.Marshal(cfg)
	if err != nil {
		return cfg, fmt.Errorf("failed to encode rate config: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO settings (key, value, updated_at)
		VALUES (?, ?, ?)`,
		rateConfigKey, string(data), time.Now().Unix())
	if err != nil {
		return cfg, fmt.Errorf("failed to save rate config: %w", err)
	}

	s.logger.Infof("Saved rate config %s", cfg)
	s.notify(cfg)
	return cfg, nil
}

// Subscribe returns a channel receiving every saved configuration and a function
// that ends the subscription. Slow subscribers only see the latest value.
func (s *Store) Subscribe() (<-chan rate.Config, func()) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	id := s.nextID
	s.nextID++
	ch := make(chan rate.Config, 1)
	s.subscribers[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mutex.Lock()
			defer s.mutex.Unlock()
			if sub, ok := s.subscribers[id]; ok {
				close(sub)
				delete(s.subscribers, id)
			}
		})
	}
	return ch, cancel
}

func (s *Store) notify(cfg rate.Config) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for _, ch := range s.subscribers {
		select {
		case ch <- cfg:
		default:
			// Drop the stale value so the newest one is delivered.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- cfg:
			default:
			}
		}
	}
}
