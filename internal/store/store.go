// Package store keeps resolved platform ids and the last fetched emote and
// badge sets in SQLite, so a restart can render a channel before the
// providers answer.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"chatcore/internal/domain"

	_ "modernc.org/sqlite"
)

// Resolved is a platform login mapped to its numeric ids.
type Resolved struct {
	Platform   domain.Platform
	Login      string
	UserID     string
	ChatroomID int64 // kick only
	UpdatedAt  time.Time
}

type Stats struct {
	ResolvedIDs int
	EmoteSets   int
	BadgeSets   int
}

// SQLiteStore is safe for concurrent use; database/sql serializes access
// over the single connection.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger, now: time.Now}, nil
}

// SaveResolved upserts a login → id mapping.
func (s *SQLiteStore) SaveResolved(ctx context.Context, r Resolved) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO resolved_ids (platform, login, user_id, chatroom_id, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(platform, login) DO UPDATE SET
			user_id = excluded.user_id,
			chatroom_id = excluded.chatroom_id,
			updated_at = excluded.updated_at`,
		string(r.Platform), strings.ToLower(r.Login), r.UserID, r.ChatroomID, s.now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save resolved %s/%s: %w", r.Platform, r.Login, err)
	}
	return nil
}

// LookupResolved returns nil, nil when the login was never resolved.
func (s *SQLiteStore) LookupResolved(ctx context.Context, platform domain.Platform, login string) (*Resolved, error) {
	r := Resolved{Platform: platform, Login: strings.ToLower(login)}
	var updated int64
	err := s.db.QueryRowContext(ctx,
		"SELECT user_id, chatroom_id, updated_at FROM resolved_ids WHERE platform = ? AND login = ?",
		string(platform), r.Login,
	).Scan(&r.UserID, &r.ChatroomID, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup resolved %s/%s: %w", platform, login, err)
	}
	r.UpdatedAt = time.UnixMilli(updated)
	return &r, nil
}

// SaveEmotes replaces the emote set stored under key.
func (s *SQLiteStore) SaveEmotes(ctx context.Context, key string, emotes []domain.Emote) error {
	data, err := json.Marshal(emotes)
	if err != nil {
		return fmt.Errorf("encode emotes: %w", err)
	}
	return s.saveSet(ctx, "emote_sets", "emotes", key, data)
}

// LoadEmotes returns the stored set and when it was fetched. A missing set
// yields a zero time.
func (s *SQLiteStore) LoadEmotes(ctx context.Context, key string) ([]domain.Emote, time.Time, error) {
	data, at, err := s.loadSet(ctx, "emote_sets", "emotes", key)
	if err != nil || data == nil {
		return nil, at, err
	}
	var emotes []domain.Emote
	if err := json.Unmarshal(data, &emotes); err != nil {
		return nil, time.Time{}, fmt.Errorf("decode emote set %s: %w", key, err)
	}
	return emotes, at, nil
}

func (s *SQLiteStore) SaveBadges(ctx context.Context, key string, badges domain.BadgeMap) error {
	data, err := json.Marshal(badges)
	if err != nil {
		return fmt.Errorf("encode badges: %w", err)
	}
	return s.saveSet(ctx, "badge_sets", "badges", key, data)
}

func (s *SQLiteStore) LoadBadges(ctx context.Context, key string) (domain.BadgeMap, time.Time, error) {
	data, at, err := s.loadSet(ctx, "badge_sets", "badges", key)
	if err != nil || data == nil {
		return nil, at, err
	}
	var badges domain.BadgeMap
	if err := json.Unmarshal(data, &badges); err != nil {
		return nil, time.Time{}, fmt.Errorf("decode badge set %s: %w", key, err)
	}
	return badges, at, nil
}

// table and column are package constants, never caller input.
func (s *SQLiteStore) saveSet(ctx context.Context, table, column, key string, data []byte) error {
	q := fmt.Sprintf(`INSERT INTO %s (set_key, %s, fetched_at) VALUES (?, ?, ?)
		ON CONFLICT(set_key) DO UPDATE SET %s = excluded.%s, fetched_at = excluded.fetched_at`,
		table, column, column, column)
	if _, err := s.db.ExecContext(ctx, q, key, string(data), s.now().UnixMilli()); err != nil {
		return fmt.Errorf("save %s %s: %w", table, key, err)
	}
	return nil
}

func (s *SQLiteStore) loadSet(ctx context.Context, table, column, key string) ([]byte, time.Time, error) {
	var (
		data    string
		fetched int64
	)
	q := fmt.Sprintf("SELECT %s, fetched_at FROM %s WHERE set_key = ?", column, table)
	err := s.db.QueryRowContext(ctx, q, key).Scan(&data, &fetched)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, nil
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("load %s %s: %w", table, key, err)
	}
	return []byte(data), time.UnixMilli(fetched), nil
}

// Prune deletes sets fetched before the cutoff and returns how many rows
// went.
func (s *SQLiteStore) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := s.now().Add(-olderThan).UnixMilli()
	var total int64
	for _, table := range []string{"emote_sets", "badge_sets"} {
		res, err := s.db.ExecContext(ctx, "DELETE FROM "+table+" WHERE fetched_at < ?", cutoff)
		if err != nil {
			return total, fmt.Errorf("prune %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if total > 0 {
		s.logger.Info("store pruned", "rows", total, "older_than", olderThan)
	}
	return total, nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	counts := []struct {
		table string
		dst   *int
	}{
		{"resolved_ids", &st.ResolvedIDs},
		{"emote_sets", &st.EmoteSets},
		{"badge_sets", &st.BadgeSets},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+c.table).Scan(c.dst); err != nil {
			return st, fmt.Errorf("count %s: %w", c.table, err)
		}
	}
	return st, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
