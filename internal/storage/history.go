// Package storage persists the playback history in SQLite. Scheduler and
// attestation state stay in memory on purpose; history is the only thing
// worth keeping across restarts.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "vigil/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// ErrDisabled is returned when the store was opened without a path.
var ErrDisabled = errors.New("storage: disabled")

type Config struct {
	Path        string
	BusyTimeout time.Duration

	// KeepRows caps the history table; older rows are pruned opportunistically.
	KeepRows int
}

type PlayRecord struct {
	Title       string
	Kind        string
	RequestedBy string
	PlayedAt    time.Time
}

type History struct {
	db  *sql.DB
	log logx.Logger

	keepRows   int
	opCount    atomic.Uint64
	pruneEvery uint64
}

// Open creates (or opens) the history database. An empty path returns a nil
// store; callers treat that as history disabled.
func Open(cfg Config, log logx.Logger) (*History, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	keep := cfg.KeepRows
	if keep <= 0 {
		keep = 500
	}
	h := &History{db: db, log: log, keepRows: keep, pruneEvery: 50}

	if err := h.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("play history opened", logx.String("path", cfg.Path))
	return h, nil
}

func (h *History) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = h.db.ExecContext(ctx, string(b))
	return err
}

func (h *History) Close() error {
	if h == nil || h.db == nil {
		return nil
	}
	return h.db.Close()
}

func (h *History) RecordPlay(ctx context.Context, rec PlayRecord) error {
	if h == nil || h.db == nil {
		return ErrDisabled
	}
	if rec.PlayedAt.IsZero() {
		rec.PlayedAt = time.Now()
	}
	_, err := h.db.ExecContext(ctx,
		`INSERT INTO play_history(title, kind, requested_by, played_at) VALUES(?,?,?,?)`,
		rec.Title, rec.Kind, rec.RequestedBy, rec.PlayedAt.Format(time.RFC3339Nano),
	)
	if err == nil && h.opCount.Add(1)%h.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		h.prune(pctx)
		cancel()
	}
	return err
}

// RecentPlays returns up to limit records, newest first.
func (h *History) RecentPlays(ctx context.Context, limit int) ([]PlayRecord, error) {
	if h == nil || h.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 10
	}
	rows, err := h.db.QueryContext(ctx,
		`SELECT title, kind, requested_by, played_at
		 FROM play_history ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PlayRecord
	for rows.Next() {
		var rec PlayRecord
		var at string
		if err := rows.Scan(&rec.Title, &rec.Kind, &rec.RequestedBy, &at); err != nil {
			return nil, err
		}
		if t, perr := time.Parse(time.RFC3339Nano, at); perr == nil {
			rec.PlayedAt = t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (h *History) prune(ctx context.Context) {
	_, err := h.db.ExecContext(ctx,
		`DELETE FROM play_history WHERE id NOT IN
		   (SELECT id FROM play_history ORDER BY id DESC LIMIT ?)`, h.keepRows)
	if err != nil {
		h.log.Debug("history prune failed", logx.Err(err))
	}
}
