package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	_ "modernc.org/sqlite"

	"github.com/loppo-llc/webmux/internal/tmux"
)

// retention is how long finished session records are kept for the admin
// listing. Live state never touches the store.
const retention = 7 * 24 * time.Hour

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	shell_type TEXT NOT NULL,
	work_dir   TEXT NOT NULL,
	target     TEXT,
	created_at TEXT NOT NULL,
	ended_at   TEXT,
	exit_code  INTEGER
);
CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at);
`

// Store records session metadata in sqlite so the admin surface can show
// recently finished sessions. Terminal output is never persisted.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	cron   *cron.Cron
}

func OpenStore(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	st := &Store{db: db, logger: logger, cron: cron.New()}
	st.prune()
	if _, err := st.cron.AddFunc("@hourly", st.prune); err != nil {
		db.Close()
		return nil, fmt.Errorf("schedule prune: %w", err)
	}
	st.cron.Start()
	return st, nil
}

func (st *Store) Close() error {
	if st == nil {
		return nil
	}
	st.cron.Stop()
	return st.db.Close()
}

// RecordCreated inserts a row for a freshly created session.
func (st *Store) RecordCreated(info Info) {
	var target any
	if info.Target != nil {
		b, _ := json.Marshal(info.Target)
		target = string(b)
	}
	_, err := st.db.Exec(`
INSERT INTO sessions(id, shell_type, work_dir, target, created_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING`,
		info.ID, info.ShellType, info.WorkDir, target, info.CreatedAt)
	if err != nil {
		st.logger.Warn("failed to record session", "id", info.ID, "err", err)
	}
}

// RecordClosed stamps a session row with its end time and exit code.
func (st *Store) RecordClosed(id string, exitCode *int) {
	var code any
	if exitCode != nil {
		code = *exitCode
	}
	_, err := st.db.Exec(`
UPDATE sessions SET ended_at = ?, exit_code = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339), code, id)
	if err != nil {
		st.logger.Warn("failed to record session end", "id", id, "err", err)
	}
}

// Recent returns finished sessions, newest first.
func (st *Store) Recent(ctx context.Context, limit int) ([]Info, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := st.db.QueryContext(ctx, `
SELECT id, shell_type, work_dir, target, created_at, exit_code
FROM sessions
WHERE ended_at IS NOT NULL
ORDER BY created_at DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var infos []Info
	for rows.Next() {
		var info Info
		var target sql.NullString
		var exitCode sql.NullInt64
		if err := rows.Scan(&info.ID, &info.ShellType, &info.WorkDir, &target, &info.CreatedAt, &exitCode); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		if target.Valid {
			var t tmux.Target
			if json.Unmarshal([]byte(target.String), &t) == nil {
				info.Target = &t
			}
		}
		if exitCode.Valid {
			code := int(exitCode.Int64)
			info.ExitCode = &code
		}
		info.State = StateClosed.String()
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

// prune drops rows older than the retention window.
func (st *Store) prune() {
	cutoff := time.Now().Add(-retention).UTC().Format(time.RFC3339)
	res, err := st.db.Exec(`DELETE FROM sessions WHERE created_at < ?`, cutoff)
	if err != nil {
		st.logger.Warn("session record prune failed", "err", err)
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		st.logger.Info("pruned session records", "count", n)
	}
}
