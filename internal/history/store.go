// Package history は、保存に成功したダウンロードの履歴をSQLiteデータベースに記録します。
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// ErrNotFound は、該当する履歴が存在しない場合のエラーです。
var ErrNotFound = errors.New("履歴が見つかりません")

// Entry はダウンロード履歴の1件です。
type Entry struct {
	ID             string    `json:"id"`
	Source         string    `json:"source"`
	PostID         string    `json:"post_id"`
	PostName       string    `json:"post_name"`
	ChannelPath    string    `json:"channel_path"`
	AttachmentName string    `json:"attachment_name"`
	URL            string    `json:"url"`
	Path           string    `json:"path"`
	IsWorld        bool      `json:"is_world"`
	Reused         bool      `json:"reused"`
	Bytes          int64     `json:"bytes"`
	SavedAt        time.Time `json:"saved_at"`
}

// Store は履歴データベースです。並行に使用できます。
type Store struct {
	db *sql.DB

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// Open は path のデータベースを開きます。存在しない場合は作成します。
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("履歴データベースのパスが空です")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("履歴データベースのディレクトリ作成に失敗しました (path=%s): %w", path, err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("履歴データベースのオープンに失敗しました (path=%s): %w", path, err)
	}

	s := &Store{
		db:      db,
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("履歴データベースの初期化に失敗しました (path=%s): %w", path, err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS downloads (
		id              TEXT PRIMARY KEY,
		source          TEXT NOT NULL,
		post_id         TEXT NOT NULL,
		post_name       TEXT NOT NULL,
		channel_path    TEXT NOT NULL,
		attachment_name TEXT NOT NULL,
		url             TEXT NOT NULL,
		path            TEXT NOT NULL,
		is_world        INTEGER NOT NULL DEFAULT 0,
		reused          INTEGER NOT NULL DEFAULT 0,
		bytes           INTEGER NOT NULL DEFAULT 0,
		saved_at        TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_downloads_path ON downloads(path);
	CREATE INDEX IF NOT EXISTS idx_downloads_post ON downloads(source, post_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) newID(t time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), s.entropy).String()
}

// Record は履歴を1件追加し、IDと保存日時を補完したエントリを返します。
func (s *Store) Record(ctx context.Context, e Entry) (Entry, error) {
	if e.SavedAt.IsZero() {
		e.SavedAt = time.Now()
	}
	e.SavedAt = e.SavedAt.UTC()
	e.ID = s.newID(e.SavedAt)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO downloads (id, source, post_id, post_name, channel_path, attachment_name, url, path, is_world, reused, bytes, saved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Source, e.PostID, e.PostName, e.ChannelPath, e.AttachmentName, e.URL, e.Path,
		e.IsWorld, e.Reused, e.Bytes, e.SavedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return Entry{}, fmt.Errorf("ダウンロード履歴の記録に失敗しました (path=%s): %w", e.Path, err)
	}
	return e, nil
}

const selectColumns = `id, source, post_id, post_name, channel_path, attachment_name, url, path, is_world, reused, bytes, saved_at`

// Recent は新しい順に最大 limit 件の履歴を返します。limit が0以下の場合は50件です。
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM downloads ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("ダウンロード履歴の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// FindByPath は、保存先パスに一致する最新の履歴を返します。
func (s *Store) FindByPath(ctx context.Context, path string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM downloads WHERE path = ? ORDER BY id DESC LIMIT 1`, path)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w (path=%s)", ErrNotFound, path)
	}
	return e, err
}

// Close はデータベースを閉じます。
func (s *Store) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (Entry, error) {
	var e Entry
	var savedAt string
	if err := sc.Scan(&e.ID, &e.Source, &e.PostID, &e.PostName, &e.ChannelPath, &e.AttachmentName, &e.URL, &e.Path,
		&e.IsWorld, &e.Reused, &e.Bytes, &savedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, err
		}
		return Entry{}, fmt.Errorf("ダウンロード履歴の読み込みに失敗しました: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, savedAt)
	if err != nil {
		return Entry{}, fmt.Errorf("保存日時の解析に失敗しました (id=%s, value=%s): %w", e.ID, savedAt, err)
	}
	e.SavedAt = t
	return e, nil
}
