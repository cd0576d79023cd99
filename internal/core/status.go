// Package core は、ソースの切り替え、カタログ検索、投稿閲覧、添付ファイル保存を束ねるセッションを実装します。
package core

import (
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// AppState はセッションの全体的な状態を表すenumです。
type AppState int

const (
	StateIdle        AppState = iota // アイドル
	StateLoading                     // カタログ取得中
	StateDownloading                 // ダウンロード中
	StateError                       // エラー
)

// String は AppState を人間可読な文字列に変換します。
func (s AppState) String() string {
	switch s {
	case StateIdle:
		return "アイドル"
	case StateLoading:
		return "カタログ取得中"
	case StateDownloading:
		return "ダウンロード中"
	case StateError:
		return "エラー"
	default:
		return "不明"
	}
}

// MarshalText は状態を文字列としてJSONに出力します。
func (s AppState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// AppStatus はセッションからUIへ渡される状態です。
type AppStatus struct {
	State           AppState `json:"state"`
	Source          string   `json:"source"`
	BaseURL         string   `json:"base_url"`
	DownloadRoot    string   `json:"download_root"`
	CatalogLoaded   bool     `json:"catalog_loaded"`
	Posts           int      `json:"posts"`
	Channels        int      `json:"channels"`
	ActiveDownloads int      `json:"active_downloads"`
	LastError       string   `json:"last_error,omitempty"`
	SessionInfo     string   `json:"session_info"` // 今回のセッションでの統計情報
	HistoryEnabled  bool     `json:"history_enabled"`
}

// SessionStats はセッション統計情報を管理します。
type SessionStats struct {
	mu                sync.Mutex
	StartTime         time.Time // 起動時刻
	CatalogLoads      int       // カタログを取得した回数
	FilesDownloaded   int       // 保存したファイル数
	FilesReused       int       // 同一内容のため再利用したファイル数
	WorldsExtracted   int       // 展開したワールドアーカイブ数
	TotalBytesWritten int64     // 合計書き込みサイズ（バイト）
}

func newSessionStats() *SessionStats {
	return &SessionStats{StartTime: time.Now()}
}

func (s *SessionStats) addCatalogLoad() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CatalogLoads++
}

func (s *SessionStats) addSave(isWorld, reused bool, bytes int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case reused:
		s.FilesReused++
		return
	case isWorld:
		s.WorldsExtracted++
	default:
		s.FilesDownloaded++
	}
	s.TotalBytesWritten += bytes
}

// FormatSessionInfo はセッション統計情報を文字列にフォーマットします。
func (s *SessionStats) FormatSessionInfo() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	uptime := time.Since(s.StartTime)
	hours := int(uptime.Hours())
	minutes := int(uptime.Minutes()) % 60

	return fmt.Sprintf("起動: %dh%dm | 取得: %d | ファイル: %d (再利用 %d) | ワールド: %d | %s",
		hours, minutes, s.CatalogLoads, s.FilesDownloaded, s.FilesReused, s.WorldsExtracted,
		humanize.Bytes(uint64(s.TotalBytesWritten)))
}
