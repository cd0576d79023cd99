package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"maps"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"GoArchiveMirror/internal/config"
	"GoArchiveMirror/internal/download"
	"GoArchiveMirror/internal/history"
	"GoArchiveMirror/internal/index"
	"GoArchiveMirror/internal/model"
	"GoArchiveMirror/internal/network"
	"GoArchiveMirror/internal/search"
)

// DefaultDownloadDirectory は download_directory 未設定時の保存先です。
const DefaultDownloadDirectory = "downloads"

// ErrAttachmentNotFound は、投稿に指定名の添付ファイルが存在しない場合のエラーです。
var ErrAttachmentNotFound = errors.New("添付ファイルが見つかりません")

// ErrHistoryDisabled は、history_db_path 未設定で履歴を必要とする操作を行った場合のエラーです。
var ErrHistoryDisabled = errors.New("ダウンロード履歴が無効です。history_db_path を設定してください")

// sourceRuntime は、1つのソースに紐づくキャッシュと保存処理です。
type sourceRuntime struct {
	source config.Source
	cache  *index.Cache
	saver  *download.Saver
	epoch  uint64
}

// Session は、アクティブなソースに対する閲覧とダウンロードを管理します。
// 全てのメソッドは並行に呼び出しても安全です。
type Session struct {
	cfg     *config.Config
	logger  *log.Logger
	worker  *download.IOWorker
	history *history.Store
	stats   *SessionStats

	mu      sync.RWMutex
	current *sourceRuntime
	epoch   uint64

	loading         atomic.Int32
	activeDownloads atomic.Int32
	lastErr         atomic.Value // string
}

// DownloadResult は Session.Download の結果です。
type DownloadResult struct {
	model.SaveResult
	PostID    string `json:"post_id"`
	Source    string `json:"source"`
	HistoryID string `json:"history_id,omitempty"`
	// Stale は、ダウンロード中にアクティブなソースが切り替わったことを示します。
	Stale bool `json:"stale,omitempty"`
}

// NewSession は設定からセッションを生成します。使用後は Close を呼び出してください。
func NewSession(cfg *config.Config, logger *log.Logger) (*Session, error) {
	if cfg == nil {
		return nil, errors.New("設定がnilです")
	}
	if logger == nil {
		logger = log.Default()
	}
	active, ok := cfg.Active()
	if !ok {
		return nil, errors.New("アクティブなソースがありません。config.json の sources を確認してください")
	}

	s := &Session{
		cfg:    cfg,
		logger: logger,
		worker: download.NewIOWorker(),
		stats:  newSessionStats(),
	}
	s.lastErr.Store("")

	if cfg.HistoryDBPath != "" {
		store, err := history.Open(cfg.HistoryDBPath)
		if err != nil {
			s.worker.Close()
			return nil, err
		}
		s.history = store
	}

	rt, err := s.newRuntime(active)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.current = rt
	logger.Printf("INFO: セッションを開始しました (source=%s, base=%s, download_root=%s)", active.Name, active.BaseURL, rt.saver.Root())
	return s, nil
}

func (s *Session) newRuntime(src config.Source) (*sourceRuntime, error) {
	settings := s.cfg.Network
	headers := make(map[string]string, len(settings.DefaultHeaders)+len(src.DefaultHeaders))
	maps.Copy(headers, settings.DefaultHeaders)
	maps.Copy(headers, src.DefaultHeaders)
	settings.DefaultHeaders = headers

	client, err := network.NewClient(settings)
	if err != nil {
		return nil, fmt.Errorf("ネットワーククライアントの初期化に失敗しました (source=%s): %w", src.Name, err)
	}
	cache, err := index.NewCache(client, src.BaseURL, index.Options{DetailCacheSize: s.cfg.DetailCacheSize, Logger: s.logger})
	if err != nil {
		return nil, fmt.Errorf("カタログキャッシュの初期化に失敗しました (source=%s): %w", src.Name, err)
	}
	root := s.cfg.DownloadDirectory
	if root == "" {
		root = DefaultDownloadDirectory
	}
	saver, err := download.NewSaver(client, root, s.cfg.Extraction, s.worker, s.logger)
	if err != nil {
		return nil, err
	}

	s.epoch++
	return &sourceRuntime{source: src, cache: cache, saver: saver, epoch: s.epoch}, nil
}

func (s *Session) runtime() *sourceRuntime {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Close はワーカーと履歴データベースを閉じます。
func (s *Session) Close() error {
	s.worker.Close()
	if s.history != nil {
		return s.history.Close()
	}
	return nil
}

// Sources は設定済みのソース一覧を返します。
func (s *Session) Sources() []config.Source {
	return append([]config.Source(nil), s.cfg.Sources...)
}

// ActiveSource は現在のソースを返します。
func (s *Session) ActiveSource() config.Source {
	return s.runtime().source
}

// Catalog はアクティブなソースのカタログを返します。未取得の場合は取得します。
func (s *Session) Catalog(ctx context.Context) (*model.Catalog, error) {
	rt := s.runtime()
	fresh := !rt.cache.Loaded()
	if fresh {
		s.loading.Add(1)
		defer s.loading.Add(-1)
	}
	cat, err := rt.cache.Ensure(ctx)
	if err != nil {
		s.setError(err)
		return nil, err
	}
	if fresh {
		s.stats.addCatalogLoad()
		s.lastErr.Store("")
	}
	return cat, nil
}

// Search はカタログを検索します。
func (s *Session) Search(ctx context.Context, p search.Params) (search.Result, error) {
	cat, err := s.Catalog(ctx)
	if err != nil {
		return search.Result{}, err
	}
	return search.Search(cat, p), nil
}

// Post は投稿の詳細を返します。
func (s *Session) Post(ctx context.Context, postID string) (*model.PostDetail, error) {
	rt := s.runtime()
	post, err := rt.cache.FindPost(ctx, postID)
	if err != nil {
		return nil, err
	}
	detail, err := rt.cache.FetchDetail(ctx, post)
	if err != nil {
		s.setError(err)
		return nil, err
	}
	return detail, nil
}

// Download は投稿の添付ファイルを保存します。
// 実行中にソースが切り替わっても保存は最後まで行われ、結果は Stale として返されます。
func (s *Session) Download(ctx context.Context, postID, attachmentName string) (DownloadResult, error) {
	rt := s.runtime()
	post, err := rt.cache.FindPost(ctx, postID)
	if err != nil {
		return DownloadResult{}, err
	}
	detail, err := rt.cache.FetchDetail(ctx, post)
	if err != nil {
		s.setError(err)
		return DownloadResult{}, err
	}
	att, err := findAttachment(detail, attachmentName)
	if err != nil {
		return DownloadResult{}, err
	}

	s.activeDownloads.Add(1)
	defer s.activeDownloads.Add(-1)

	s.logger.Printf("INFO: ダウンロードを開始します (post=%s, attachment=%s)", post.ID, att.Name)
	saved, err := rt.saver.FetchAndSave(ctx, att)
	if err != nil {
		s.setError(err)
		return DownloadResult{}, err
	}
	s.stats.addSave(saved.IsWorld, saved.Reused, saved.Bytes)

	res := DownloadResult{SaveResult: saved, PostID: post.ID, Source: rt.source.Name}
	if cur := s.runtime(); cur.epoch != rt.epoch {
		res.Stale = true
		s.logger.Printf("WARNING: ダウンロード中にソースが切り替わりました (from=%s, to=%s, path=%s)", rt.source.Name, cur.source.Name, saved.Path)
	}

	if s.history != nil {
		entry, err := s.history.Record(context.WithoutCancel(ctx), history.Entry{
			Source:         rt.source.Name,
			PostID:         post.ID,
			PostName:       detail.Name,
			ChannelPath:    post.ChannelPath,
			AttachmentName: att.Name,
			URL:            att.URL,
			Path:           saved.Path,
			IsWorld:        saved.IsWorld,
			Reused:         saved.Reused,
			Bytes:          saved.Bytes,
		})
		if err != nil {
			// 保存自体は成功しているため、履歴の失敗は警告に留める
			s.logger.Printf("WARNING: %v", err)
		} else {
			res.HistoryID = entry.ID
		}
	}
	return res, nil
}

func findAttachment(detail *model.PostDetail, name string) (model.Attachment, error) {
	name = strings.TrimSpace(name)
	for _, a := range detail.Attachments {
		if a.Name == name {
			return a, nil
		}
	}
	for _, a := range detail.Attachments {
		if strings.EqualFold(a.Name, name) {
			return a, nil
		}
	}
	return model.Attachment{}, fmt.Errorf("%w (post=%s, name=%s)", ErrAttachmentNotFound, detail.ID, name)
}

// SwitchSource はアクティブなソースを切り替え、以前のソースのキャッシュを破棄します。
// 実行中のダウンロードは中断されません。
func (s *Session) SwitchSource(name string) (config.Source, error) {
	src, ok := s.cfg.FindSource(name)
	if !ok {
		return config.Source{}, fmt.Errorf("ソース '%s' は定義されていません", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil && s.current.source.Name == src.Name {
		return src, nil
	}
	rt, err := s.newRuntime(src)
	if err != nil {
		return config.Source{}, err
	}
	old := s.current
	s.current = rt
	if old != nil {
		old.cache.Invalidate()
	}
	s.lastErr.Store("")
	s.logger.Printf("INFO: ソースを切り替えました (source=%s, base=%s)", src.Name, src.BaseURL)
	return src, nil
}

// Refresh はアクティブなソースのキャッシュを破棄し、カタログを再取得します。
func (s *Session) Refresh(ctx context.Context) (*model.Catalog, error) {
	s.runtime().cache.Invalidate()
	s.logger.Println("INFO: カタログを再取得します。")
	return s.Catalog(ctx)
}

// History は新しい順にダウンロード履歴を返します。履歴が無効な場合は空です。
func (s *Session) History(ctx context.Context, limit int) ([]history.Entry, error) {
	if s.history == nil {
		return []history.Entry{}, nil
	}
	return s.history.Recent(ctx, limit)
}

// HistoryByPath は、保存先パスに対応する最新の履歴を返します。相対パスは絶対パスに変換して照合します。
func (s *Session) HistoryByPath(ctx context.Context, path string) (history.Entry, error) {
	if s.history == nil {
		return history.Entry{}, ErrHistoryDisabled
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return history.Entry{}, fmt.Errorf("パスの解決に失敗しました (path=%s): %w", path, err)
	}
	return s.history.FindByPath(ctx, abs)
}

// Status は現在の状態を返します。カタログの取得は行いません。
func (s *Session) Status() AppStatus {
	rt := s.runtime()
	st := AppStatus{
		State:           StateIdle,
		Source:          rt.source.Name,
		BaseURL:         rt.source.BaseURL,
		DownloadRoot:    rt.saver.Root(),
		CatalogLoaded:   rt.cache.Loaded(),
		ActiveDownloads: int(s.activeDownloads.Load()),
		LastError:       s.lastErr.Load().(string),
		SessionInfo:     s.stats.FormatSessionInfo(),
		HistoryEnabled:  s.history != nil,
	}
	if cat := rt.cache.Snapshot(); cat != nil {
		st.Posts = len(cat.Posts)
		st.Channels = len(cat.Channels)
	}
	switch {
	case st.ActiveDownloads > 0:
		st.State = StateDownloading
	case s.loading.Load() > 0:
		st.State = StateLoading
	case st.LastError != "":
		st.State = StateError
	}
	return st
}

func (s *Session) setError(err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	s.lastErr.Store(err.Error())
}
