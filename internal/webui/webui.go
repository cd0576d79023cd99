// Package webui は、セッションの操作をローカルのJSON APIとして公開します。
// 画面は持たず、UIはこのAPIを呼び出して表示を行います。
package webui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"time"

	"GoArchiveMirror/internal/core"
	"GoArchiveMirror/internal/download"
	"GoArchiveMirror/internal/history"
	"GoArchiveMirror/internal/index"
	"GoArchiveMirror/internal/network"
	"GoArchiveMirror/internal/search"
)

// Server はローカルAPIサーバーです。
type Server struct {
	session *core.Session
	logger  *log.Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	done     chan struct{}
}

// NewServer は session を公開するサーバーを生成します。
func NewServer(session *core.Session, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{session: session, logger: logger, done: make(chan struct{})}
}

// Handler はAPIのルーティングを返します。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/search", s.handleSearch)
	mux.HandleFunc("/api/post", s.handlePost)
	mux.HandleFunc("/api/download", s.handleDownload)
	mux.HandleFunc("/api/source", s.handleSource)
	mux.HandleFunc("/api/refresh", s.handleRefresh)
	mux.HandleFunc("/api/history", s.handleHistory)
	mux.HandleFunc("/api/verify", s.handleVerify)
	mux.HandleFunc("/api/shutdown", s.handleShutdown)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			writeError(w, http.StatusNotFound, "エンドポイントが見つかりません")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"name":   "GoArchiveMirror",
			"source": s.session.ActiveSource().Name,
		})
	})
	return mux
}

// Start は 127.0.0.1:port でサーバーを起動し、URLを返します。port が0の場合はOSが空きポートを選択します。
func (s *Server) Start(port int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return s.url(), nil
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return "", fmt.Errorf("APIサーバーのリッスンに失敗しました (port=%d): %w", port, err)
	}

	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       10 * time.Minute,
	}
	server.RegisterOnShutdown(func() {
		s.logger.Println("INFO: APIサーバーがシャットダウンしました。")
	})
	s.server = server
	s.listener = listener

	go func() {
		defer close(s.done)
		s.logger.Printf("INFO: APIサーバーを %s で起動します。", s.url())
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("ERROR: APIサーバーが異常終了しました: %v", err)
		}
	}()
	return s.url(), nil
}

func (s *Server) url() string {
	return "http://" + s.listener.Addr().String()
}

// Done は、サーバーが停止したときに閉じられるチャネルを返します。
func (s *Server) Done() <-chan struct{} { return s.done }

// Shutdown はサーバーを停止します。
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	server := s.server
	s.mu.Unlock()
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, s.session.Status())
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	q := r.URL.Query()
	sort, err := search.ParseSort(q.Get("sort"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	page, err := intParam(q.Get("page"), 1)
	if err != nil {
		writeError(w, http.StatusBadRequest, "page が不正です")
		return
	}
	pageSize, err := intParam(q.Get("page_size"), search.DefaultPageSize)
	if err != nil {
		writeError(w, http.StatusBadRequest, "page_size が不正です")
		return
	}

	res, err := s.session.Search(r.Context(), search.Params{
		Query:        q.Get("q"),
		Sort:         sort,
		IncludeTags:  q["tag"],
		ExcludeTags:  q["exclude"],
		ChannelPaths: q["channel"],
		Page:         page,
		PageSize:     pageSize,
	})
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "id が指定されていません")
		return
	}
	detail, err := s.session.Post(r.Context(), id)
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

type downloadRequest struct {
	PostID     string `json:"post_id"`
	Attachment string `json:"attachment"`
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req downloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "無効なJSON形式です。入力データを確認してください。")
		return
	}
	if req.PostID == "" || req.Attachment == "" {
		writeError(w, http.StatusBadRequest, "post_id と attachment は必須です")
		return
	}
	res, err := s.session.Download(r.Context(), req.PostID, req.Attachment)
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type sourceRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleSource(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		names := []string{}
		for _, src := range s.session.Sources() {
			names = append(names, src.Name)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"active":  s.session.ActiveSource().Name,
			"sources": names,
		})
	case http.MethodPost:
		var req sourceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
			writeError(w, http.StatusBadRequest, "name を含むJSONを送信してください")
			return
		}
		src, err := s.session.SwitchSource(req.Name)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"active": src.Name, "base_url": src.BaseURL})
	default:
		writeError(w, http.StatusMethodNotAllowed, "許可されていないメソッドです")
	}
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	cat, err := s.session.Refresh(r.Context())
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"posts":    len(cat.Posts),
		"channels": cat.Channels,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	if p := r.URL.Query().Get("path"); p != "" {
		entry, err := s.session.HistoryByPath(r.Context(), p)
		if err != nil {
			s.writeSessionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, entry)
		return
	}
	limit, err := intParam(r.URL.Query().Get("limit"), 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit が不正です")
		return
	}
	entries, err := s.session.History(r.Context(), limit)
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit が不正です")
		return
	}
	repair, _ := strconv.ParseBool(q.Get("repair"))
	res, err := s.session.VerifyHistory(r.Context(), limit, repair)
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleShutdown はサーバーを安全にシャットダウンします。
func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "サーバーをシャットダウンします"})

	// シャットダウンは非同期で行い、クライアントへのレスポンスをブロックしません。
	go func() {
		time.Sleep(200 * time.Millisecond)
		s.logger.Println("INFO: APIサーバーのシャットダウンを開始します...")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.Shutdown(ctx); err != nil {
			s.logger.Printf("ERROR: APIサーバーのシャットダウンに失敗しました: %v", err)
		}
	}()
}

// writeSessionError は、エラーの種類に応じたステータスコードで応答します。
func (s *Server) writeSessionError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Printf("ERROR: %v", err)
	}
	writeError(w, status, err.Error())
}

func statusForError(err error) int {
	var safety *download.ExtractionSafetyError
	var ioErr *download.IOError
	var srcErr *network.SourceError
	switch {
	case errors.Is(err, index.ErrPostNotFound), errors.Is(err, core.ErrAttachmentNotFound), errors.Is(err, history.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrHistoryDisabled):
		return http.StatusConflict
	case errors.Is(err, download.ErrNotDownloadable):
		return http.StatusBadRequest
	case errors.As(err, &safety):
		return http.StatusUnprocessableEntity
	case network.IsTimeout(err):
		return http.StatusGatewayTimeout
	case errors.As(err, &srcErr):
		return http.StatusBadGateway
	case errors.As(err, &ioErr):
		if ioErr.Kind == download.DiskFull {
			return http.StatusInsufficientStorage
		}
		return http.StatusInternalServerError
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	writeError(w, http.StatusMethodNotAllowed, "許可されていないメソッドです")
	return false
}

func intParam(v string, fallback int) (int, error) {
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("ERROR: レスポンスJSONのエンコードに失敗しました: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// OpenBrowser はOSのデフォルトブラウザでURLを開きます。
func OpenBrowser(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "windows":
		cmd = exec.Command("cmd", "/c", "start", url)
	case "darwin":
		cmd = exec.Command("open", url)
	default: // Linux, BSDなど
		cmd = exec.Command("xdg-open", url)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("ブラウザの起動コマンドの実行に失敗しました: %w", err)
	}
	return nil
}
