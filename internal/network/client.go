// Package network は、リモートアーカイブとのHTTP通信に関する機能を提供します。
// インデックス取得用と添付ファイル取得用の2つのタイムアウトを持つクライアントが
// 1つのトランスポートを共有し、ホストごとのレート制限を行います。
package network

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"GoArchiveMirror/internal/config"

	"golang.org/x/time/rate"
)

const (
	defaultIndexTimeout    = 15 * time.Second
	defaultDownloadTimeout = 10 * time.Minute
	defaultConnectTimeout  = 10 * time.Second

	// JSONドキュメントの読み込み上限
	maxDocumentBytes = 32 << 20
)

// HTTPError は、HTTPリクエストで発生したエラーとステータスコードを保持します。
type HTTPError struct {
	StatusCode int
	URL        string
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s (URL: %s)", e.StatusCode, e.Message, e.URL)
}

// IsRetryable は、このエラーがリトライ可能かどうかを判定します。
// 4xxエラー（クライアントエラー）はリトライ不可、5xxエラー（サーバーエラー）はリトライ可能とします。
// このパッケージ自身はリトライを行いません。判断は呼び出し側に委ねます。
func (e *HTTPError) IsRetryable() bool {
	if e.StatusCode >= 400 && e.StatusCode < 500 {
		return false
	}
	return true
}

// Client は、ソースへの全てのHTTP通信を担うクライアントです。
type Client struct {
	indexClient    *http.Client
	downloadClient *http.Client
	userAgent      string
	defaultHeaders map[string]string

	rateLimiters       map[string]*rate.Limiter // ホスト名ごとのレートリミッター
	rateLimitersMutex  sync.Mutex               // rateLimitersへのアクセスを保護するMutex
	perDomainIntervals map[string]int           // ドメインごとの設定間隔
}

// NewClient は NetworkSettings に基づいて HTTP クライアントを初期化します。
// タイムアウトが未設定(0以下)の場合は既定値を使い、無制限の待機は発生しません。
func NewClient(settings config.NetworkSettings) (*Client, error) {
	connectTimeout := millisOr(settings.ConnectTimeoutMillis, defaultConnectTimeout)
	indexTimeout := millisOr(settings.IndexTimeoutMillis, defaultIndexTimeout)
	downloadTimeout := millisOr(settings.DownloadTimeoutMillis, defaultDownloadTimeout)

	dialer := &net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   connectTimeout,
		ResponseHeaderTimeout: indexTimeout,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
	}

	rateLimiters := make(map[string]*rate.Limiter)
	for domain, intervalMillis := range settings.PerDomainIntervalMillis {
		if intervalMillis <= 0 {
			continue
		}
		rateLimiters[domain] = rate.NewLimiter(rate.Every(time.Duration(intervalMillis)*time.Millisecond), 1)
	}

	return &Client{
		indexClient:        &http.Client{Transport: transport, Timeout: indexTimeout},
		downloadClient:     &http.Client{Transport: transport, Timeout: downloadTimeout},
		userAgent:          settings.UserAgent,
		defaultHeaders:     settings.DefaultHeaders,
		rateLimiters:       rateLimiters,
		perDomainIntervals: settings.PerDomainIntervalMillis,
	}, nil
}

func millisOr(ms int, fallback time.Duration) time.Duration {
	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

// GetJSON は、インデックス用のタイムアウトでドキュメントを取得し、v にデコードします。
// 非2xx応答と不正なJSONは SourceError として返されます。
func (c *Client) GetJSON(ctx context.Context, reqURL string, v any) error {
	body, err := c.GetBytes(ctx, reqURL)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return &SourceError{Kind: SourceInvalid, URL: reqURL, Err: fmt.Errorf("JSONの解析に失敗しました: %w", err)}
	}
	return nil
}

// GetBytes は、インデックス用のタイムアウトでレスポンスボディ全体を取得します。
func (c *Client) GetBytes(ctx context.Context, reqURL string) ([]byte, error) {
	resp, err := c.do(ctx, c.indexClient, reqURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes+1))
	if err != nil {
		return nil, classify(reqURL, fmt.Errorf("レスポンスボディの読み込みに失敗しました: %w", err))
	}
	if len(body) > maxDocumentBytes {
		return nil, &SourceError{Kind: SourceInvalid, URL: reqURL, Err: fmt.Errorf("ドキュメントが上限 %d バイトを超えています", maxDocumentBytes)}
	}
	return body, nil
}

// Download は、ダウンロード用のタイムアウトでリソースを取得し、w に書き込みます。
// maxBytes が正の場合、それを超えるボディは ErrTooLarge で失敗します。
// 戻り値は書き込んだバイト数です。
func (c *Client) Download(ctx context.Context, reqURL string, w io.Writer, maxBytes int64) (int64, error) {
	resp, err := c.do(ctx, c.downloadClient, reqURL)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	var src io.Reader = resp.Body
	if maxBytes > 0 {
		if resp.ContentLength > maxBytes {
			return 0, &SourceError{Kind: SourceInvalid, URL: reqURL, Err: fmt.Errorf("%w (content_length=%d, limit=%d)", ErrTooLarge, resp.ContentLength, maxBytes)}
		}
		src = io.LimitReader(resp.Body, maxBytes+1)
	}

	cw := &captureWriter{w: w}
	n, err := io.Copy(cw, src)
	if err != nil {
		if cw.err != nil {
			// 書き込み側の失敗はローカルI/Oエラーとしてそのまま返す
			return n, cw.err
		}
		return n, classify(reqURL, fmt.Errorf("ダウンロード中にエラーが発生しました (bytes=%d): %w", n, err))
	}
	if maxBytes > 0 && n > maxBytes {
		return n, &SourceError{Kind: SourceInvalid, URL: reqURL, Err: fmt.Errorf("%w (limit=%d)", ErrTooLarge, maxBytes)}
	}
	return n, nil
}

type captureWriter struct {
	w   io.Writer
	err error
}

func (c *captureWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if err != nil {
		c.err = err
	}
	return n, err
}

// do は、レート制限とヘッダー設定を行ってGETリクエストを送信します。
// 2xx 以外の応答は HTTPError を包んだ SourceError になります。
func (c *Client) do(ctx context.Context, hc *http.Client, reqURL string) (*http.Response, error) {
	parsedURL, err := url.Parse(reqURL)
	if err != nil {
		return nil, &SourceError{Kind: SourceInvalid, URL: reqURL, Err: fmt.Errorf("リクエストURLの解析に失敗しました: %w", err)}
	}

	if limiter := c.getLimiterForHost(parsedURL.Hostname()); limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return nil, classify(reqURL, fmt.Errorf("レートリミッター待機中にエラーが発生しました: %w", err))
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, &SourceError{Kind: SourceInvalid, URL: reqURL, Err: fmt.Errorf("GETリクエストの作成に失敗しました: %w", err)}
	}
	for key, value := range c.defaultHeaders {
		req.Header.Set(key, value)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return nil, classify(reqURL, fmt.Errorf("GETリクエストの送信に失敗しました: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &SourceError{
			Kind: SourceStatus,
			URL:  reqURL,
			Err: &HTTPError{
				StatusCode: resp.StatusCode,
				URL:        reqURL,
				Message:    http.StatusText(resp.StatusCode),
			},
		}
	}
	return resp, nil
}

// getLimiterForHost は、指定されたホスト名に対応するレートリミッターを返します。
// 間隔が設定されていないホストは制限しません (nil を返します)。
func (c *Client) getLimiterForHost(host string) *rate.Limiter {
	c.rateLimitersMutex.Lock()
	defer c.rateLimitersMutex.Unlock()

	if limiter, exists := c.rateLimiters[host]; exists {
		return limiter
	}
	intervalMillis, ok := c.perDomainIntervals[host]
	if !ok || intervalMillis <= 0 {
		return nil
	}
	limiter := rate.NewLimiter(rate.Every(time.Duration(intervalMillis)*time.Millisecond), 1)
	c.rateLimiters[host] = limiter
	return limiter
}

// ResolveURL は、ベースURLにソース相対パスを連結します。
// 各パスの先頭のパス区切り文字は取り除かれます。
func ResolveURL(base string, parts ...string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("ベースURLの解析に失敗しました (url=%s): %w", base, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("ベースURLが絶対URLではありません (url=%s)", base)
	}
	elems := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimLeft(strings.ReplaceAll(p, "\\", "/"), "/")
		if p != "" {
			elems = append(elems, p)
		}
	}
	return u.JoinPath(elems...).String(), nil
}
