package network

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrTooLarge は、ダウンロードが設定上限を超えた場合のエラーです。
var ErrTooLarge = errors.New("レスポンスが上限サイズを超えています")

// SourceKind は SourceError の分類です。
type SourceKind int

const (
	// SourceUnreachable は接続失敗など、ソースに到達できなかったことを表します。
	SourceUnreachable SourceKind = iota
	// SourceTimeout は接続または読み込みがタイムアウトしたことを表します。
	SourceTimeout
	// SourceStatus は 2xx 以外のHTTPステータスを表します。
	SourceStatus
	// SourceInvalid は不正なURL、不正なJSON、サイズ超過などを表します。
	SourceInvalid
)

// String は SourceKind を人間可読な文字列に変換します。
func (k SourceKind) String() string {
	switch k {
	case SourceUnreachable:
		return "unreachable"
	case SourceTimeout:
		return "timeout"
	case SourceStatus:
		return "status"
	case SourceInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// SourceError は、リモートソースの取得・解析に失敗したことを表す型付きエラーです。
type SourceError struct {
	Kind SourceKind
	URL  string
	Err  error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("ソースエラー [%s] (url=%s): %v", e.Kind, e.URL, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// StatusCode は、HTTPステータスエラーの場合にそのコードを返します。それ以外は0です。
func (e *SourceError) StatusCode() int {
	var httpErr *HTTPError
	if errors.As(e.Err, &httpErr) {
		return httpErr.StatusCode
	}
	return 0
}

// classify は、トランスポート層のエラーを SourceError に分類します。
func classify(reqURL string, err error) error {
	kind := SourceUnreachable
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = SourceTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = SourceTimeout
	}
	return &SourceError{Kind: kind, URL: reqURL, Err: err}
}

// IsTimeout は、err がタイムアウトによる SourceError かを判定します。
func IsTimeout(err error) bool {
	var se *SourceError
	return errors.As(err, &se) && se.Kind == SourceTimeout
}
