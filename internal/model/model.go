// Package model は、リモートアーカイブから構築されるカタログと、
// 投稿詳細・添付ファイル・保存結果などのデータ構造を定義します。
package model

import (
	"path"
	"strings"
	"time"
)

// Catalog は、リモートソースから構築された全投稿とチャンネルのスナップショットです。
// 公開後は変更されません。
type Catalog struct {
	Posts        []PostSummary        `json:"posts"`
	Channels     []Channel            `json:"channels"`
	SchemaStyles map[string]StyleInfo `json:"schema_styles,omitempty"`
}

// Channel は、カテゴリ・コード・使用可能タグを共有する投稿のまとまりです。
type Channel struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Code        string   `json:"code"`
	Category    string   `json:"category"`
	Path        string   `json:"path"`
	Description string   `json:"description,omitempty"`
	EntryCount  int      `json:"entry_count"`
	Tags        []string `json:"tags,omitempty"`
}

// PostSummary は、カタログ上の投稿1件分の軽量な情報です。
type PostSummary struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	ChannelName     string    `json:"channel_name"`
	ChannelCode     string    `json:"channel_code"`
	ChannelCategory string    `json:"channel_category"`
	ChannelPath     string    `json:"channel_path"`
	EntryPath       string    `json:"entry_path"`
	Code            string    `json:"code"`
	Tags            []string  `json:"tags,omitempty"`
	ArchivedAt      time.Time `json:"archived_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// DetailPath は、投稿詳細ドキュメントのソース相対パスを返します。
func (p PostSummary) DetailPath() string {
	return path.Join(strings.TrimPrefix(p.ChannelPath, "/"), strings.TrimPrefix(p.EntryPath, "/"), "data.json")
}

// Author は投稿者の表示情報です。
type Author struct {
	DisplayName string `json:"display_name"`
	Username    string `json:"username,omitempty"`
}

// Image は投稿に添付された画像です。
type Image struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
}

// LitematicInfo はスキーマティック形式の添付ファイルに付随するメタデータです。
type LitematicInfo struct {
	Version string `json:"version,omitempty"`
	Size    string `json:"size,omitempty"`
	Error   string `json:"error,omitempty"`
}

// WorldDownloadInfo はワールド形式の添付ファイルに付随するメタデータです。
type WorldDownloadInfo struct {
	Version string `json:"version,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Attachment は投稿の添付ファイル1件です。
// CanDownload が false の場合、URL は外部リンクを指します。
type Attachment struct {
	Name        string             `json:"name"`
	URL         string             `json:"url"`
	ContentType string             `json:"content_type,omitempty"`
	CanDownload bool               `json:"can_download"`
	Size        int64              `json:"size,omitempty"`
	SizeText    string             `json:"size_text,omitempty"`
	Description string             `json:"description,omitempty"`
	Litematic   *LitematicInfo     `json:"litematic,omitempty"`
	World       *WorldDownloadInfo `json:"world,omitempty"`
}

// IsZip は、添付ファイルがZIPアーカイブとして扱われるべきかを判定します。
func (a Attachment) IsZip() bool {
	ct := strings.ToLower(a.ContentType)
	if strings.Contains(ct, "zip") {
		return true
	}
	return strings.EqualFold(path.Ext(a.Name), ".zip")
}

// ThreadRef は、投稿の元となった外部スレッドへの参照です。
type ThreadRef struct {
	ForumID  string `json:"forum_id,omitempty"`
	ThreadID string `json:"thread_id,omitempty"`
	URL      string `json:"url,omitempty"`
}

// PostDetail は、閲覧時に遅延取得される投稿の完全な情報です。
type PostDetail struct {
	PostSummary
	Authors     []Author        `json:"authors,omitempty"`
	Images      []Image         `json:"images,omitempty"`
	Attachments []Attachment    `json:"attachments,omitempty"`
	Thread      *ThreadRef      `json:"thread,omitempty"`
	Sections    []RecordSection `json:"sections,omitempty"`
}

// StyleInfo は、レコードの1フィールドの表示スタイルです。
// nil のフィールドは「上書きしない」ことを意味します。
type StyleInfo struct {
	Depth      *int    `json:"depth,omitempty"`
	HeaderText *string `json:"headerText,omitempty"`
	IsOrdered  *bool   `json:"isOrdered,omitempty"`
}

// RecordSection は、レコードの1キーから描画されたタイトル付きテキストブロックです。
type RecordSection struct {
	Key   string   `json:"key"`
	Title string   `json:"title"`
	Depth int      `json:"depth"`
	Lines []string `json:"lines"`
}

// SaveResult は添付ファイルの保存結果です。
type SaveResult struct {
	FileName  string   `json:"file_name"`
	Path      string   `json:"path"`
	IsWorld   bool     `json:"is_world"`
	Reused    bool     `json:"reused,omitempty"`
	Bytes     int64    `json:"bytes"`
	SizeText  string   `json:"size_text,omitempty"`
	ExtraDirs []string `json:"extra_dirs,omitempty"`
}

// FindPost は、ID に一致する投稿を返します。
func (c *Catalog) FindPost(id string) (PostSummary, bool) {
	if c == nil {
		return PostSummary{}, false
	}
	for _, p := range c.Posts {
		if p.ID == id {
			return p, true
		}
	}
	return PostSummary{}, false
}
