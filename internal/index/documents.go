package index

import (
	"time"

	"GoArchiveMirror/internal/model"
	"GoArchiveMirror/internal/records"
)

// ソース上のドキュメント名
const (
	rootDocumentName   = "config.json"
	dataDocumentName   = "data.json"
	unknownAuthorLabel = "Unknown"
)

// rootDocument はソース直下の config.json です。
type rootDocument struct {
	ArchiveChannels []channelDescriptor        `json:"archiveChannels"`
	PostStyle       map[string]model.StyleInfo `json:"postStyle"`
}

type channelDescriptor struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Code          string   `json:"code"`
	Category      string   `json:"category"`
	Path          string   `json:"path"`
	Description   string   `json:"description"`
	AvailableTags []string `json:"availableTags"`
}

// channelManifest は <channel.path>/data.json です。
type channelManifest struct {
	channelDescriptor
	Entries []entryRef `json:"entries"`
}

type entryRef struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Code       string   `json:"code"`
	Tags       []string `json:"tags"`
	ArchivedAt int64    `json:"archivedAt"`
	UpdatedAt  int64    `json:"updatedAt"`
	Path       string   `json:"path"`
}

// entryDocument は <channel.path>/<entry.path>/data.json です。
type entryDocument struct {
	ID          string                     `json:"id"`
	Name        string                     `json:"name"`
	Code        string                     `json:"code"`
	Tags        []string                   `json:"tags"`
	ArchivedAt  int64                      `json:"archivedAt"`
	UpdatedAt   int64                      `json:"updatedAt"`
	Authors     []authorDocument           `json:"authors"`
	Images      []imageDocument            `json:"images"`
	Attachments []attachmentDocument       `json:"attachments"`
	Records     records.Value              `json:"records"`
	Styles      map[string]model.StyleInfo `json:"styles"`
	Post        *threadDocument            `json:"post"`
}

type authorDocument struct {
	DisplayName string `json:"displayName"`
	Username    string `json:"username"`
}

type imageDocument struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	Path        string `json:"path"`
	Description string `json:"description"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
}

type attachmentDocument struct {
	Name        string                   `json:"name"`
	URL         string                   `json:"url"`
	Path        string                   `json:"path"`
	ContentType string                   `json:"contentType"`
	CanDownload bool                     `json:"canDownload"`
	Size        int64                    `json:"size"`
	Description string                   `json:"description"`
	Litematic   *model.LitematicInfo     `json:"litematic"`
	WDL         *model.WorldDownloadInfo `json:"wdl"`
}

type threadDocument struct {
	ForumID   string `json:"forumId"`
	ThreadID  string `json:"threadId"`
	ThreadURL string `json:"threadURL"`
}

// fromMillis は、エポックミリ秒を time.Time に変換します。0 はゼロ値です。
func fromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
