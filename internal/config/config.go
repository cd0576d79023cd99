// Package config は、アプリケーションの設定ファイル(config.json)の構造定義と、
// その読み込み、解決（テンプレートのマージや環境変数による上書きなど）に関する機能を提供します。
package config

// Config は config.json ファイル全体を表すルート構造体です。
type Config struct {
	ConfigVersion     string            `json:"config_version"`
	DownloadDirectory string            `json:"download_directory,omitempty"`
	ActiveSource      string            `json:"active_source,omitempty"`
	Sources           []Source          `json:"sources"`
	SourceTemplates   map[string]Source `json:"source_templates,omitempty"`
	Network           NetworkSettings   `json:"network"`
	Extraction        ExtractionLimits  `json:"extraction"`
	DetailCacheSize   int               `json:"detail_cache_size,omitempty"`
	HistoryDBPath     string            `json:"history_db_path,omitempty"`
	WebUIPort         int               `json:"web_ui_port,omitempty"`
	EnableLogFile     bool              `json:"enable_log_file"`
	LogFilePath       string            `json:"log_file_path,omitempty"`
}

// NetworkSettings は、HTTPリクエストに関するグローバルな設定を保持します。
type NetworkSettings struct {
	UserAgent               string            `json:"user_agent"`
	DefaultHeaders          map[string]string `json:"default_headers"`
	PerDomainIntervalMillis map[string]int    `json:"per_domain_interval_ms"`
	ConnectTimeoutMillis    int               `json:"connect_timeout_ms,omitempty"`
	IndexTimeoutMillis      int               `json:"index_timeout_ms,omitempty"`
	DownloadTimeoutMillis   int               `json:"download_timeout_ms,omitempty"`
}

// Source は、ミラー対象のリモートアーカイブ1つを定義します。
type Source struct {
	Name           string            `json:"name,omitempty"`
	UseTemplate    string            `json:"use_template,omitempty"`
	BaseURL        string            `json:"base_url,omitempty"`
	DefaultHeaders map[string]string `json:"default_headers,omitempty"`
}

// ExtractionLimits は、添付ファイルの保存とZIP展開の安全上限です。
// 0以下の値は既定値で置き換えられます。
type ExtractionLimits struct {
	MaxEntryBytes int64 `json:"max_entry_bytes,omitempty"`
	MaxTotalBytes int64 `json:"max_total_bytes,omitempty"`
	MaxEntries    int   `json:"max_entries,omitempty"`
	MaxFileBytes  int64 `json:"max_file_bytes,omitempty"`
}

// 展開上限の既定値
const (
	DefaultMaxEntryBytes int64 = 512 << 20
	DefaultMaxTotalBytes int64 = 2 << 30
	DefaultMaxEntries          = 20000
	DefaultMaxFileBytes  int64 = 1 << 30
)

// WithDefaults は、未設定の上限を既定値で補完したコピーを返します。
func (l ExtractionLimits) WithDefaults() ExtractionLimits {
	if l.MaxEntryBytes <= 0 {
		l.MaxEntryBytes = DefaultMaxEntryBytes
	}
	if l.MaxTotalBytes <= 0 {
		l.MaxTotalBytes = DefaultMaxTotalBytes
	}
	if l.MaxEntries <= 0 {
		l.MaxEntries = DefaultMaxEntries
	}
	if l.MaxFileBytes <= 0 {
		l.MaxFileBytes = DefaultMaxFileBytes
	}
	return l
}

// FindSource は、名前に一致するソースを返します。
func (c *Config) FindSource(name string) (Source, bool) {
	for _, s := range c.Sources {
		if s.Name == name {
			return s, true
		}
	}
	return Source{}, false
}

// Active は、現在アクティブなソースを返します。
// active_source が未設定の場合は先頭のソースを使用します。
func (c *Config) Active() (Source, bool) {
	if c.ActiveSource == "" {
		if len(c.Sources) == 0 {
			return Source{}, false
		}
		return c.Sources[0], true
	}
	return c.FindSource(c.ActiveSource)
}
