package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

// 環境変数による上書きのキー
const (
	EnvConfigPath  = "GAM_CONFIG"
	EnvSource      = "GAM_SOURCE"
	EnvDownloadDir = "GAM_DOWNLOAD_DIR"
	EnvHistoryDB   = "GAM_HISTORY_DB"
)

// sourcePatch は、ソース設定をデコードするための中間ヘルパー構造体です。
type sourcePatch struct {
	Name           *string            `json:"name,omitempty"`
	UseTemplate    string             `json:"use_template,omitempty"`
	BaseURL        *string            `json:"base_url,omitempty"`
	DefaultHeaders *map[string]string `json:"default_headers,omitempty"`
}

// rawConfig は、設定ファイルをデコードするための中間構造体です。
type rawConfig struct {
	ConfigVersion     string            `json:"config_version"`
	DownloadDirectory string            `json:"download_directory"`
	ActiveSource      string            `json:"active_source"`
	Sources           []sourcePatch     `json:"sources"`
	SourceTemplates   map[string]Source `json:"source_templates"`
	Network           NetworkSettings   `json:"network"`
	Extraction        ExtractionLimits  `json:"extraction"`
	DetailCacheSize   int               `json:"detail_cache_size"`
	HistoryDBPath     string            `json:"history_db_path"`
	WebUIPort         int               `json:"web_ui_port"`
	EnableLogFile     bool              `json:"enable_log_file"`
	LogFilePath       string            `json:"log_file_path"`
}

// LoadAndResolve は、指定されたパスから設定ファイルを読み込み、解析と解決を行います。
func LoadAndResolve(path string) (*Config, error) {
	absPath, _ := filepath.Abs(path)
	cwd, _ := os.Getwd()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("設定ファイル '%s' の読み込みに失敗しました (Abs: '%s', Cwd: '%s'): %w", path, absPath, cwd, err)
	}
	return ParseAndResolve(data)
}

// ParseAndResolve は、設定データのバイトスライスを解析し、テンプレートを解決して最終的な設定を返します。
// この関数はテストのために分離されています。
func ParseAndResolve(data []byte) (*Config, error) {
	var rawCfg rawConfig
	if err := json.Unmarshal(data, &rawCfg); err != nil {
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError

		if errors.As(err, &syntaxErr) {
			line, col := computeLineAndColumn(data, syntaxErr.Offset)
			return nil, fmt.Errorf("設定ファイルのJSON構文エラー (行 %d, 列 %d): %w", line, col, err)
		}
		if errors.As(err, &typeErr) {
			line, col := computeLineAndColumn(data, typeErr.Offset)
			return nil, fmt.Errorf("設定ファイルの型エラー (行 %d, 列 %d, フィールド '%s'): 期待値 %v, 実際 %v - %w",
				line, col, typeErr.Field, typeErr.Type, typeErr.Value, err)
		}
		return nil, fmt.Errorf("設定ファイルの解析に失敗しました: %w", err)
	}

	const compatibleVersion = "1.0"
	if rawCfg.ConfigVersion != compatibleVersion {
		return nil, fmt.Errorf("サポートされていない設定バージョン '%s' です。'%s' が必要です。", rawCfg.ConfigVersion, compatibleVersion)
	}

	resolvedConfig := &Config{
		ConfigVersion:     rawCfg.ConfigVersion,
		DownloadDirectory: rawCfg.DownloadDirectory,
		ActiveSource:      rawCfg.ActiveSource,
		SourceTemplates:   rawCfg.SourceTemplates,
		Network:           rawCfg.Network,
		Extraction:        rawCfg.Extraction,
		DetailCacheSize:   rawCfg.DetailCacheSize,
		HistoryDBPath:     rawCfg.HistoryDBPath,
		WebUIPort:         rawCfg.WebUIPort,
		EnableLogFile:     rawCfg.EnableLogFile,
		LogFilePath:       rawCfg.LogFilePath,
		Sources:           make([]Source, 0, len(rawCfg.Sources)),
	}

	seen := make(map[string]bool)
	for i, patch := range rawCfg.Sources {
		var resolved Source
		if patch.UseTemplate != "" {
			template, ok := rawCfg.SourceTemplates[patch.UseTemplate]
			if !ok {
				name := "unknown"
				if patch.Name != nil {
					name = *patch.Name
				}
				return nil, fmt.Errorf("ソース '%s' が未定義のテンプレート '%s' を使用しています", name, patch.UseTemplate)
			}
			resolved = template
		}
		applyPatch(&resolved, &patch)

		if resolved.Name == "" {
			return nil, fmt.Errorf("ソース [%d] に name が設定されていません", i)
		}
		if seen[resolved.Name] {
			return nil, fmt.Errorf("ソース名 '%s' が重複しています", resolved.Name)
		}
		seen[resolved.Name] = true
		if resolved.BaseURL == "" {
			return nil, fmt.Errorf("ソース '%s' に base_url が設定されていません", resolved.Name)
		}
		resolvedConfig.Sources = append(resolvedConfig.Sources, resolved)
	}

	if resolvedConfig.ActiveSource != "" {
		if _, ok := resolvedConfig.FindSource(resolvedConfig.ActiveSource); !ok {
			return nil, fmt.Errorf("active_source '%s' がソース一覧に存在しません", resolvedConfig.ActiveSource)
		}
	}

	return resolvedConfig, nil
}

// applyPatch は、patchの非nilフィールドをtargetに上書きします。
// ヘッダーはテンプレートの値にマージされます。
func applyPatch(target *Source, patch *sourcePatch) {
	target.UseTemplate = patch.UseTemplate
	if patch.Name != nil {
		target.Name = *patch.Name
	}
	if patch.BaseURL != nil {
		target.BaseURL = *patch.BaseURL
	}
	if patch.DefaultHeaders != nil {
		merged := make(map[string]string, len(target.DefaultHeaders)+len(*patch.DefaultHeaders))
		for k, v := range target.DefaultHeaders {
			merged[k] = v
		}
		for k, v := range *patch.DefaultHeaders {
			merged[k] = v
		}
		target.DefaultHeaders = merged
	}
}

// LoadDotEnv は、.env ファイルが存在すれば環境変数に読み込みます。
// 既に設定されている環境変数は上書きしません。
func LoadDotEnv(paths ...string) error {
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf(".envファイルの読み込みに失敗しました (paths=%s): %w", strings.Join(existing, ","), err)
	}
	return nil
}

// ApplyEnvOverrides は、環境変数による上書きを設定に適用します。
func ApplyEnvOverrides(cfg *Config) error {
	if v := strings.TrimSpace(os.Getenv(EnvSource)); v != "" {
		if _, ok := cfg.FindSource(v); !ok {
			return fmt.Errorf("環境変数 %s のソース '%s' が設定に存在しません", EnvSource, v)
		}
		cfg.ActiveSource = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvDownloadDir)); v != "" {
		cfg.DownloadDirectory = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvHistoryDB)); v != "" {
		cfg.HistoryDBPath = v
	}
	return nil
}

// computeLineAndColumn は、バイトオフセットから行番号と列番号（1始まり）を計算します。
func computeLineAndColumn(data []byte, offset int64) (int, int) {
	if offset < 0 || int(offset) > len(data) {
		return 0, 0
	}
	line := 1
	lastLineStart := 0
	for i, b := range data {
		if int64(i) == offset {
			return line, i - lastLineStart + 1
		}
		if b == '\n' {
			line++
			lastLineStart = i + 1
		}
	}
	return line, int(offset) - lastLineStart + 1
}
