// gam は、リモートのアーカイブソースを閲覧・検索し、添付ファイルを保存するコマンドです。
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"GoArchiveMirror/internal/config"
	"GoArchiveMirror/internal/core"

	"github.com/spf13/cobra"
)

// グローバル変数
var (
	// ログファイル管理用
	logFile *os.File

	// コマンドラインフラグ
	configFile   string
	sourceFlag   string
	formatFlag   string
	downloadFlag string
)

var rootCmd = &cobra.Command{
	Use:           "gam",
	Short:         "アーカイブソースのミラー・検索クライアント",
	Long:          "リモートのアーカイブソースからカタログを取得して検索し、投稿の詳細表示と添付ファイルの保存を行います。",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "設定ファイルのパス (既定: $GAM_CONFIG または config.json)")
	rootCmd.PersistentFlags().StringVarP(&sourceFlag, "source", "s", "", "使用するソース名 (既定: active_source)")
	rootCmd.PersistentFlags().StringVarP(&formatFlag, "format", "f", "text", "出力形式: text または json")
	rootCmd.PersistentFlags().StringVar(&downloadFlag, "download-dir", "", "保存先ディレクトリ (既定: download_directory)")
}

// main関数はアプリケーションのエントリーポイントです。
func main() {
	log.SetOutput(os.Stderr)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	err := rootCmd.ExecuteContext(ctx)
	if logFile != nil {
		logFile.Close()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "エラー: %v\n", err)
		os.Exit(1)
	}
}

func resolveConfigPath() string {
	if configFile != "" {
		return configFile
	}
	if env := os.Getenv(config.EnvConfigPath); env != "" {
		return env
	}
	return "config.json"
}

// loadConfig は .env、設定ファイル、環境変数、フラグの順に設定を解決します。
func loadConfig() (*config.Config, error) {
	if err := config.LoadDotEnv(".env"); err != nil {
		return nil, err
	}
	path := resolveConfigPath()
	cfg, err := config.LoadAndResolve(path)
	if err != nil {
		return nil, fmt.Errorf("設定ファイルの読み込みに失敗しました (path=%s): %w", path, err)
	}
	if err := config.ApplyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if sourceFlag != "" {
		if _, ok := cfg.FindSource(sourceFlag); !ok {
			return nil, fmt.Errorf("ソース '%s' は設定に存在しません", sourceFlag)
		}
		cfg.ActiveSource = sourceFlag
	}
	if downloadFlag != "" {
		cfg.DownloadDirectory = downloadFlag
	}
	return cfg, nil
}

// openSession は設定を読み込み、ログ出力を設定してセッションを開始します。
func openSession() (*core.Session, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	setupLogger(cfg)
	session, err := core.NewSession(cfg, log.Default())
	if err != nil {
		return nil, nil, err
	}
	return session, cfg, nil
}

// setupLogger はログ出力先を設定します。
// config.EnableLogFile が true の場合、ファイルにも出力します。
func setupLogger(cfg *config.Config) {
	toggleLogger(cfg.EnableLogFile, cfg.LogFilePath)
}

// toggleLogger はログ出力のファイル書き込みを切り替えます。
// enable: trueならファイルにも出力、falseなら標準エラー出力のみ
// path: ログファイルのパス (空の場合は日付形式)
func toggleLogger(enable bool, path string) error {
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}

	if !enable {
		log.SetOutput(os.Stderr)
		return nil
	}
	if path == "" {
		today := time.Now().Format("2006-01-02")
		path = fmt.Sprintf("gam_%s.log", today)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.Printf("WARNING: ログファイルを開けませんでした: %v", err)
		return err
	}
	logFile = f
	// 標準エラー出力とファイルの両方に出力
	log.SetOutput(io.MultiWriter(os.Stderr, f))
	log.Printf("INFO: ログ出力をファイル '%s' に開始しました", path)
	return nil
}
