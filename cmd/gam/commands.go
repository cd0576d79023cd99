package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"GoArchiveMirror/internal/core"
	"GoArchiveMirror/internal/history"
	"GoArchiveMirror/internal/search"
	"GoArchiveMirror/internal/webui"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(channelsCmd(), searchCmd(), showCmd(), downloadCmd(), historyCmd(), verifyCmd(), serveCmd(), sourcesCmd())
}

// withSession はセッションを開いて fn を実行し、終了時に閉じます。
func withSession(fn func(cmd *cobra.Command, args []string, s *core.Session) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		s, _, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()
		return fn(cmd, args, s)
	}
}

func channelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "channels",
		Short: "チャンネル一覧を表示します",
		Args:  cobra.NoArgs,
		RunE: withSession(func(cmd *cobra.Command, _ []string, s *core.Session) error {
			cat, err := s.Catalog(cmd.Context())
			if err != nil {
				return err
			}
			if formatFlag == "json" {
				return printJSON(cmd.OutOrStdout(), cat.Channels)
			}
			writeChannels(cmd.OutOrStdout(), cat.Channels)
			return nil
		}),
	}
}

func searchCmd() *cobra.Command {
	var (
		sortFlag string
		tags     []string
		excludes []string
		channels []string
		page     int
		pageSize int
	)
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "投稿を検索します",
		Long:  "名前または短縮コードの部分一致と、タグ・チャンネルの条件で投稿を検索します。",
		RunE: withSession(func(cmd *cobra.Command, args []string, s *core.Session) error {
			sort, err := search.ParseSort(sortFlag)
			if err != nil {
				return err
			}
			res, err := s.Search(cmd.Context(), search.Params{
				Query:        strings.Join(args, " "),
				Sort:         sort,
				IncludeTags:  tags,
				ExcludeTags:  excludes,
				ChannelPaths: channels,
				Page:         page,
				PageSize:     pageSize,
			})
			if err != nil {
				return err
			}
			if formatFlag == "json" {
				return printJSON(cmd.OutOrStdout(), res)
			}
			writeSearchResult(cmd.OutOrStdout(), res)
			return nil
		}),
	}
	cmd.Flags().StringVar(&sortFlag, "sort", "newest", "並べ替え: newest, updated, name, code")
	cmd.Flags().StringSliceVarP(&tags, "tag", "t", nil, "含むべきタグ (複数指定はAND)")
	cmd.Flags().StringSliceVarP(&excludes, "exclude", "x", nil, "除外するタグ")
	cmd.Flags().StringSliceVar(&channels, "channel", nil, "チャンネルのパス")
	cmd.Flags().IntVarP(&page, "page", "p", 1, "ページ番号")
	cmd.Flags().IntVarP(&pageSize, "page-size", "n", search.DefaultPageSize, "1ページの件数")
	return cmd
}

func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <post-id>",
		Short: "投稿の詳細を表示します",
		Args:  cobra.ExactArgs(1),
		RunE: withSession(func(cmd *cobra.Command, args []string, s *core.Session) error {
			detail, err := s.Post(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if formatFlag == "json" {
				return printJSON(cmd.OutOrStdout(), detail)
			}
			writePostDetail(cmd.OutOrStdout(), detail)
			return nil
		}),
	}
}

func downloadCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "download <post-id> [attachment-name...]",
		Short: "投稿の添付ファイルを保存します",
		Long:  "添付ファイルを保存します。ワールドを含むZIPは展開されます。--all を指定するとダウンロード可能な全ての添付ファイルを保存します。",
		Args:  cobra.MinimumNArgs(1),
		RunE: withSession(func(cmd *cobra.Command, args []string, s *core.Session) error {
			postID, names := args[0], args[1:]
			if all {
				detail, err := s.Post(cmd.Context(), postID)
				if err != nil {
					return err
				}
				names = nil
				for _, a := range detail.Attachments {
					if a.CanDownload {
						names = append(names, a.Name)
					}
				}
			}
			if len(names) == 0 {
				return fmt.Errorf("保存する添付ファイル名を指定するか、--all を指定してください")
			}

			var results []core.DownloadResult
			var failed int
			for _, name := range names {
				res, err := s.Download(cmd.Context(), postID, name)
				if err != nil {
					failed++
					fmt.Fprintf(cmd.ErrOrStderr(), "失敗: %s: %v\n", name, err)
					continue
				}
				results = append(results, res)
			}
			if formatFlag == "json" {
				if err := printJSON(cmd.OutOrStdout(), results); err != nil {
					return err
				}
			} else {
				writeDownloadResults(cmd.OutOrStdout(), results)
			}
			if failed > 0 {
				return fmt.Errorf("%d 件の添付ファイルの保存に失敗しました", failed)
			}
			return nil
		}),
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "ダウンロード可能な全ての添付ファイルを保存する")
	return cmd
}

func historyCmd() *cobra.Command {
	var (
		limit int
		path  string
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "ダウンロード履歴を表示します",
		Args:  cobra.NoArgs,
		RunE: withSession(func(cmd *cobra.Command, _ []string, s *core.Session) error {
			if path != "" {
				entry, err := s.HistoryByPath(cmd.Context(), path)
				if err != nil {
					return err
				}
				if formatFlag == "json" {
					return printJSON(cmd.OutOrStdout(), entry)
				}
				writeHistory(cmd.OutOrStdout(), []history.Entry{entry})
				return nil
			}
			entries, err := s.History(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if formatFlag == "json" {
				return printJSON(cmd.OutOrStdout(), entries)
			}
			writeHistory(cmd.OutOrStdout(), entries)
			return nil
		}),
	}
	cmd.Flags().IntVarP(&limit, "limit", "l", 20, "表示件数")
	cmd.Flags().StringVar(&path, "path", "", "保存先パスに対応する履歴だけを表示する")
	return cmd
}

func verifyCmd() *cobra.Command {
	var (
		limit  int
		repair bool
	)
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "ダウンロード履歴の保存先が残っているか検証します",
		Args:  cobra.NoArgs,
		RunE: withSession(func(cmd *cobra.Command, _ []string, s *core.Session) error {
			res, err := s.VerifyHistory(cmd.Context(), limit, repair)
			if err != nil {
				return err
			}
			if formatFlag == "json" {
				return printJSON(cmd.OutOrStdout(), res)
			}
			writeVerification(cmd.OutOrStdout(), res, repair)
			return nil
		}),
	}
	cmd.Flags().IntVarP(&limit, "limit", "l", 200, "検証する履歴の件数")
	cmd.Flags().BoolVar(&repair, "repair", false, "欠損したファイルを再ダウンロードする")
	return cmd
}

func serveCmd() *cobra.Command {
	var (
		port int
		open bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "ローカルAPIサーバーを起動します",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, cfg, err := openSession()
			if err != nil {
				return err
			}
			defer s.Close()

			if !cmd.Flags().Changed("port") {
				port = cfg.WebUIPort
			}
			srv := webui.NewServer(s, nil)
			url, err := srv.Start(port)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "APIサーバー: %s\n", url)
			if open {
				if err := webui.OpenBrowser(url); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "警告: %v\n", err)
				}
			}

			select {
			case <-cmd.Context().Done():
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return srv.Shutdown(ctx)
			case <-srv.Done():
				return nil
			}
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "待ち受けポート (0 はOSが選択、既定: web_ui_port)")
	cmd.Flags().BoolVar(&open, "open", false, "起動後にブラウザで開く")
	return cmd
}

func sourcesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "設定済みのソース一覧を表示します",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			active, _ := cfg.Active()
			if formatFlag == "json" {
				return printJSON(cmd.OutOrStdout(), map[string]any{"active": active.Name, "sources": cfg.Sources})
			}
			for _, src := range cfg.Sources {
				marker := " "
				if src.Name == active.Name {
					marker = "*"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %-16s %s\n", marker, src.Name, src.BaseURL)
			}
			return nil
		},
	}
}
