package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"GoArchiveMirror/internal/core"
	"GoArchiveMirror/internal/history"
	"GoArchiveMirror/internal/model"
	"GoArchiveMirror/internal/search"

	"github.com/dustin/go-humanize"
)

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("JSONの生成に失敗しました: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func writeChannels(w io.Writer, channels []model.Channel) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CODE\tNAME\tCATEGORY\tPATH\tENTRIES")
	for _, ch := range channels {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n", ch.Code, ch.Name, ch.Category, ch.Path, ch.EntryCount)
	}
	tw.Flush()
}

func writeSearchResult(w io.Writer, res search.Result) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCODE\tNAME\tCHANNEL\tTAGS\tARCHIVED")
	for _, p := range res.Items {
		archived := ""
		if !p.ArchivedAt.IsZero() {
			archived = humanize.Time(p.ArchivedAt)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", p.ID, p.Code, p.Name, p.ChannelPath, strings.Join(p.Tags, ","), archived)
	}
	tw.Flush()
	fmt.Fprintf(w, "\n%d 件中 %d/%d ページ\n", res.TotalItems, res.Page, res.TotalPages)
}

func writePostDetail(w io.Writer, d *model.PostDetail) {
	fmt.Fprintf(w, "%s [%s]\n", d.Name, d.Code)
	fmt.Fprintf(w, "チャンネル: %s (%s)\n", d.ChannelName, d.ChannelPath)
	if len(d.Tags) > 0 {
		fmt.Fprintf(w, "タグ: %s\n", strings.Join(d.Tags, ", "))
	}
	if len(d.Authors) > 0 {
		names := make([]string, 0, len(d.Authors))
		for _, a := range d.Authors {
			names = append(names, a.DisplayName)
		}
		fmt.Fprintf(w, "作者: %s\n", strings.Join(names, ", "))
	}
	if d.Thread != nil && d.Thread.URL != "" {
		fmt.Fprintf(w, "スレッド: %s\n", d.Thread.URL)
	}

	for _, sec := range d.Sections {
		fmt.Fprintf(w, "\n%s %s\n", strings.Repeat("#", max(sec.Depth, 1)), sec.Title)
		for _, line := range sec.Lines {
			fmt.Fprintln(w, line)
		}
	}

	if len(d.Attachments) > 0 {
		fmt.Fprintln(w, "\n添付ファイル:")
		for _, a := range d.Attachments {
			kind := "リンク"
			if a.CanDownload {
				kind = a.SizeText
				if kind == "" {
					kind = "-"
				}
			}
			fmt.Fprintf(w, "  - %s (%s) %s\n", a.Name, kind, a.URL)
		}
	}
	if len(d.Images) > 0 {
		fmt.Fprintln(w, "\n画像:")
		for _, img := range d.Images {
			fmt.Fprintf(w, "  - %s %s\n", img.Name, img.URL)
		}
	}
}

func writeDownloadResults(w io.Writer, results []core.DownloadResult) {
	for _, r := range results {
		var note []string
		if r.IsWorld {
			note = append(note, "ワールド")
		}
		if r.Reused {
			note = append(note, "再利用")
		}
		if r.Stale {
			note = append(note, "切替前のソース")
		}
		suffix := ""
		if len(note) > 0 {
			suffix = " [" + strings.Join(note, ", ") + "]"
		}
		fmt.Fprintf(w, "保存しました: %s (%s)%s\n", r.Path, r.SizeText, suffix)
		for _, dir := range r.ExtraDirs {
			fmt.Fprintf(w, "  + %s\n", dir)
		}
	}
}

func writeHistory(w io.Writer, entries []history.Entry) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SAVED\tSOURCE\tPOST\tATTACHMENT\tSIZE\tPATH")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.SavedAt.Local().Format("2006-01-02 15:04"), e.Source, e.PostName, e.AttachmentName, humanize.Bytes(uint64(max(e.Bytes, 0))), e.Path)
	}
	tw.Flush()
}

func writeVerification(w io.Writer, res core.VerificationResult, repair bool) {
	fmt.Fprintf(w, "検証: %d 件, 欠損: %d 件\n", res.TotalChecked, res.TotalMissing)
	if repair {
		fmt.Fprintf(w, "修復: %d 件, 失敗: %d 件\n", res.TotalRepaired, res.TotalFailed)
	}
	for _, d := range res.MissingDetails {
		fmt.Fprintf(w, "  - %s\n", d)
	}
}
