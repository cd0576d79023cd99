package core

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"GoArchiveMirror/internal/history"
)

// VerificationResult は検証結果を表します。
type VerificationResult struct {
	TotalChecked   int      `json:"total_checked"`
	TotalMissing   int      `json:"total_missing"`
	TotalRepaired  int      `json:"total_repaired"`
	TotalFailed    int      `json:"total_failed"`
	MissingDetails []string `json:"missing_details"`
}

// VerifyHistory は、ダウンロード履歴の直近 limit 件について保存先が残っているかを検証します。
// repair が true の場合、欠損したファイルのうちアクティブなソースのものを再ダウンロードします。
func (s *Session) VerifyHistory(ctx context.Context, limit int, repair bool) (VerificationResult, error) {
	result := VerificationResult{MissingDetails: []string{}}
	if s.history == nil {
		return result, ErrHistoryDisabled
	}

	entries, err := s.history.Recent(ctx, limit)
	if err != nil {
		return result, err
	}

	s.logger.Printf("INFO: 検証を開始します (entries=%d, repair=%v)", len(entries), repair)
	checked := make(map[string]bool, len(entries))
	active := s.ActiveSource().Name

	for _, e := range entries {
		if checked[e.Path] {
			continue
		}
		checked[e.Path] = true
		result.TotalChecked++

		problem := checkSaved(e)
		if problem == "" {
			continue
		}
		result.TotalMissing++
		detail := fmt.Sprintf("[%s] %s / %s: %s (%s)", e.Source, e.PostName, e.AttachmentName, problem, e.Path)
		result.MissingDetails = append(result.MissingDetails, detail)
		s.logger.Printf("WARNING: %s", detail)

		if !repair {
			continue
		}
		if e.Source != active {
			result.TotalFailed++
			s.logger.Printf("WARNING: 別のソースの履歴のため修復できません (source=%s, active=%s)", e.Source, active)
			continue
		}
		if _, err := s.Download(ctx, e.PostID, e.AttachmentName); err != nil {
			result.TotalFailed++
			s.logger.Printf("ERROR: 再ダウンロードに失敗しました (post=%s, attachment=%s): %v", e.PostID, e.AttachmentName, err)
			continue
		}
		result.TotalRepaired++
	}

	s.logger.Printf("INFO: 検証が完了しました (checked=%d, missing=%d, repaired=%d, failed=%d)",
		result.TotalChecked, result.TotalMissing, result.TotalRepaired, result.TotalFailed)
	return result, nil
}

// checkSaved は保存先の状態を確認し、問題があればその説明を返します。
func checkSaved(e history.Entry) string {
	info, err := os.Stat(e.Path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return "見つかりません"
	case err != nil:
		return fmt.Sprintf("確認できません: %v", err)
	case e.IsWorld && !info.IsDir():
		return "ディレクトリではありません"
	case !e.IsWorld && info.IsDir():
		return "ファイルではありません"
	case !e.IsWorld && info.Size() != e.Bytes:
		return fmt.Sprintf("サイズが一致しません (expected=%d, actual=%d)", e.Bytes, info.Size())
	}
	return ""
}
