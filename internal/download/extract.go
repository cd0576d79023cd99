package download

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"GoArchiveMirror/internal/config"
)

// worldMarker は、ワールドのセーブディレクトリの直下にあるファイル名です。
const worldMarker = "level.dat"

// 展開時に読み飛ばすOS由来のファイル
var junkDirs = []string{"__MACOSX"}
var junkFiles = []string{".DS_Store", "Thumbs.db"}

// isJunk は、エントリがOSの生成したメタデータかを判定します。
func isJunk(name string) bool {
	for _, seg := range strings.Split(strings.Trim(name, "/"), "/") {
		for _, d := range junkDirs {
			if seg == d {
				return true
			}
		}
	}
	base := path.Base(name)
	for _, f := range junkFiles {
		if strings.EqualFold(base, f) {
			return true
		}
	}
	return false
}

// entryName は、エントリ名を区切り文字 "/" に正規化します。
func entryName(f *zip.File) string {
	return strings.ReplaceAll(f.Name, "\\", "/")
}

// escapesRoot は、エントリ名が展開先の外を指すかを判定します。
func escapesRoot(name string) bool {
	if name == "" {
		return false
	}
	if strings.HasPrefix(name, "/") || filepath.IsAbs(name) || filepath.VolumeName(name) != "" {
		return true
	}
	if len(name) >= 2 && name[1] == ':' {
		return true
	}
	cleaned := path.Clean(name)
	return cleaned == ".." || strings.HasPrefix(cleaned, "../")
}

// findWorldRoots は、worldMarker を直下に含むディレクトリのプレフィックスを発見順に返します。
// アーカイブ直下のワールドは "" です。他のルートの内側にあるルートは外側に統合されます。
func findWorldRoots(zr *zip.Reader) []string {
	var found []string
	seen := make(map[string]bool)
	for _, f := range zr.File {
		name := entryName(f)
		if f.FileInfo().IsDir() || isJunk(name) || escapesRoot(name) {
			continue
		}
		if path.Base(name) != worldMarker {
			continue
		}
		prefix := ""
		if dir := path.Dir(path.Clean(name)); dir != "." {
			prefix = dir + "/"
		}
		if !seen[prefix] {
			seen[prefix] = true
			found = append(found, prefix)
		}
	}

	roots := make([]string, 0, len(found))
	for _, r := range found {
		nested := false
		for _, other := range found {
			if other != r && strings.HasPrefix(r, other) {
				nested = true
				break
			}
		}
		if !nested {
			roots = append(roots, r)
		}
	}
	return roots
}

// routeEntry は、エントリが属するルートの番号を返します。該当しない場合は -1 です。
func routeEntry(name string, roots []string) int {
	cleaned := path.Clean(name)
	if strings.HasSuffix(name, "/") {
		cleaned += "/"
	}
	for i, r := range roots {
		if r == "" || strings.HasPrefix(cleaned, r) {
			return i
		}
	}
	return -1
}

// worldExtraction は1回の展開処理の状態です。
type worldExtraction struct {
	limits  config.ExtractionLimits
	roots   []string
	dests   []string
	created []string
	written int64
	entries int
}

// extractWorlds は、各ルートを downloadRoot 直下の新しいディレクトリに展開します。
// 戻り値はルートと同じ順序の展開先です。
// 安全上の制約に違反した場合やI/Oエラーの場合は、この展開で作成したディレクトリを全て削除します。
func extractWorlds(zr *zip.Reader, roots []string, downloadRoot, archiveName string, limits config.ExtractionLimits) (dests []string, written int64, err error) {
	x := &worldExtraction{limits: limits, roots: roots}
	defer func() {
		if err != nil {
			x.rollback()
		}
	}()

	for _, r := range roots {
		dest, err := makeUniqueDir(downloadRoot, worldDirName(r, archiveName))
		if err != nil {
			return nil, 0, err
		}
		x.created = append(x.created, dest)
		x.dests = append(x.dests, dest)
	}

	for _, f := range zr.File {
		if err := x.extractEntry(f); err != nil {
			return nil, 0, err
		}
	}
	return x.dests, x.written, nil
}

func (x *worldExtraction) rollback() {
	for _, dir := range x.created {
		os.RemoveAll(dir)
	}
}

func (x *worldExtraction) extractEntry(f *zip.File) error {
	name := entryName(f)
	isDir := f.FileInfo().IsDir()

	// 1. パス
	if escapesRoot(name) {
		return &ExtractionSafetyError{Reason: PathEscape, Entry: f.Name}
	}
	// 2. 宣言サイズ
	declared := int64(f.UncompressedSize64)
	if f.UncompressedSize64 > uint64(x.limits.MaxEntryBytes) {
		return &ExtractionSafetyError{Reason: EntryTooLarge, Entry: f.Name, Limit: x.limits.MaxEntryBytes}
	}
	// 3. 合計サイズ
	if x.written+declared > x.limits.MaxTotalBytes {
		return &ExtractionSafetyError{Reason: ArchiveTooLarge, Entry: f.Name, Limit: x.limits.MaxTotalBytes}
	}
	// 4. エントリ数
	if !isDir {
		x.entries++
		if x.entries > x.limits.MaxEntries {
			return &ExtractionSafetyError{Reason: TooManyEntries, Entry: f.Name, Limit: int64(x.limits.MaxEntries)}
		}
	}
	// 5. 不要ファイル
	if isJunk(name) {
		return nil
	}

	idx := routeEntry(name, x.roots)
	if idx < 0 {
		return nil
	}
	rel := strings.TrimPrefix(path.Clean(name), strings.TrimSuffix(x.roots[idx], "/"))
	rel = strings.TrimPrefix(rel, "/")
	if rel == "" || rel == "." {
		return nil
	}

	dest := x.dests[idx]
	target := filepath.Join(dest, filepath.FromSlash(rel))
	if !withinDir(dest, target) {
		return &ExtractionSafetyError{Reason: PathEscape, Entry: f.Name}
	}

	if isDir {
		if err := os.MkdirAll(target, 0755); err != nil {
			return ioError("ディレクトリの作成", target, err)
		}
		return nil
	}
	return x.writeFile(f, target)
}

func (x *worldExtraction) writeFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return ioError("ディレクトリの作成", filepath.Dir(target), err)
	}
	rc, err := f.Open()
	if err != nil {
		return ioError("アーカイブエントリの読み込み", f.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return ioError("ファイルの作成", target, err)
	}

	// 実際に読んだバイト数でも上限を確認する
	budget := min(x.limits.MaxEntryBytes, x.limits.MaxTotalBytes-x.written)
	n, copyErr := io.Copy(out, io.LimitReader(rc, budget+1))
	closeErr := out.Close()
	if copyErr == nil && n > budget {
		if n > x.limits.MaxEntryBytes {
			copyErr = &ExtractionSafetyError{Reason: EntryTooLarge, Entry: f.Name, Limit: x.limits.MaxEntryBytes}
		} else {
			copyErr = &ExtractionSafetyError{Reason: ArchiveTooLarge, Entry: f.Name, Limit: x.limits.MaxTotalBytes}
		}
	}
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		os.Remove(target)
		var se *ExtractionSafetyError
		if errors.As(copyErr, &se) {
			return copyErr
		}
		return ioError("エントリの展開", target, copyErr)
	}
	x.written += n
	return nil
}

// withinDir は target が dir の内側にあるかを判定します。
func withinDir(dir, target string) bool {
	rel, err := filepath.Rel(dir, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// worldDirName は、ルートの展開先ディレクトリ名です。
// アーカイブ直下のワールドはアーカイブ名（拡張子なし）を使用します。
func worldDirName(root, archiveName string) string {
	if root != "" {
		return SanitizeFilename(path.Base(strings.TrimSuffix(root, "/")), "world")
	}
	stem, _ := splitName(archiveName)
	return SanitizeFilename(stem, "world")
}

func describeRoots(roots []string) string {
	labels := make([]string, len(roots))
	for i, r := range roots {
		if r == "" {
			labels[i] = "(root)"
		} else {
			labels[i] = r
		}
	}
	return fmt.Sprint(labels)
}
