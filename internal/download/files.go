package download

import (
	"bytes"
	"cmp"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
)

// maxNameCandidates は、一意な名前を探す際の試行回数の上限です。
const maxNameCandidates = 10000

const fallbackFileName = "attachment"

var fileNameReplacer = strings.NewReplacer(
	"/", "／",
	"\\", "＼",
	":", "：",
	"*", "＊",
	"?", "？",
	"\"", "”",
	"<", "＜",
	">", "＞",
	"|", "｜",
)

// SanitizeFilename は、ファイル名に使用できない文字を全角文字に置き換えます。
// 空の名前や "." / ".." は使用できないため fallback を返します。
func SanitizeFilename(name, fallback string) string {
	name = strings.TrimSpace(fileNameReplacer.Replace(name))
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)
	name = strings.TrimRight(name, ". ")
	if name == "" || name == "." || name == ".." {
		return fallback
	}
	return name
}

// attachmentFileName は、添付ファイルの保存名を決定します。名前が空の場合はURLの末尾を使用します。
func attachmentFileName(name, rawURL string) string {
	if strings.TrimSpace(name) == "" {
		if u, err := url.Parse(rawURL); err == nil {
			name = path.Base(u.Path)
		}
	}
	return SanitizeFilename(name, fallbackFileName)
}

// splitName は、ファイル名を本体と拡張子に分割します。"schema.dat" は ("schema", ".dat") です。
func splitName(name string) (string, string) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	if stem == "" {
		return name, ""
	}
	return stem, ext
}

// candidateName は i 番目の候補名を返します。0 は元の名前、以降は "name_1.ext", "name_2.ext", ... です。
func candidateName(name string, i int) string {
	if i == 0 {
		return name
	}
	stem, ext := splitName(name)
	return stem + "_" + strconv.Itoa(i) + ext
}

// fileDigest はファイルのサイズと SHA-256 です。
type fileDigest struct {
	size int64
	sum  []byte
}

func digestFile(p string) (fileDigest, error) {
	f, err := os.Open(p)
	if err != nil {
		return fileDigest{}, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return fileDigest{}, err
	}
	return fileDigest{size: n, sum: h.Sum(nil)}, nil
}

// isIdentical は、既存ファイル p が want と同じ内容かを判定します。
// サイズが異なる場合は内容を読みません。
func isIdentical(p string, info fs.FileInfo, want fileDigest) (bool, error) {
	if !info.Mode().IsRegular() || info.Size() != want.size {
		return false, nil
	}
	got, err := digestFile(p)
	if err != nil {
		return false, err
	}
	return bytes.Equal(got.sum, want.sum), nil
}

// placeFile は、一時ファイル tmpPath を dir 内の name として確定します。
// 同じ基本名を持つ既存の候補 (name, name_1, ...) を番号の欠けも含めて全て調べ、
// 同一内容のファイルがあればそれを返し、書き込みは行いません。
// 戻り値の bool は既存ファイルを再利用したかどうかです。
// IOWorker 上で呼び出す必要があります。
func placeFile(dir, name, tmpPath string, digest fileDigest) (string, bool, error) {
	existing, err := existingCandidates(dir, name)
	if err != nil {
		return "", false, err
	}
	for _, candidate := range existing {
		info, err := os.Lstat(candidate)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return "", false, ioError("既存ファイルの確認", candidate, err)
		}
		same, err := isIdentical(candidate, info, digest)
		if err != nil {
			return "", false, ioError("既存ファイルの比較", candidate, err)
		}
		if same {
			return candidate, true, nil
		}
	}

	for i := 0; i < maxNameCandidates; i++ {
		candidate := filepath.Join(dir, candidateName(name, i))
		// 名前を確保してから置き換える
		f, err := os.OpenFile(candidate, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err != nil {
			if errors.Is(err, fs.ErrExist) {
				continue
			}
			return "", false, ioError("ファイルの作成", candidate, err)
		}
		f.Close()
		if err := os.Rename(tmpPath, candidate); err != nil {
			os.Remove(candidate)
			return "", false, ioError("ファイルの移動", candidate, err)
		}
		return candidate, false, nil
	}
	return "", false, ioError("一意なファイル名の決定", filepath.Join(dir, name), fmt.Errorf("候補が %d 件を超えました", maxNameCandidates))
}

// existingCandidates は、dir 内にある name の候補名のファイルを番号順に返します。
func existingCandidates(dir, name string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, ioError("ディレクトリの読み込み", dir, err)
	}
	type numbered struct {
		index int
		path  string
	}
	var found []numbered
	for _, e := range entries {
		if i, ok := candidateIndex(name, e.Name()); ok {
			found = append(found, numbered{i, filepath.Join(dir, e.Name())})
		}
	}
	slices.SortFunc(found, func(a, b numbered) int { return cmp.Compare(a.index, b.index) })

	paths := make([]string, len(found))
	for i, f := range found {
		paths[i] = f.path
	}
	return paths, nil
}

// candidateIndex は、entry が name の何番目の候補名かを返します。
func candidateIndex(name, entry string) (int, bool) {
	if entry == name {
		return 0, true
	}
	stem, ext := splitName(name)
	if len(entry) <= len(stem)+1+len(ext) || !strings.HasPrefix(entry, stem+"_") || !strings.HasSuffix(entry, ext) {
		return 0, false
	}
	i, err := strconv.Atoi(entry[len(stem)+1 : len(entry)-len(ext)])
	if err != nil || i < 1 || candidateName(name, i) != entry {
		return 0, false
	}
	return i, true
}

// makeUniqueDir は、parent 内に name, name_1, ... の順で最初に作成できたディレクトリを返します。
func makeUniqueDir(parent, name string) (string, error) {
	for i := 0; i < maxNameCandidates; i++ {
		candidate := filepath.Join(parent, candidateDirName(name, i))
		err := os.Mkdir(candidate, 0755)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", ioError("ディレクトリの作成", candidate, err)
		}
	}
	return "", ioError("一意なディレクトリ名の決定", filepath.Join(parent, name), fmt.Errorf("候補が %d 件を超えました", maxNameCandidates))
}

// candidateDirName はディレクトリ用の候補名です。ディレクトリ名の "." は拡張子として扱いません。
func candidateDirName(name string, i int) string {
	if i == 0 {
		return name
	}
	return name + "_" + strconv.Itoa(i)
}
