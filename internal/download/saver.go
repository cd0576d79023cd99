// Package download は、添付ファイルのダウンロードと保存、
// およびワールドアーカイブ(ZIP)の安全な展開を実装します。
package download

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"GoArchiveMirror/internal/config"
	"GoArchiveMirror/internal/model"
	"GoArchiveMirror/internal/network"

	"github.com/dustin/go-humanize"
)

// Downloader は、URLの内容を w に書き込む機能です。*network.Client がこれを満たします。
type Downloader interface {
	Download(ctx context.Context, url string, w io.Writer, maxBytes int64) (int64, error)
}

// Saver は、添付ファイルをダウンロードルートに保存します。
type Saver struct {
	client Downloader
	root   string
	limits config.ExtractionLimits
	worker *IOWorker
	logger *log.Logger
}

// NewSaver は Saver を生成します。worker は複数の Saver で共有できます。
func NewSaver(client Downloader, root string, limits config.ExtractionLimits, worker *IOWorker, logger *log.Logger) (*Saver, error) {
	if client == nil || worker == nil {
		return nil, errors.New("clientとworkerは必須です")
	}
	if root == "" {
		return nil, errors.New("ダウンロード先ディレクトリが設定されていません")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("ダウンロード先ディレクトリの解決に失敗しました (path=%s): %w", root, err)
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Saver{
		client: client,
		root:   abs,
		limits: limits.WithDefaults(),
		worker: worker,
		logger: logger,
	}, nil
}

// Root はダウンロードルートの絶対パスを返します。
func (s *Saver) Root() string { return s.root }

// FetchAndSave は添付ファイルをダウンロードして保存します。
// ワールドを含むZIPはルートごとのディレクトリに展開し、それ以外は通常のファイルとして保存します。
// 一時ファイルは成否にかかわらず削除されます。
// ダウンロード完了後の保存処理は ctx がキャンセルされても最後まで実行されます。
func (s *Saver) FetchAndSave(ctx context.Context, att model.Attachment) (model.SaveResult, error) {
	if !att.CanDownload || att.URL == "" {
		return model.SaveResult{}, fmt.Errorf("%w (name=%s)", ErrNotDownloadable, att.Name)
	}
	name := attachmentFileName(att.Name, att.URL)

	if err := s.worker.Do(ctx, func() error {
		return ioError("ダウンロード先ディレクトリの作成", s.root, os.MkdirAll(s.root, 0755))
	}); err != nil {
		return model.SaveResult{}, err
	}

	tmp, err := os.CreateTemp(s.root, ".gam-*.part")
	if err != nil {
		return model.SaveResult{}, ioError("一時ファイルの作成", s.root, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	h := sha256.New()
	n, err := s.client.Download(ctx, att.URL, io.MultiWriter(tmp, h), s.limits.MaxFileBytes)
	closeErr := tmp.Close()
	if err != nil {
		var se *network.SourceError
		if errors.As(err, &se) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return model.SaveResult{}, fmt.Errorf("添付ファイル '%s' のダウンロードに失敗しました: %w", att.Name, err)
		}
		return model.SaveResult{}, ioError("一時ファイルへの書き込み", tmpPath, err)
	}
	if closeErr != nil {
		return model.SaveResult{}, ioError("一時ファイルへの書き込み", tmpPath, closeErr)
	}
	digest := fileDigest{size: n, sum: h.Sum(nil)}

	var result model.SaveResult
	err = s.worker.Do(context.WithoutCancel(ctx), func() error {
		var ferr error
		result, ferr = s.finalize(att, name, tmpPath, digest)
		return ferr
	})
	if err != nil {
		s.logger.Printf("ERROR: 添付ファイル '%s' の保存に失敗しました: %v", att.Name, err)
		return model.SaveResult{}, err
	}
	result.SizeText = humanize.Bytes(uint64(result.Bytes))
	return result, nil
}

// finalize は IOWorker 上で実行され、一時ファイルを最終的な保存先に確定します。
func (s *Saver) finalize(att model.Attachment, name, tmpPath string, digest fileDigest) (model.SaveResult, error) {
	if att.IsZip() {
		res, ok, err := s.tryExtractWorlds(name, tmpPath)
		if err != nil || ok {
			return res, err
		}
	}

	p, reused, err := placeFile(s.root, name, tmpPath, digest)
	if err != nil {
		return model.SaveResult{}, err
	}
	if reused {
		s.logger.Printf("INFO: 同一内容のファイルが既に存在するため再利用します: %s", p)
	} else {
		s.logger.Printf("INFO: ファイルを保存しました: %s (%s)", p, humanize.Bytes(uint64(digest.size)))
	}
	return model.SaveResult{
		FileName: filepath.Base(p),
		Path:     p,
		Reused:   reused,
		Bytes:    digest.size,
	}, nil
}

// tryExtractWorlds は、ZIPにワールドが含まれていれば展開します。
// ワールドが見つからない、またはZIPとして読めない場合は ok=false を返します。
func (s *Saver) tryExtractWorlds(name, tmpPath string) (model.SaveResult, bool, error) {
	zr, err := zip.OpenReader(tmpPath)
	if errors.Is(err, zip.ErrInsecurePath) {
		if zr != nil {
			zr.Close()
		}
		return model.SaveResult{}, false, &ExtractionSafetyError{Reason: PathEscape, Entry: name}
	}
	if err != nil {
		s.logger.Printf("WARNING: ZIPとして開けないため通常のファイルとして保存します (name=%s): %v", name, err)
		return model.SaveResult{}, false, nil
	}
	defer zr.Close()

	roots := findWorldRoots(&zr.Reader)
	if len(roots) == 0 {
		return model.SaveResult{}, false, nil
	}

	dests, written, err := extractWorlds(&zr.Reader, roots, s.root, name, s.limits)
	if err != nil {
		return model.SaveResult{}, false, err
	}
	s.logger.Printf("INFO: ワールドを展開しました: %s -> %v", describeRoots(roots), dests)

	res := model.SaveResult{
		FileName: filepath.Base(dests[0]),
		Path:     dests[0],
		IsWorld:  true,
		Bytes:    written,
	}
	if len(dests) > 1 {
		res.ExtraDirs = append([]string{}, dests[1:]...)
	}
	return res, true, nil
}
