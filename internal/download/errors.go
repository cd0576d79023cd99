package download

import (
	"errors"
	"fmt"
	"io/fs"
	"syscall"
)

// ErrNotDownloadable は、ダウンロードできない添付ファイル（外部リンク等）が指定された場合のエラーです。
var ErrNotDownloadable = errors.New("この添付ファイルはダウンロードできません")

// SafetyReason は、アーカイブが安全でないと判断された理由です。
type SafetyReason int

const (
	PathEscape SafetyReason = iota
	EntryTooLarge
	ArchiveTooLarge
	TooManyEntries
)

func (r SafetyReason) String() string {
	switch r {
	case PathEscape:
		return "展開先の外を指すパス"
	case EntryTooLarge:
		return "エントリのサイズ超過"
	case ArchiveTooLarge:
		return "展開後の合計サイズ超過"
	case TooManyEntries:
		return "エントリ数の超過"
	default:
		return "不明"
	}
}

// ExtractionSafetyError は、安全でないアーカイブの展開を中止したことを表します。
// 通常のI/Oエラーとは区別して扱われます。
type ExtractionSafetyError struct {
	Reason SafetyReason
	Entry  string
	Limit  int64
}

func (e *ExtractionSafetyError) Error() string {
	if e.Reason == PathEscape {
		return fmt.Sprintf("安全でないアーカイブです: %s (entry=%s)", e.Reason, e.Entry)
	}
	return fmt.Sprintf("安全でないアーカイブです: %s (entry=%s, limit=%d)", e.Reason, e.Entry, e.Limit)
}

// IOKind は、ローカルI/Oエラーの分類です。
type IOKind int

const (
	OtherIO IOKind = iota
	PermissionDenied
	DiskFull
	NotFound
)

func (k IOKind) String() string {
	switch k {
	case PermissionDenied:
		return "アクセス拒否"
	case DiskFull:
		return "ディスク容量不足"
	case NotFound:
		return "ファイルが見つかりません"
	default:
		return "I/Oエラー"
	}
}

// IOError は、分類付きのローカルファイルシステムエラーです。
type IOError struct {
	Op   string
	Path string
	Kind IOKind
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%sに失敗しました [%s] (path=%s): %v", e.Op, e.Kind, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// ioError は err を IOError に包みます。既に IOError または ExtractionSafetyError の場合はそのまま返します。
func ioError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var ioe *IOError
	if errors.As(err, &ioe) {
		return err
	}
	var se *ExtractionSafetyError
	if errors.As(err, &se) {
		return err
	}
	return &IOError{Op: op, Path: path, Kind: classifyIO(err), Err: err}
}

func classifyIO(err error) IOKind {
	switch {
	case errors.Is(err, fs.ErrPermission):
		return PermissionDenied
	case errors.Is(err, syscall.ENOSPC):
		return DiskFull
	case errors.Is(err, fs.ErrNotExist):
		return NotFound
	default:
		return OtherIO
	}
}
