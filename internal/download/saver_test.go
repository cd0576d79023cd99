package download

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"GoArchiveMirror/internal/config"
	"GoArchiveMirror/internal/model"
	"GoArchiveMirror/internal/network"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryDownloader はURLごとの固定データを返すテスト用の Downloader です。
type memoryDownloader struct {
	files map[string][]byte
}

func (m *memoryDownloader) Download(_ context.Context, url string, w io.Writer, maxBytes int64) (int64, error) {
	data, ok := m.files[url]
	if !ok {
		return 0, &network.SourceError{Kind: network.SourceStatus, URL: url, Err: &network.HTTPError{StatusCode: http.StatusNotFound, URL: url, Message: "Not Found"}}
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return 0, &network.SourceError{Kind: network.SourceInvalid, URL: url, Err: network.ErrTooLarge}
	}
	n, err := w.Write(data)
	return int64(n), err
}

type zipEntry struct {
	name string
	body string
}

func buildZip(t *testing.T, entries ...zipEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		w, err := zw.Create(e.name)
		require.NoError(t, err)
		if e.body != "" {
			_, err = io.WriteString(w, e.body)
			require.NoError(t, err)
		}
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func newTestSaver(t *testing.T, files map[string][]byte, limits config.ExtractionLimits) (*Saver, string) {
	t.Helper()
	root := t.TempDir()
	worker := NewIOWorker()
	t.Cleanup(worker.Close)
	s, err := NewSaver(&memoryDownloader{files: files}, root, limits, worker, log.New(io.Discard, "", 0))
	require.NoError(t, err)
	return s, s.Root()
}

func attachment(name string) model.Attachment {
	return model.Attachment{Name: name, URL: "mem://" + name, CanDownload: true}
}

// listTree は root 以下の全ファイルの相対パスを返します。
func listTree(t *testing.T, root string) []string {
	t.Helper()
	var out []string
	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}
		rel, _ := filepath.Rel(root, p)
		if info.IsDir() {
			rel += "/"
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	require.NoError(t, err)
	sort.Strings(out)
	return out
}

func TestFetchAndSave_PlainFile(t *testing.T) {
	s, root := newTestSaver(t, map[string][]byte{"mem://schema.dat": []byte("hello")}, config.ExtractionLimits{})

	res, err := s.FetchAndSave(context.Background(), attachment("schema.dat"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "schema.dat"), res.Path)
	assert.Equal(t, "schema.dat", res.FileName)
	assert.False(t, res.Reused)
	assert.False(t, res.IsWorld)
	assert.Equal(t, int64(5), res.Bytes)
	assert.Equal(t, "5 B", res.SizeText)

	data, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, []string{"schema.dat"}, listTree(t, root), "一時ファイルは残らない")
}

func TestFetchAndSave_ReusesIdenticalFile(t *testing.T) {
	s, root := newTestSaver(t, map[string][]byte{"mem://schema.dat": []byte("same content")}, config.ExtractionLimits{})
	existing := filepath.Join(root, "schema.dat")
	require.NoError(t, os.WriteFile(existing, []byte("same content"), 0644))

	res, err := s.FetchAndSave(context.Background(), attachment("schema.dat"))
	require.NoError(t, err)
	assert.Equal(t, existing, res.Path)
	assert.True(t, res.Reused)
	assert.NoFileExists(t, filepath.Join(root, "schema_1.dat"))
	assert.Equal(t, []string{"schema.dat"}, listTree(t, root))
}

func TestFetchAndSave_UniqueNameOnDifferentContent(t *testing.T) {
	s, root := newTestSaver(t, map[string][]byte{"mem://schema.dat": []byte("new")}, config.ExtractionLimits{})
	require.NoError(t, os.WriteFile(filepath.Join(root, "schema.dat"), []byte("old"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "schema_1.dat"), []byte("older"), 0644))

	res, err := s.FetchAndSave(context.Background(), attachment("schema.dat"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "schema_2.dat"), res.Path)
	assert.False(t, res.Reused)

	// 候補の中に同一内容があれば、それを再利用する
	again, err := s.FetchAndSave(context.Background(), attachment("schema.dat"))
	require.NoError(t, err)
	assert.Equal(t, res.Path, again.Path)
	assert.True(t, again.Reused)
}

func TestFetchAndSave_ReusesIdenticalFileAfterGap(t *testing.T) {
	s, root := newTestSaver(t, map[string][]byte{"mem://schema.dat": []byte("new")}, config.ExtractionLimits{})
	require.NoError(t, os.WriteFile(filepath.Join(root, "schema.dat"), []byte("old"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "schema_2.dat"), []byte("new"), 0644))

	res, err := s.FetchAndSave(context.Background(), attachment("schema.dat"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "schema_2.dat"), res.Path)
	assert.True(t, res.Reused)
	assert.NoFileExists(t, filepath.Join(root, "schema_1.dat"))
}

func TestFetchAndSave_ConcurrentSavesDoNotCollide(t *testing.T) {
	files := map[string][]byte{}
	for i := 0; i < 8; i++ {
		files[fmt.Sprintf("mem://%d/farm.litematic", i)] = []byte(fmt.Sprintf("content-%d", i))
	}
	s, root := newTestSaver(t, files, config.ExtractionLimits{})

	var wg sync.WaitGroup
	paths := make([]string, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			att := model.Attachment{Name: "farm.litematic", URL: fmt.Sprintf("mem://%d/farm.litematic", i), CanDownload: true}
			res, err := s.FetchAndSave(context.Background(), att)
			assert.NoError(t, err)
			paths[i] = res.Path
		}()
	}
	wg.Wait()

	unique := map[string]bool{}
	for _, p := range paths {
		unique[p] = true
	}
	assert.Len(t, unique, 8)
	assert.Len(t, listTree(t, root), 8)
}

func TestFetchAndSave_NotDownloadable(t *testing.T) {
	s, _ := newTestSaver(t, nil, config.ExtractionLimits{})
	_, err := s.FetchAndSave(context.Background(), model.Attachment{Name: "video", URL: "https://youtube.com/x"})
	assert.ErrorIs(t, err, ErrNotDownloadable)
}

func TestFetchAndSave_SourceErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	client, err := network.NewClient(config.NetworkSettings{})
	require.NoError(t, err)
	worker := NewIOWorker()
	defer worker.Close()
	root := t.TempDir()
	s, err := NewSaver(client, root, config.ExtractionLimits{}, worker, log.New(io.Discard, "", 0))
	require.NoError(t, err)

	_, err = s.FetchAndSave(context.Background(), model.Attachment{Name: "x.litematic", URL: srv.URL + "/x.litematic", CanDownload: true})
	var se *network.SourceError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusNotFound, se.StatusCode())
	assert.Empty(t, listTree(t, root))
}

func TestFetchAndSave_ExtractsWorld(t *testing.T) {
	data := buildZip(t,
		zipEntry{name: "level.dat", body: "LEVEL"},
		zipEntry{name: "region/"},
		zipEntry{name: "region/r.0.0.mca", body: "REGION"},
		zipEntry{name: "__MACOSX/._level.dat", body: "junk"},
		zipEntry{name: ".DS_Store", body: "junk"},
	)
	s, root := newTestSaver(t, map[string][]byte{"mem://My World.zip": data}, config.ExtractionLimits{})

	res, err := s.FetchAndSave(context.Background(), model.Attachment{Name: "My World.zip", URL: "mem://My World.zip", CanDownload: true, ContentType: "application/zip"})
	require.NoError(t, err)
	assert.True(t, res.IsWorld)
	assert.Equal(t, filepath.Join(root, "My World"), res.Path)
	assert.Equal(t, int64(len("LEVEL")+len("REGION")), res.Bytes)
	assert.Equal(t, []string{"My World/", "My World/level.dat", "My World/region/", "My World/region/r.0.0.mca"}, listTree(t, root))

	// 同じ名前のディレクトリがある場合は別名で展開する
	res2, err := s.FetchAndSave(context.Background(), model.Attachment{Name: "My World.zip", URL: "mem://My World.zip", CanDownload: true, ContentType: "application/zip"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "My World_1"), res2.Path)
}

func TestFetchAndSave_MultipleWorldRoots(t *testing.T) {
	data := buildZip(t,
		zipEntry{name: "readme.txt", body: "ignored"},
		zipEntry{name: "pack/Alpha/level.dat", body: "A"},
		zipEntry{name: "pack/Alpha/data/map.dat", body: "AA"},
		zipEntry{name: "pack/Alpha/nested/level.dat", body: "N"},
		zipEntry{name: "pack/Beta/level.dat", body: "B"},
	)
	s, root := newTestSaver(t, map[string][]byte{"mem://worlds.zip": data}, config.ExtractionLimits{})

	res, err := s.FetchAndSave(context.Background(), attachment("worlds.zip"))
	require.NoError(t, err)
	assert.True(t, res.IsWorld)
	assert.Equal(t, filepath.Join(root, "Alpha"), res.Path)
	assert.Equal(t, []string{filepath.Join(root, "Beta")}, res.ExtraDirs)
	assert.Equal(t, []string{
		"Alpha/",
		"Alpha/data/",
		"Alpha/data/map.dat",
		"Alpha/level.dat",
		"Alpha/nested/",
		"Alpha/nested/level.dat",
		"Beta/",
		"Beta/level.dat",
	}, listTree(t, root))
}

func TestFetchAndSave_ZipWithoutWorldIsPlainFile(t *testing.T) {
	data := buildZip(t, zipEntry{name: "farm.litematic", body: "x"})
	s, root := newTestSaver(t, map[string][]byte{"mem://bundle.zip": data}, config.ExtractionLimits{})

	res, err := s.FetchAndSave(context.Background(), attachment("bundle.zip"))
	require.NoError(t, err)
	assert.False(t, res.IsWorld)
	assert.Equal(t, []string{"bundle.zip"}, listTree(t, root))
}

func TestFetchAndSave_RejectsPathEscape(t *testing.T) {
	data := buildZip(t,
		zipEntry{name: "level.dat", body: "LEVEL"},
		zipEntry{name: "../../evil", body: "pwned"},
	)
	parent := t.TempDir()
	root := filepath.Join(parent, "a", "b")
	worker := NewIOWorker()
	defer worker.Close()
	s, err := NewSaver(&memoryDownloader{files: map[string][]byte{"mem://w.zip": data}}, root, config.ExtractionLimits{}, worker, log.New(io.Discard, "", 0))
	require.NoError(t, err)

	_, err = s.FetchAndSave(context.Background(), attachment("w.zip"))
	var se *ExtractionSafetyError
	require.True(t, errors.As(err, &se), "err=%v", err)
	assert.Equal(t, PathEscape, se.Reason)

	assert.NoFileExists(t, filepath.Join(parent, "evil"))
	assert.NoFileExists(t, filepath.Join(parent, "a", "evil"))
	assert.Empty(t, listTree(t, root), "部分的な展開結果と一時ファイルは削除される")
}

func TestFetchAndSave_RejectsOversizedEntry(t *testing.T) {
	big := string(bytes.Repeat([]byte("x"), 100))
	data := buildZip(t,
		zipEntry{name: "level.dat", body: "L"},
		zipEntry{name: "region/r.0.0.mca", body: big},
	)
	s, root := newTestSaver(t, map[string][]byte{"mem://w.zip": data}, config.ExtractionLimits{MaxEntryBytes: 10})

	_, err := s.FetchAndSave(context.Background(), attachment("w.zip"))
	var se *ExtractionSafetyError
	require.True(t, errors.As(err, &se), "err=%v", err)
	assert.Equal(t, EntryTooLarge, se.Reason)
	assert.Equal(t, int64(10), se.Limit)
	assert.Empty(t, listTree(t, root))
}

func TestFetchAndSave_RejectsAggregateSize(t *testing.T) {
	chunk := string(bytes.Repeat([]byte("y"), 60))
	data := buildZip(t,
		zipEntry{name: "level.dat", body: chunk},
		zipEntry{name: "a.dat", body: chunk},
		zipEntry{name: "b.dat", body: chunk},
	)
	s, root := newTestSaver(t, map[string][]byte{"mem://w.zip": data}, config.ExtractionLimits{MaxTotalBytes: 150})

	_, err := s.FetchAndSave(context.Background(), attachment("w.zip"))
	var se *ExtractionSafetyError
	require.True(t, errors.As(err, &se), "err=%v", err)
	assert.Equal(t, ArchiveTooLarge, se.Reason)
	assert.Empty(t, listTree(t, root))
}

func TestFetchAndSave_RejectsTooManyEntries(t *testing.T) {
	entries := []zipEntry{{name: "level.dat", body: "L"}}
	for i := 0; i < 5; i++ {
		entries = append(entries, zipEntry{name: fmt.Sprintf("data/%d.dat", i), body: "d"})
	}
	data := buildZip(t, entries...)
	s, root := newTestSaver(t, map[string][]byte{"mem://w.zip": data}, config.ExtractionLimits{MaxEntries: 3})

	_, err := s.FetchAndSave(context.Background(), attachment("w.zip"))
	var se *ExtractionSafetyError
	require.True(t, errors.As(err, &se), "err=%v", err)
	assert.Equal(t, TooManyEntries, se.Reason)
	assert.Empty(t, listTree(t, root))
}

func TestFetchAndSave_FileLimit(t *testing.T) {
	s, root := newTestSaver(t, map[string][]byte{"mem://big.bin": bytes.Repeat([]byte("z"), 64)}, config.ExtractionLimits{MaxFileBytes: 16})

	_, err := s.FetchAndSave(context.Background(), attachment("big.bin"))
	assert.ErrorIs(t, err, network.ErrTooLarge)
	assert.Empty(t, listTree(t, root))
}

func TestSanitizeFilename(t *testing.T) {
	cases := map[string]string{
		"farm.litematic":  "farm.litematic",
		"a/b\\c:d":        "a／b＼c：d",
		"  ":              "fallback",
		"..":              "fallback",
		"name.":           "name",
		"tab\there":       "tabhere",
		"What? <v2>|.zip": "What？ ＜v2＞｜.zip",
	}
	for in, want := range cases {
		assert.Equal(t, want, SanitizeFilename(in, "fallback"), "input=%q", in)
	}
}

func TestCandidateName(t *testing.T) {
	assert.Equal(t, "schema.dat", candidateName("schema.dat", 0))
	assert.Equal(t, "schema_1.dat", candidateName("schema.dat", 1))
	assert.Equal(t, "README_2", candidateName("README", 2))
	assert.Equal(t, ".bashrc_1", candidateName(".bashrc", 1))

	for entry, want := range map[string]int{"schema.dat": 0, "schema_1.dat": 1, "schema_12.dat": 12} {
		got, ok := candidateIndex("schema.dat", entry)
		assert.True(t, ok, entry)
		assert.Equal(t, want, got, entry)
	}
	for _, entry := range []string{"schema_.dat", "schema_01.dat", "schema_x.dat", "schema_1.txt", "other.dat", "schema_-1.dat"} {
		_, ok := candidateIndex("schema.dat", entry)
		assert.False(t, ok, entry)
	}
}

func TestIOWorker(t *testing.T) {
	w := NewIOWorker()

	var mu sync.Mutex
	running := 0
	maxRunning := 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := w.Do(context.Background(), func() error {
				mu.Lock()
				running++
				maxRunning = max(maxRunning, running)
				mu.Unlock()
				mu.Lock()
				running--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxRunning)

	sentinel := errors.New("boom")
	assert.ErrorIs(t, w.Do(context.Background(), func() error { return sentinel }), sentinel)

	w.Close()
	assert.ErrorIs(t, w.Do(context.Background(), func() error { return nil }), ErrWorkerClosed)
}
