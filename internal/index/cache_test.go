package index

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"GoArchiveMirror/internal/config"
	"GoArchiveMirror/internal/model"
	"GoArchiveMirror/internal/network"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rootFixture = `{
	"archiveChannels": [
		{"id": "c1", "name": "Crop Farms", "code": "CF", "category": "Farms", "path": "/Farms/crop-farms", "availableTags": ["Wheat", "Fast"]},
		{"id": "c2", "name": "Storage", "code": "ST", "category": "Storage", "path": "Storage/main", "availableTags": ["Compact"]}
	],
	"postStyle": {"description": {"headerText": ""}, "features": {"isOrdered": true}}
}`

const cropManifest = `{
	"id": "c1", "name": "Crop Farms", "availableTags": ["wheat", "Carrot"],
	"entries": [
		{"id": "p1", "name": "Wheat Farm", "code": "CF001", "tags": ["Wheat", "wheat", " Fast "], "archivedAt": 1700000000000, "updatedAt": 1710000000000, "path": "CF001 Wheat Farm"},
		{"id": "p2", "name": "Carrot Farm", "code": "CF002", "tags": ["Carrot"], "archivedAt": 1705000000000, "path": "/CF002 Carrot Farm"}
	]
}`

const storageManifest = `{
	"entries": [
		{"id": "p3", "name": "Item Sorter", "code": "ST001", "tags": ["Compact"], "archivedAt": 1690000000000, "path": "ST001 Item Sorter"}
	]
}`

const detailFixture = `{
	"id": "p1", "name": "Wheat Farm v2", "code": "CF001",
	"updatedAt": 1710000000000, "archivedAt": 1700000000000,
	"authors": [{"displayName": "Ilmango", "username": "ilmango"}, {"username": "anon"}, {}],
	"images": [
		{"name": "front.png", "path": "front.png", "description": "Front view", "width": 1920, "height": 1080},
		{"name": "external.png", "url": "https://cdn.example.com/x.png"}
	],
	"attachments": [
		{"name": "farm.litematic", "path": "farm.litematic", "canDownload": true, "contentType": "application/octet-stream", "size": 20480, "litematic": {"version": "1.20.1", "size": "9x5x12"}},
		{"name": "Showcase", "url": "https://youtube.com/watch?v=abc", "canDownload": false, "contentType": "youtube"},
		{"name": "world.zip", "path": "world.zip", "canDownload": true, "contentType": "application/zip", "wdl": {"version": "1.20.1"}}
	],
	"records": {"description": "A fast [farm](https://example.com)", "features": ["Fast", "Cheap"]},
	"styles": {"features": {"headerText": "Key Features"}},
	"post": {"forumId": "f1", "threadId": "t1", "threadURL": "https://discord.com/channels/1/2"}
}`

// fixtureSource はテスト用のリモートソースです。
type fixtureSource struct {
	server    *httptest.Server
	rootHits  atomic.Int32
	cropHits  atomic.Int32
	detailHit atomic.Int32

	mu        sync.Mutex
	root      string
	failCrop  bool
	failRoot  int // 残りの失敗回数
	rootDelay time.Duration
}

func newFixtureSource(t *testing.T) *fixtureSource {
	t.Helper()
	f := &fixtureSource{root: rootFixture}
	// パスに空白を含むため、ServeMux のパターンではなくパスで振り分ける
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/archive/config.json":
			f.serveRoot(w)
		case "/archive/Farms/crop-farms/data.json":
			f.cropHits.Add(1)
			f.mu.Lock()
			fail := f.failCrop
			f.mu.Unlock()
			if fail {
				http.NotFound(w, r)
				return
			}
			io.WriteString(w, cropManifest)
		case "/archive/Storage/main/data.json":
			io.WriteString(w, storageManifest)
		case "/archive/Farms/crop-farms/CF001 Wheat Farm/data.json":
			f.detailHit.Add(1)
			io.WriteString(w, detailFixture)
		default:
			http.NotFound(w, r)
		}
	})
	f.server = httptest.NewServer(handler)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fixtureSource) serveRoot(w http.ResponseWriter) {
	f.rootHits.Add(1)
	f.mu.Lock()
	delay, root := f.rootDelay, f.root
	fail := f.failRoot > 0
	if fail {
		f.failRoot--
	}
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if fail {
		http.Error(w, "boom", http.StatusInternalServerError)
		return
	}
	io.WriteString(w, root)
}

func (f *fixtureSource) baseURL() string { return f.server.URL + "/archive/" }

func newTestCache(t *testing.T, f *fixtureSource, opts Options) *Cache {
	t.Helper()
	client, err := network.NewClient(config.NetworkSettings{IndexTimeoutMillis: 5000})
	require.NoError(t, err)
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	c, err := NewCache(client, f.baseURL(), opts)
	require.NoError(t, err)
	return c
}

func TestCache_EnsureBuildsCatalog(t *testing.T) {
	f := newFixtureSource(t)
	c := newTestCache(t, f, Options{})

	cat, err := c.Ensure(context.Background())
	require.NoError(t, err)
	require.True(t, c.Loaded())

	require.Len(t, cat.Channels, 2)
	require.Len(t, cat.Posts, 3)

	crop := cat.Channels[0]
	assert.Equal(t, "Crop Farms", crop.Name)
	assert.Equal(t, "CF", crop.Code)
	assert.Equal(t, 2, crop.EntryCount)
	assert.Equal(t, []string{"Wheat", "Fast", "Carrot"}, crop.Tags)

	storage := cat.Channels[1]
	assert.Equal(t, 1, storage.EntryCount)

	// 件数の整合性: 各チャンネルの件数はチャンネルパスが一致する投稿数と等しい
	for _, ch := range cat.Channels {
		n := 0
		for _, p := range cat.Posts {
			if p.ChannelPath == ch.Path {
				n++
			}
		}
		assert.Equal(t, n, ch.EntryCount, "channel %s", ch.Path)
	}

	p1 := cat.Posts[0]
	assert.Equal(t, "Crop Farms", p1.ChannelName)
	assert.Equal(t, "CF", p1.ChannelCode)
	assert.Equal(t, "Farms", p1.ChannelCategory)
	assert.Equal(t, []string{"Wheat", "Fast"}, p1.Tags)
	assert.Equal(t, int64(1710000000000), p1.UpdatedAt.UnixMilli())

	p2 := cat.Posts[1]
	assert.Equal(t, p2.ArchivedAt, p2.UpdatedAt, "updatedAt は archivedAt で補完される")

	assert.Contains(t, cat.SchemaStyles, "features")

	// 2回目はキャッシュから返される
	again, err := c.Ensure(context.Background())
	require.NoError(t, err)
	assert.Same(t, cat, again)
	assert.Equal(t, int32(1), f.rootHits.Load())
}

func TestCache_SingleFlight(t *testing.T) {
	f := newFixtureSource(t)
	f.rootDelay = 150 * time.Millisecond
	c := newTestCache(t, f, Options{})

	const callers = 16
	var wg sync.WaitGroup
	results := make([]*model.Catalog, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = c.Ensure(context.Background())
		}()
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, results[0], results[i])
	}
	assert.Equal(t, int32(1), f.rootHits.Load(), "ルート設定の取得は1回だけであるべき")
	assert.Equal(t, int32(1), f.cropHits.Load())
}

func TestCache_FailureDoesNotPoison(t *testing.T) {
	f := newFixtureSource(t)
	f.failRoot = 1
	c := newTestCache(t, f, Options{})

	_, err := c.Ensure(context.Background())
	require.Error(t, err)
	var se *network.SourceError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, network.SourceStatus, se.Kind)
	assert.False(t, c.Loaded())

	cat, err := c.Ensure(context.Background())
	require.NoError(t, err)
	assert.Len(t, cat.Posts, 3)
	assert.Equal(t, int32(2), f.rootHits.Load())
}

func TestCache_ChannelFailureAbortsWholeLoad(t *testing.T) {
	f := newFixtureSource(t)
	f.failCrop = true
	c := newTestCache(t, f, Options{})

	_, err := c.Ensure(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Crop Farms")
	assert.False(t, c.Loaded(), "部分的なカタログは公開されない")

	f.mu.Lock()
	f.failCrop = false
	f.mu.Unlock()
	cat, err := c.Ensure(context.Background())
	require.NoError(t, err)
	assert.Len(t, cat.Channels, 2)
}

func TestCache_EmptyChannelList(t *testing.T) {
	f := newFixtureSource(t)
	f.root = `{"archiveChannels": []}`
	c := newTestCache(t, f, Options{})

	cat, err := c.Ensure(context.Background())
	require.NoError(t, err)
	assert.Empty(t, cat.Posts)
	assert.Empty(t, cat.Channels)
	assert.NotNil(t, cat.Posts)
}

func TestCache_InvalidateRefetches(t *testing.T) {
	f := newFixtureSource(t)
	c := newTestCache(t, f, Options{})

	first, err := c.Ensure(context.Background())
	require.NoError(t, err)

	c.Invalidate()
	assert.False(t, c.Loaded())

	second, err := c.Ensure(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, int32(2), f.rootHits.Load())
}

func TestCache_InvalidateDuringLoadDoesNotPublish(t *testing.T) {
	f := newFixtureSource(t)
	f.rootDelay = 200 * time.Millisecond
	c := newTestCache(t, f, Options{})

	done := make(chan error, 1)
	go func() {
		_, err := c.Ensure(context.Background())
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	c.Invalidate()
	require.NoError(t, <-done)
	assert.False(t, c.Loaded(), "無効化前に開始した取得結果は公開されない")
}

func TestCache_EnsureHonoursCallerContext(t *testing.T) {
	f := newFixtureSource(t)
	f.rootDelay = 300 * time.Millisecond
	c := newTestCache(t, f, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Ensure(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// 取得自体は継続し、後続の呼び出しはその結果を受け取る
	cat, err := c.Ensure(context.Background())
	require.NoError(t, err)
	assert.Len(t, cat.Posts, 3)
}

func TestCache_FetchDetail(t *testing.T) {
	f := newFixtureSource(t)
	c := newTestCache(t, f, Options{})

	post, err := c.FindPost(context.Background(), "p1")
	require.NoError(t, err)

	detail, err := c.FetchDetail(context.Background(), post)
	require.NoError(t, err)

	assert.Equal(t, "Wheat Farm v2", detail.Name)
	assert.Equal(t, []model.Author{
		{DisplayName: "Ilmango", Username: "ilmango"},
		{DisplayName: "anon", Username: "anon"},
		{DisplayName: "Unknown"},
	}, detail.Authors)

	require.Len(t, detail.Images, 2)
	assert.Equal(t, f.server.URL+"/archive/Farms/crop-farms/CF001%20Wheat%20Farm/front.png", detail.Images[0].URL)
	assert.Equal(t, 1920, detail.Images[0].Width)
	assert.Equal(t, "https://cdn.example.com/x.png", detail.Images[1].URL)

	require.Len(t, detail.Attachments, 3)
	lit := detail.Attachments[0]
	assert.True(t, lit.CanDownload)
	assert.True(t, strings.HasSuffix(lit.URL, "/CF001%20Wheat%20Farm/farm.litematic"))
	assert.Equal(t, "20 kB", lit.SizeText)
	require.NotNil(t, lit.Litematic)
	assert.Equal(t, "9x5x12", lit.Litematic.Size)

	yt := detail.Attachments[1]
	assert.False(t, yt.CanDownload)
	assert.Equal(t, "https://youtube.com/watch?v=abc", yt.URL)

	world := detail.Attachments[2]
	require.NotNil(t, world.World)
	assert.True(t, world.IsZip())

	require.NotNil(t, detail.Thread)
	assert.Equal(t, "t1", detail.Thread.ThreadID)

	require.Len(t, detail.Sections, 2)
	assert.Equal(t, "Description", detail.Sections[0].Title)
	assert.Equal(t, []string{"A fast farm (link removed)"}, detail.Sections[0].Lines)
	assert.Equal(t, "Key Features", detail.Sections[1].Title)
	assert.Equal(t, []string{"1. Fast", "2. Cheap"}, detail.Sections[1].Lines)

	// 詳細キャッシュが無効の場合は毎回再取得する
	_, err = c.FetchDetail(context.Background(), post)
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.detailHit.Load())
}

func TestCache_FetchDetailWithCache(t *testing.T) {
	f := newFixtureSource(t)
	c := newTestCache(t, f, Options{DetailCacheSize: 4})

	post, err := c.FindPost(context.Background(), "p1")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := c.FetchDetail(context.Background(), post)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), f.detailHit.Load())

	c.Invalidate()
	_, err = c.FetchDetail(context.Background(), post)
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.detailHit.Load())
}

func TestCache_FindPostMissing(t *testing.T) {
	f := newFixtureSource(t)
	c := newTestCache(t, f, Options{})

	_, err := c.FindPost(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrPostNotFound)
}

func TestCache_DetailNotFound(t *testing.T) {
	f := newFixtureSource(t)
	c := newTestCache(t, f, Options{})

	post, err := c.FindPost(context.Background(), "p3")
	require.NoError(t, err)

	_, err = c.FetchDetail(context.Background(), post)
	var se *network.SourceError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusNotFound, se.StatusCode())
}
