// Package index は、リモートソースのJSONドキュメント群を取得し、
// メモリ上のカタログとして保持するローダー兼キャッシュを実装します。
package index

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"GoArchiveMirror/internal/model"
	"GoArchiveMirror/internal/network"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// catalogFlightKey は singleflight のキーです。カタログは1ソースにつき1つです。
const catalogFlightKey = "catalog"

// ErrPostNotFound は、指定IDの投稿がカタログに存在しない場合のエラーです。
var ErrPostNotFound = errors.New("投稿が見つかりません")

// Fetcher は、ソースからJSONドキュメントを取得する機能です。
// *network.Client がこれを満たします。
type Fetcher interface {
	GetJSON(ctx context.Context, url string, v any) error
}

// Options は Cache の生成オプションです。
type Options struct {
	// DetailCacheSize が正の場合、投稿詳細を件数上限付きでキャッシュします。
	// 0 の場合は閲覧のたびに再取得します。
	DetailCacheSize int
	Logger          *log.Logger
}

// Cache は、1つのリモートソースに対するカタログのローダー兼キャッシュです。
// Ensure は並行に呼び出しても安全で、同時に実行される取得は常に1つだけです。
type Cache struct {
	fetcher Fetcher
	baseURL string
	logger  *log.Logger

	group singleflight.Group

	mu         sync.RWMutex
	catalog    *model.Catalog
	generation uint64

	details *lru.Cache[string, model.PostDetail]
}

// NewCache は、baseURL をソースとする Cache を生成します。
func NewCache(fetcher Fetcher, baseURL string, opts Options) (*Cache, error) {
	if fetcher == nil {
		return nil, errors.New("fetcherがnilです")
	}
	if _, err := network.ResolveURL(baseURL); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	c := &Cache{
		fetcher: fetcher,
		baseURL: baseURL,
		logger:  logger,
	}
	if opts.DetailCacheSize > 0 {
		details, err := lru.New[string, model.PostDetail](opts.DetailCacheSize)
		if err != nil {
			return nil, fmt.Errorf("詳細キャッシュの作成に失敗しました (size=%d): %w", opts.DetailCacheSize, err)
		}
		c.details = details
	}
	return c, nil
}

// BaseURL はソースのベースURLを返します。
func (c *Cache) BaseURL() string { return c.baseURL }

// Loaded は、公開済みのカタログを保持しているかを返します。
func (c *Cache) Loaded() bool {
	return c.Snapshot() != nil
}

// Snapshot は公開済みのカタログを返します。未取得の場合は nil です。取得は行いません。
func (c *Cache) Snapshot() *model.Catalog {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.catalog
}

// Ensure は、カタログを返します。未取得の場合はソースから取得して構築します。
// 取得中に呼ばれた場合は、進行中の取得結果を待ちます。
// 取得に失敗した場合はキャッシュに何も残さず、次回の呼び出しで最初から再試行します。
func (c *Cache) Ensure(ctx context.Context) (*model.Catalog, error) {
	c.mu.RLock()
	if cat := c.catalog; cat != nil {
		c.mu.RUnlock()
		return cat, nil
	}
	c.mu.RUnlock()

	// 取得は呼び出し元のキャンセルに左右されない。タイムアウトはクライアント側で保証される。
	loadCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(catalogFlightKey, func() (any, error) {
		c.mu.RLock()
		gen := c.generation
		c.mu.RUnlock()

		cat, err := c.load(loadCtx)
		if err != nil {
			c.logger.Printf("ERROR: カタログの取得に失敗しました (base=%s): %v", c.baseURL, err)
			return nil, err
		}

		c.mu.Lock()
		if c.generation == gen {
			c.catalog = cat
		} else {
			c.logger.Printf("INFO: 取得中にキャッシュが無効化されたため、結果を公開しません (base=%s)", c.baseURL)
		}
		c.mu.Unlock()
		return cat, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*model.Catalog), nil
	}
}

// Invalidate はキャッシュを破棄します。次の Ensure はソースから再取得します。
// 進行中の取得があっても、その結果は公開されません。
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.catalog = nil
	c.generation++
	c.mu.Unlock()

	c.group.Forget(catalogFlightKey)
	if c.details != nil {
		c.details.Purge()
	}
}

// FindPost は、カタログからIDに一致する投稿を返します。
func (c *Cache) FindPost(ctx context.Context, id string) (model.PostSummary, error) {
	cat, err := c.Ensure(ctx)
	if err != nil {
		return model.PostSummary{}, err
	}
	post, ok := cat.FindPost(id)
	if !ok {
		return model.PostSummary{}, fmt.Errorf("%w (id=%s)", ErrPostNotFound, id)
	}
	return post, nil
}

// load は、ルート設定と全チャンネルのマニフェストを取得してカタログを構築します。
// マニフェストは並列に取得し、1つでも失敗した場合は全体を失敗とします。
func (c *Cache) load(ctx context.Context) (*model.Catalog, error) {
	rootURL, err := network.ResolveURL(c.baseURL, rootDocumentName)
	if err != nil {
		return nil, err
	}

	var root rootDocument
	if err := c.fetcher.GetJSON(ctx, rootURL, &root); err != nil {
		return nil, fmt.Errorf("ルート設定の取得に失敗しました: %w", err)
	}

	if len(root.ArchiveChannels) == 0 {
		c.logger.Printf("INFO: ソースにチャンネルがありません。空のカタログを公開します (base=%s)", c.baseURL)
		return &model.Catalog{
			Posts:        []model.PostSummary{},
			Channels:     []model.Channel{},
			SchemaStyles: root.PostStyle,
		}, nil
	}

	manifests := make([]channelManifest, len(root.ArchiveChannels))
	g, gctx := errgroup.WithContext(ctx)
	for i, desc := range root.ArchiveChannels {
		g.Go(func() error {
			manifestURL, err := network.ResolveURL(c.baseURL, desc.Path, dataDocumentName)
			if err != nil {
				return err
			}
			if err := c.fetcher.GetJSON(gctx, manifestURL, &manifests[i]); err != nil {
				return fmt.Errorf("チャンネル '%s' のマニフェスト取得に失敗しました (path=%s): %w", desc.Name, desc.Path, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	cat := buildCatalog(root, manifests)
	c.logger.Printf("INFO: カタログを構築しました (channels=%d, posts=%d, base=%s)", len(cat.Channels), len(cat.Posts), c.baseURL)
	return cat, nil
}

// buildCatalog は、各チャンネルのエントリをチャンネル情報付きの投稿に平坦化します。
func buildCatalog(root rootDocument, manifests []channelManifest) *model.Catalog {
	cat := &model.Catalog{
		Posts:        []model.PostSummary{},
		Channels:     make([]model.Channel, 0, len(root.ArchiveChannels)),
		SchemaStyles: root.PostStyle,
	}

	for i, desc := range root.ArchiveChannels {
		m := manifests[i]
		ch := model.Channel{
			ID:          firstNonEmpty(desc.ID, m.ID),
			Name:        firstNonEmpty(desc.Name, m.Name),
			Code:        firstNonEmpty(desc.Code, m.Code),
			Category:    firstNonEmpty(desc.Category, m.Category),
			Path:        desc.Path,
			Description: firstNonEmpty(desc.Description, m.Description),
			Tags:        uniqueFold(append(append([]string{}, desc.AvailableTags...), m.AvailableTags...)),
		}
		cat.Channels = append(cat.Channels, ch)

		for _, e := range m.Entries {
			archived := fromMillis(e.ArchivedAt)
			updated := fromMillis(e.UpdatedAt)
			if updated.IsZero() {
				updated = archived
			}
			cat.Posts = append(cat.Posts, model.PostSummary{
				ID:              e.ID,
				Name:            e.Name,
				ChannelName:     ch.Name,
				ChannelCode:     ch.Code,
				ChannelCategory: ch.Category,
				ChannelPath:     ch.Path,
				EntryPath:       e.Path,
				Code:            e.Code,
				Tags:            uniqueFold(e.Tags),
				ArchivedAt:      archived,
				UpdatedAt:       updated,
			})
		}
	}

	counts := make(map[string]int, len(cat.Channels))
	for _, p := range cat.Posts {
		counts[p.ChannelPath]++
	}
	for i := range cat.Channels {
		cat.Channels[i].EntryCount = counts[cat.Channels[i].Path]
	}
	return cat
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// uniqueFold は、大文字小文字と前後の空白を無視して重複を除いたタグ列を返します。
// 順序は最初に現れた順です。
func uniqueFold(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		key := strings.ToLower(t)
		if t == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, t)
	}
	return out
}
