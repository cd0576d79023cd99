package index

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"GoArchiveMirror/internal/model"
	"GoArchiveMirror/internal/network"
	"GoArchiveMirror/internal/records"

	"github.com/dustin/go-humanize"
)

// FetchDetail は、投稿の詳細ドキュメントを取得し、画像・添付ファイルのURLを解決して
// records を描画した PostDetail を返します。
// 詳細キャッシュが無効な場合は、呼び出しのたびにソースから取得します。
func (c *Cache) FetchDetail(ctx context.Context, post model.PostSummary) (*model.PostDetail, error) {
	key := detailCacheKey(post)
	if c.details != nil {
		if cached, ok := c.details.Get(key); ok {
			d := cached
			return &d, nil
		}
	}

	cat, err := c.Ensure(ctx)
	if err != nil {
		return nil, err
	}

	detailURL, err := network.ResolveURL(c.baseURL, post.ChannelPath, post.EntryPath, dataDocumentName)
	if err != nil {
		return nil, err
	}

	var doc entryDocument
	if err := c.fetcher.GetJSON(ctx, detailURL, &doc); err != nil {
		return nil, fmt.Errorf("投稿詳細の取得に失敗しました (id=%s, path=%s): %w", post.ID, post.EntryPath, err)
	}

	detail, err := c.buildDetail(post, doc, cat.SchemaStyles)
	if err != nil {
		return nil, err
	}
	if c.details != nil {
		c.details.Add(key, *detail)
	}
	return detail, nil
}

func (c *Cache) buildDetail(post model.PostSummary, doc entryDocument, schemaStyles map[string]model.StyleInfo) (*model.PostDetail, error) {
	summary := post
	if doc.Name != "" {
		summary.Name = doc.Name
	}
	if doc.Code != "" {
		summary.Code = doc.Code
	}
	if len(doc.Tags) > 0 {
		summary.Tags = uniqueFold(doc.Tags)
	}
	if doc.ArchivedAt > 0 {
		summary.ArchivedAt = fromMillis(doc.ArchivedAt)
		summary.UpdatedAt = summary.ArchivedAt
	}
	if doc.UpdatedAt > 0 {
		summary.UpdatedAt = fromMillis(doc.UpdatedAt)
	}

	detail := &model.PostDetail{PostSummary: summary}

	for _, a := range doc.Authors {
		name := firstNonEmpty(a.DisplayName, a.Username, unknownAuthorLabel)
		detail.Authors = append(detail.Authors, model.Author{DisplayName: name, Username: a.Username})
	}

	for _, img := range doc.Images {
		imgURL, err := c.resolveResource(post, img.Path, img.URL, img.Path != "")
		if err != nil {
			return nil, fmt.Errorf("画像 '%s' のURL解決に失敗しました: %w", img.Name, err)
		}
		detail.Images = append(detail.Images, model.Image{
			Name:        img.Name,
			URL:         imgURL,
			Description: img.Description,
			Width:       img.Width,
			Height:      img.Height,
		})
	}

	for _, a := range doc.Attachments {
		downloadable := a.CanDownload && a.Path != ""
		attURL, err := c.resolveResource(post, a.Path, a.URL, downloadable)
		if err != nil {
			return nil, fmt.Errorf("添付ファイル '%s' のURL解決に失敗しました: %w", a.Name, err)
		}
		att := model.Attachment{
			Name:        a.Name,
			URL:         attURL,
			ContentType: a.ContentType,
			CanDownload: downloadable,
			Size:        a.Size,
			Description: a.Description,
			Litematic:   a.Litematic,
			World:       a.WDL,
		}
		if a.Size > 0 {
			att.SizeText = humanize.Bytes(uint64(a.Size))
		}
		detail.Attachments = append(detail.Attachments, att)
	}

	if doc.Post != nil && (doc.Post.ThreadID != "" || doc.Post.ThreadURL != "") {
		detail.Thread = &model.ThreadRef{
			ForumID:  doc.Post.ForumID,
			ThreadID: doc.Post.ThreadID,
			URL:      doc.Post.ThreadURL,
		}
	}

	detail.Sections = records.Render(doc.Records, schemaStyles, doc.Styles)
	return detail, nil
}

// resolveResource は、ソース上のファイルであればベースURLに連結したURLを、
// そうでなければ外部URLをそのまま返します。
func (c *Cache) resolveResource(post model.PostSummary, relPath, externalURL string, local bool) (string, error) {
	if !local {
		return strings.TrimSpace(externalURL), nil
	}
	return network.ResolveURL(c.baseURL, post.ChannelPath, post.EntryPath, relPath)
}

func detailCacheKey(post model.PostSummary) string {
	return post.ChannelPath + "\x00" + post.EntryPath + "\x00" + strconv.FormatInt(post.UpdatedAt.UnixMilli(), 10)
}
