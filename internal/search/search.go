// Package search は、カタログに対する絞り込み・並べ替え・ページ分割を行います。
// 副作用を持たず、同じ入力に対して常に同じ結果を返します。
package search

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"GoArchiveMirror/internal/model"

	"golang.org/x/text/cases"
)

// Sort は並べ替えの種類です。
type Sort string

const (
	SortNewest  Sort = "newest"
	SortUpdated Sort = "updated"
	SortName    Sort = "name"
	SortCode    Sort = "code"
)

// DefaultPageSize は PageSize 未指定時の件数です。
const DefaultPageSize = 20

// ParseSort は文字列を Sort に変換します。空文字は SortNewest です。
func ParseSort(s string) (Sort, error) {
	switch Sort(strings.ToLower(strings.TrimSpace(s))) {
	case "", SortNewest:
		return SortNewest, nil
	case SortUpdated:
		return SortUpdated, nil
	case SortName:
		return SortName, nil
	case SortCode:
		return SortCode, nil
	}
	return "", fmt.Errorf("不明な並べ替え指定です: '%s' (newest, updated, name, code のいずれか)", s)
}

// Params は検索条件です。
type Params struct {
	Query        string
	Sort         Sort
	IncludeTags  []string
	ExcludeTags  []string
	ChannelPaths []string
	Page         int
	PageSize     int
}

// Result は検索結果の1ページです。
type Result struct {
	Items      []model.PostSummary `json:"items"`
	TotalPages int                 `json:"total_pages"`
	TotalItems int                 `json:"total_items"`
	Page       int                 `json:"page"`
	// ChannelCounts は、チャンネル絞り込みを除く条件に一致した投稿数です。
	// カタログの全チャンネルが0件でも含まれます。
	ChannelCounts map[string]int `json:"channel_counts"`
}

// fold は比較用のキーを返します。Caser は goroutine 間で共有できないため毎回生成します。
func fold(s string) string {
	return cases.Fold().String(strings.TrimSpace(s))
}

func foldSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		if k := fold(v); k != "" {
			set[k] = true
		}
	}
	return set
}

// Search はカタログを検索します。catalog が nil の場合は空の結果を返します。
func Search(catalog *model.Catalog, p Params) Result {
	pageSize := p.PageSize
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	page := max(p.Page, 1)

	res := Result{
		Items:         []model.PostSummary{},
		TotalPages:    1,
		Page:          page,
		ChannelCounts: map[string]int{},
	}
	if catalog == nil {
		return res
	}
	// 集計キーはカタログ上のパスのまま、照合は畳み込んだキーで行う
	pathByKey := make(map[string]string, len(catalog.Channels))
	for _, ch := range catalog.Channels {
		res.ChannelCounts[ch.Path] = 0
		pathByKey[fold(ch.Path)] = ch.Path
	}

	query := fold(p.Query)
	include := foldSet(p.IncludeTags)
	exclude := foldSet(p.ExcludeTags)
	channels := foldSet(p.ChannelPaths)

	matched := make([]model.PostSummary, 0, len(catalog.Posts))
	for _, post := range catalog.Posts {
		if !matchesQuery(post, query) || !matchesTags(post, include, exclude) {
			continue
		}
		key := fold(post.ChannelPath)
		if chPath, known := pathByKey[key]; known {
			res.ChannelCounts[chPath]++
		}
		if len(channels) > 0 && !channels[key] {
			continue
		}
		matched = append(matched, post)
	}

	sortPosts(matched, p.Sort)

	n := len(matched)
	res.TotalItems = n
	res.TotalPages = max((n+pageSize-1)/pageSize, 1)
	start := clamp((page-1)*pageSize, 0, n)
	end := clamp(page*pageSize, 0, n)
	res.Items = append(res.Items, matched[start:end]...)
	return res
}

func matchesQuery(post model.PostSummary, query string) bool {
	if query == "" {
		return true
	}
	return strings.Contains(fold(post.Name), query) || strings.Contains(fold(post.Code), query)
}

func matchesTags(post model.PostSummary, include, exclude map[string]bool) bool {
	if len(include) == 0 && len(exclude) == 0 {
		return true
	}
	tags := foldSet(post.Tags)
	for t := range include {
		if !tags[t] {
			return false
		}
	}
	for t := range exclude {
		if tags[t] {
			return false
		}
	}
	return true
}

func sortPosts(posts []model.PostSummary, s Sort) {
	switch s {
	case SortUpdated:
		slices.SortStableFunc(posts, func(a, b model.PostSummary) int {
			return b.UpdatedAt.Compare(a.UpdatedAt)
		})
	case SortName:
		slices.SortStableFunc(posts, func(a, b model.PostSummary) int {
			return cmp.Compare(fold(a.Name), fold(b.Name))
		})
	case SortCode:
		slices.SortStableFunc(posts, func(a, b model.PostSummary) int {
			return cmp.Compare(fold(a.Code), fold(b.Code))
		})
	default:
		slices.SortStableFunc(posts, func(a, b model.PostSummary) int {
			return b.ArchivedAt.Compare(a.ArchivedAt)
		})
	}
}

func clamp(v, lo, hi int) int {
	return min(max(v, lo), hi)
}
