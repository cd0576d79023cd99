package search

import (
	"fmt"
	"testing"
	"time"

	"GoArchiveMirror/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func fixtureCatalog() *model.Catalog {
	return &model.Catalog{
		Channels: []model.Channel{
			{Name: "Farms", Path: "farms"},
			{Name: "Storage", Path: "storage"},
			{Name: "Empty", Path: "empty"},
		},
		Posts: []model.PostSummary{
			{ID: "a", Name: "Wheat Farm", Code: "CF001", ChannelPath: "farms", Tags: []string{"Wheat", "Fast"},
				ArchivedAt: base.Add(1 * time.Hour), UpdatedAt: base.Add(5 * time.Hour)},
			{ID: "b", Name: "carrot farm", Code: "CF002", ChannelPath: "farms", Tags: []string{"Carrot"},
				ArchivedAt: base.Add(3 * time.Hour), UpdatedAt: base.Add(3 * time.Hour)},
			{ID: "c", Name: "Item Sorter", Code: "ST001", ChannelPath: "storage", Tags: []string{"fast", "Compact"},
				ArchivedAt: base.Add(2 * time.Hour), UpdatedAt: base.Add(9 * time.Hour)},
		},
	}
}

func ids(posts []model.PostSummary) []string {
	out := make([]string, 0, len(posts))
	for _, p := range posts {
		out = append(out, p.ID)
	}
	return out
}

func TestSearch_TagFilters(t *testing.T) {
	cat := fixtureCatalog()

	res := Search(cat, Params{IncludeTags: []string{"FAST"}})
	assert.Equal(t, []string{"c", "a"}, ids(res.Items))
	assert.Equal(t, 2, res.TotalItems)
	assert.Equal(t, 1, res.TotalPages)
	assert.Equal(t, map[string]int{"farms": 1, "storage": 1, "empty": 0}, res.ChannelCounts)

	res = Search(cat, Params{IncludeTags: []string{"fast", "wheat"}})
	assert.Equal(t, []string{"a"}, ids(res.Items))

	res = Search(cat, Params{ExcludeTags: []string{"Fast"}})
	assert.Equal(t, []string{"b"}, ids(res.Items))

	res = Search(cat, Params{IncludeTags: []string{"fast"}, ExcludeTags: []string{"compact"}})
	assert.Equal(t, []string{"a"}, ids(res.Items))
}

func TestSearch_Query(t *testing.T) {
	cat := fixtureCatalog()

	res := Search(cat, Params{Query: "  FARM "})
	assert.ElementsMatch(t, []string{"a", "b"}, ids(res.Items))

	res = Search(cat, Params{Query: "st0"})
	assert.Equal(t, []string{"c"}, ids(res.Items))

	res = Search(cat, Params{Query: "nothing matches"})
	assert.Empty(t, res.Items)
	assert.NotNil(t, res.Items)
	assert.Equal(t, 0, res.TotalItems)
	assert.Equal(t, 1, res.TotalPages)
}

func TestSearch_ChannelFilterKeepsCounts(t *testing.T) {
	cat := fixtureCatalog()

	res := Search(cat, Params{ChannelPaths: []string{"storage"}})
	assert.Equal(t, []string{"c"}, ids(res.Items))
	assert.Equal(t, map[string]int{"farms": 2, "storage": 1, "empty": 0}, res.ChannelCounts)

	res = Search(cat, Params{ChannelPaths: []string{"  STORAGE "}})
	assert.Equal(t, []string{"c"}, ids(res.Items))

	mixed := &model.Catalog{
		Channels: []model.Channel{{Path: "Storage"}},
		Posts:    []model.PostSummary{{ID: "s1", ChannelPath: " Storage"}},
	}
	res = Search(mixed, Params{ChannelPaths: []string{"storage"}})
	assert.Equal(t, 1, res.TotalItems)
	assert.Equal(t, map[string]int{"Storage": 1}, res.ChannelCounts)
}

func TestSearch_Sorts(t *testing.T) {
	cat := fixtureCatalog()
	cases := []struct {
		sort Sort
		want []string
	}{
		{"", []string{"b", "c", "a"}},
		{SortNewest, []string{"b", "c", "a"}},
		{SortUpdated, []string{"c", "a", "b"}},
		{SortName, []string{"b", "c", "a"}},
		{SortCode, []string{"a", "b", "c"}},
	}
	for _, c := range cases {
		t.Run(string(c.sort), func(t *testing.T) {
			res := Search(cat, Params{Sort: c.sort})
			assert.Equal(t, c.want, ids(res.Items))
		})
	}
}

func TestSearch_SortIsStable(t *testing.T) {
	cat := &model.Catalog{}
	for i := 0; i < 10; i++ {
		cat.Posts = append(cat.Posts, model.PostSummary{ID: fmt.Sprint(i), Name: "same", ArchivedAt: base})
	}
	for _, s := range []Sort{SortNewest, SortUpdated, SortName, SortCode} {
		res := Search(cat, Params{Sort: s})
		assert.Equal(t, []string{"0", "1", "2", "3", "4", "5", "6", "7", "8", "9"}, ids(res.Items), "sort=%s", s)
	}
}

func TestSearch_Pagination(t *testing.T) {
	cat := &model.Catalog{Channels: []model.Channel{{Path: "ch"}}}
	for i := 0; i < 25; i++ {
		cat.Posts = append(cat.Posts, model.PostSummary{
			ID:          fmt.Sprintf("p%02d", i),
			ChannelPath: "ch",
			ArchivedAt:  base.Add(time.Duration(25-i) * time.Minute),
		})
	}

	first := Search(cat, Params{Page: 1, PageSize: 20})
	require.Len(t, first.Items, 20)
	assert.Equal(t, 2, first.TotalPages)
	assert.Equal(t, 25, first.TotalItems)
	assert.Equal(t, "p00", first.Items[0].ID)

	second := Search(cat, Params{Page: 2, PageSize: 20})
	require.Len(t, second.Items, 5)
	assert.Equal(t, "p20", second.Items[0].ID)

	beyond := Search(cat, Params{Page: 7, PageSize: 20})
	assert.Empty(t, beyond.Items)
	assert.Equal(t, 2, beyond.TotalPages)

	defaults := Search(cat, Params{Page: -3})
	assert.Equal(t, 1, defaults.Page)
	assert.Len(t, defaults.Items, DefaultPageSize)

	assert.Equal(t, 25, first.ChannelCounts["ch"])
}

func TestSearch_DoesNotMutateCatalog(t *testing.T) {
	cat := fixtureCatalog()
	before := ids(cat.Posts)
	Search(cat, Params{Sort: SortName})
	assert.Equal(t, before, ids(cat.Posts))
}

func TestSearch_NilCatalog(t *testing.T) {
	res := Search(nil, Params{})
	assert.Empty(t, res.Items)
	assert.Equal(t, 1, res.TotalPages)
}

func TestParseSort(t *testing.T) {
	for in, want := range map[string]Sort{"": SortNewest, "Updated": SortUpdated, " name ": SortName, "CODE": SortCode, "newest": SortNewest} {
		got, err := ParseSort(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseSort("random")
	assert.Error(t, err)
}
