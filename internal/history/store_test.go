package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_RecordAndRecent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	saved := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var ids []string
	for i, name := range []string{"a.litematic", "b.litematic", "c.litematic"} {
		e, err := s.Record(ctx, Entry{
			Source:         "primary",
			PostID:         "p1",
			PostName:       "Wheat Farm",
			ChannelPath:    "Farms/crop-farms",
			AttachmentName: name,
			URL:            "https://example.com/" + name,
			Path:           "/dl/" + name,
			Bytes:          int64(100 * (i + 1)),
			SavedAt:        saved,
		})
		require.NoError(t, err)
		assert.Len(t, e.ID, 26)
		ids = append(ids, e.ID)
	}

	recent, err := s.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, ids[2], recent[0].ID, "同一時刻でも記録順の逆順で返される")
	assert.Equal(t, ids[1], recent[1].ID)
	assert.Equal(t, "c.litematic", recent[0].AttachmentName)
	assert.Equal(t, int64(300), recent[0].Bytes)
	assert.True(t, saved.Equal(recent[0].SavedAt))

	all, err := s.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestStore_FindByPath(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Record(ctx, Entry{Source: "primary", PostID: "p1", Path: "/dl/World", IsWorld: true})
	require.NoError(t, err)
	latest, err := s.Record(ctx, Entry{Source: "primary", PostID: "p1", Path: "/dl/World", IsWorld: true, Reused: true})
	require.NoError(t, err)

	got, err := s.FindByPath(ctx, "/dl/World")
	require.NoError(t, err)
	assert.Equal(t, latest.ID, got.ID)
	assert.True(t, got.IsWorld)
	assert.True(t, got.Reused)
	assert.False(t, got.SavedAt.IsZero())

	_, err = s.FindByPath(ctx, "/dl/missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.Record(context.Background(), Entry{Source: "s", PostID: "p", Path: "/x"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	recent, err := s.Recent(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}

func TestOpen_EmptyPath(t *testing.T) {
	_, err := Open("")
	assert.Error(t, err)
}
