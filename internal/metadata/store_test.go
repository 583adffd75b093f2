package metadata

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "video_metadata.json"))
	require.NoError(t, err)
	return s
}

func TestNewStore_creates_empty_document(t *testing.T) {
	s := newTestStore(t)
	data, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.JSONEq(t, "[]", string(data))

	records, err := s.ListAll()
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestStore_append_and_list(t *testing.T) {
	s := newTestStore(t)
	t0 := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.Append(Record{SessionID: "a", SequenceNumber: 1, Filename: "video_chunk-1.mp4", UploadTime: t0}))
	require.NoError(t, s.Append(Record{SessionID: "a", SequenceNumber: 2, Filename: "video_chunk-2.mp4", UploadTime: t0.Add(time.Second)}))

	records, err := s.ListAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, int64(2), records[1].SequenceNumber)
	assert.True(t, records[0].UploadTime.Equal(t0))

	data, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"upload_time": "2026-10-14T09:00:00Z"`)
	assert.Contains(t, string(data), `"sessionID": "a"`)
}

func TestStore_concurrent_appends_are_not_lost(t *testing.T) {
	s := newTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(session int) {
			defer wg.Done()
			for seq := int64(1); seq <= 5; seq++ {
				assert.NoError(t, s.Append(Record{
					SessionID:      fmt.Sprintf("s%d", session),
					SequenceNumber: seq,
					UploadTime:     time.Now().UTC(),
				}))
			}
		}(i)
	}
	wg.Wait()

	records, err := s.ListAll()
	require.NoError(t, err)
	assert.Len(t, records, 40)
}

func TestStore_corrupt_document(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.WriteFile(s.Path(), []byte("{not json"), 0o644))

	_, err := s.ListAll()
	assert.ErrorIs(t, err, ErrIO)
	assert.ErrorIs(t, s.Append(Record{SessionID: "a", SequenceNumber: 1}), ErrIO)
}

func TestStore_existing_document_is_kept(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"sessionID":"old","sequence_number":1,"filename":"video_chunk-1.mp4","upload_time":"2026-01-01T00:00:00Z"}]`), 0o644))

	s, err := NewStore(path)
	require.NoError(t, err)
	records, err := s.ListAll()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "old", records[0].SessionID)
}

func TestListSessions(t *testing.T) {
	s := newTestStore(t)
	t0 := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)

	for _, rec := range []Record{
		{SessionID: "b", SequenceNumber: 2, UploadTime: t0.Add(2 * time.Second)},
		{SessionID: "a", SequenceNumber: 1, UploadTime: t0.Add(1 * time.Second)},
		{SessionID: "b", SequenceNumber: 1, UploadTime: t0.Add(3 * time.Second)},
		{SessionID: "a", SequenceNumber: 2, UploadTime: t0.Add(4 * time.Second)},
	} {
		require.NoError(t, s.Append(rec))
	}

	sessions, err := s.ListSessions()
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "b", sessions[0].SessionID)
	assert.True(t, sessions[0].UploadTime.Equal(t0.Add(3*time.Second)), "earliest sequence wins")
	assert.Equal(t, "a", sessions[1].SessionID)
	assert.True(t, sessions[1].UploadTime.Equal(t0.Add(time.Second)))
}

func TestLastSequences(t *testing.T) {
	last := LastSequences([]Record{
		{SessionID: "a", SequenceNumber: 1},
		{SessionID: "a", SequenceNumber: 3},
		{SessionID: "b", SequenceNumber: 1},
	})
	assert.Equal(t, map[string]int64{"a": 3, "b": 1}, last)
}
