package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/notebookwing/notebookwing/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *BoltDB {
	t.Helper()
	db, err := NewBoltDB(filepath.Join(t.TempDir(), "nested", "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNotebookRoundTrip(t *testing.T) {
	db := openTestDB(t)
	nb := &models.NotebookHandle{Name: "Digital Comms", URL: "https://notebooklm.google.com/notebook/a1", SourceCount: 1}
	require.NoError(t, db.SaveNotebook(nb))
	assert.False(t, nb.CreatedAt.IsZero())

	got, err := db.GetNotebook(nb.URL)
	require.NoError(t, err)
	assert.Equal(t, "Digital Comms", got.Name)
	assert.Equal(t, 1, got.SourceCount)

	_, err = db.GetNotebook("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Error(t, db.SaveNotebook(&models.NotebookHandle{Name: "no url"}))

	require.NoError(t, db.DeleteNotebook(nb.URL))
	list, err := db.ListNotebooks()
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestNotebookUpdateKeepsCreatedAt(t *testing.T) {
	db := openTestDB(t)
	url := "https://notebooklm.google.com/notebook/a1"
	first := &models.NotebookHandle{Name: "Digital Comms", URL: url}
	require.NoError(t, db.SaveNotebook(first))

	// 计数更新以新副本保存，不带创建时间
	require.NoError(t, db.SaveNotebook(&models.NotebookHandle{Name: "Digital Comms", URL: url, SourceCount: 2}))

	got, err := db.GetNotebook(url)
	require.NoError(t, err)
	assert.Equal(t, 2, got.SourceCount)
	assert.True(t, first.CreatedAt.Equal(got.CreatedAt))
}

func TestListRunsNewestFirstWithLimit(t *testing.T) {
	db := openTestDB(t)
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, db.SaveRun(&models.RunRecord{WorkflowResult: models.WorkflowResult{
			RunID: id, Workflow: "chat", StartedAt: base.Add(time.Duration(i) * time.Minute),
		}}))
	}
	runs, err := db.ListRuns(2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "c", runs[0].RunID)
	assert.Equal(t, "b", runs[1].RunID)

	one, err := db.GetRun("a")
	require.NoError(t, err)
	assert.Equal(t, "chat", one.Workflow)
}

func TestSnapshotIndex(t *testing.T) {
	db := openTestDB(t)
	s := &models.ErrorSnapshot{ID: "s1", Workflow: "chat", State: "ResponseReady", ErrorKind: models.KindPostconditionTimeout, CapturedAt: time.Now()}
	require.NoError(t, db.SaveSnapshot(s))
	got, err := db.GetSnapshot("s1")
	require.NoError(t, err)
	assert.Equal(t, models.KindPostconditionTimeout, got.ErrorKind)

	all, err := db.ListSnapshots(0)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestPipelineItemsBySource(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.SavePipelineItem(&models.PipelineItem{Source: "lecture.md", Title: "Part 1", Status: models.ItemDone}))
	require.NoError(t, db.SavePipelineItem(&models.PipelineItem{Source: "lecture.md", Title: "Part 2", Status: models.ItemFailed}))
	require.NoError(t, db.SavePipelineItem(&models.PipelineItem{Source: "other.md", Title: "Part 1", Status: models.ItemPending}))

	items, err := db.ListPipelineItems("lecture.md")
	require.NoError(t, err)
	require.Len(t, items, 2)

	got, err := db.GetPipelineItem(models.PipelineItemID("lecture.md", "Part 1"))
	require.NoError(t, err)
	assert.Equal(t, models.ItemDone, got.Status)
}
