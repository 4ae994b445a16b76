package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/notebookwing/notebookwing/models"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var (
	notebooksBucket     = []byte("notebooks")
	runsBucket          = []byte("runs")
	snapshotsBucket     = []byte("snapshots")
	pipelineItemsBucket = []byte("pipeline_items")
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("record not found")

type BoltDB struct {
	db *bolt.DB
}

func NewBoltDB(dbPath string) (*BoltDB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create database directory %s", dir)
	}

	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w (directory: %s)", dbPath, err, dir)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{notebooksBucket, runsBucket, snapshotsBucket, pipelineItemsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

func (b *BoltDB) Close() error {
	return b.db.Close()
}

func (b *BoltDB) put(bucket []byte, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

func (b *BoltDB) get(bucket []byte, key string, v any) error {
	return b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(key))
		if data == nil {
			return errors.Wrapf(ErrNotFound, "%s/%s", bucket, key)
		}
		return json.Unmarshal(data, v)
	})
}

func (b *BoltDB) delete(bucket []byte, key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}

// list 反序列化 bucket 中的全部记录
func list[T any](b *BoltDB, bucket []byte) ([]*T, error) {
	var out []*T
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(k, v []byte) error {
			var item T
			if err := json.Unmarshal(v, &item); err != nil {
				return errors.Wrapf(err, "decode %s/%s", bucket, k)
			}
			out = append(out, &item)
			return nil
		})
	})
	return out, err
}

func limit[T any](items []*T, n int) []*T {
	if n > 0 && len(items) > n {
		return items[:n]
	}
	return items
}

// SaveNotebook 保存笔记本，以 URL 为键
func (b *BoltDB) SaveNotebook(nb *models.NotebookHandle) error {
	if nb.URL == "" {
		return fmt.Errorf("notebook without URL")
	}
	nb.UpdatedAt = time.Now()
	if nb.CreatedAt.IsZero() {
		if prev, err := b.GetNotebook(nb.URL); err == nil {
			nb.CreatedAt = prev.CreatedAt
		} else {
			nb.CreatedAt = nb.UpdatedAt
		}
	}
	return b.put(notebooksBucket, nb.ID(), nb)
}

// GetNotebook 按 URL 获取笔记本
func (b *BoltDB) GetNotebook(url string) (*models.NotebookHandle, error) {
	var nb models.NotebookHandle
	if err := b.get(notebooksBucket, url, &nb); err != nil {
		return nil, err
	}
	return &nb, nil
}

// ListNotebooks 最近更新的在前
func (b *BoltDB) ListNotebooks() ([]*models.NotebookHandle, error) {
	items, err := list[models.NotebookHandle](b, notebooksBucket)
	if err != nil {
		return nil, err
	}
	sort.Slice(items, func(i, j int) bool { return items[i].UpdatedAt.After(items[j].UpdatedAt) })
	return items, nil
}

func (b *BoltDB) DeleteNotebook(url string) error {
	return b.delete(notebooksBucket, url)
}

// SaveRun 保存一次工作流执行记录
func (b *BoltDB) SaveRun(run *models.RunRecord) error {
	if run.RunID == "" {
		return fmt.Errorf("run without id")
	}
	return b.put(runsBucket, run.RunID, run)
}

func (b *BoltDB) GetRun(id string) (*models.RunRecord, error) {
	var run models.RunRecord
	if err := b.get(runsBucket, id, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns 按开始时间倒序，n <= 0 时返回全部
func (b *BoltDB) ListRuns(n int) ([]*models.RunRecord, error) {
	items, err := list[models.RunRecord](b, runsBucket)
	if err != nil {
		return nil, err
	}
	sort.Slice(items, func(i, j int) bool { return items[i].StartedAt.After(items[j].StartedAt) })
	return limit(items, n), nil
}

// SaveSnapshot 索引一个错误快照
func (b *BoltDB) SaveSnapshot(s *models.ErrorSnapshot) error {
	if s.ID == "" {
		return fmt.Errorf("snapshot without id")
	}
	return b.put(snapshotsBucket, s.ID, s)
}

func (b *BoltDB) GetSnapshot(id string) (*models.ErrorSnapshot, error) {
	var s models.ErrorSnapshot
	if err := b.get(snapshotsBucket, id, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ListSnapshots 最新的在前
func (b *BoltDB) ListSnapshots(n int) ([]*models.ErrorSnapshot, error) {
	items, err := list[models.ErrorSnapshot](b, snapshotsBucket)
	if err != nil {
		return nil, err
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CapturedAt.After(items[j].CapturedAt) })
	return limit(items, n), nil
}

// SavePipelineItem 保存批处理条目状态
func (b *BoltDB) SavePipelineItem(item *models.PipelineItem) error {
	if item.ID == "" {
		item.ID = models.PipelineItemID(item.Source, item.Title)
	}
	item.UpdatedAt = time.Now()
	return b.put(pipelineItemsBucket, item.ID, item)
}

func (b *BoltDB) GetPipelineItem(id string) (*models.PipelineItem, error) {
	var item models.PipelineItem
	if err := b.get(pipelineItemsBucket, id, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// ListPipelineItems 列出某个来源的条目，source 为空时列出全部
func (b *BoltDB) ListPipelineItems(source string) ([]*models.PipelineItem, error) {
	items, err := list[models.PipelineItem](b, pipelineItemsBucket)
	if err != nil {
		return nil, err
	}
	out := items[:0]
	for _, it := range items {
		if source == "" || it.Source == source {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}
