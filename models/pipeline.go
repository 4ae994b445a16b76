package models

import (
	"crypto/sha1"
	"encoding/hex"
	"time"
)

// Topic 拆分后的一个主题，对应一个笔记本
type Topic struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

// PipelineItemStatus 批处理中单个主题的状态
type PipelineItemStatus string

const (
	ItemPending PipelineItemStatus = "pending"
	ItemDone    PipelineItemStatus = "done"
	ItemFailed  PipelineItemStatus = "failed"
)

// PipelineItem 批处理记录，重跑时跳过已完成的主题
type PipelineItem struct {
	ID          string             `json:"id"`
	Source      string             `json:"source"`
	Title       string             `json:"title"`
	NotebookURL string             `json:"notebook_url,omitempty"`
	Status      PipelineItemStatus `json:"status"`
	Materials   []MaterialKind     `json:"materials,omitempty"`
	ErrorKind   ErrorKind          `json:"error_kind,omitempty"`
	Error       string             `json:"error,omitempty"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// PipelineItemID 由来源和主题标题确定
func PipelineItemID(source, title string) string {
	sum := sha1.Sum([]byte(source + "\x00" + title))
	return hex.EncodeToString(sum[:8])
}
