package models

import (
	"encoding/json"
	"time"
)

// NotebookHandle 一个 NotebookLM 笔记本，只会被创建和更新，不会自动删除
type NotebookHandle struct {
	Name          string    `json:"name"`
	URL           string    `json:"url"`
	SourceCount   int       `json:"source_count"`
	MaterialCount int       `json:"material_count"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ID 以 URL 作为主键
func (n *NotebookHandle) ID() string {
	return n.URL
}

func (n *NotebookHandle) ToJSON() ([]byte, error) {
	return json.Marshal(n)
}

func (n *NotebookHandle) FromJSON(data []byte) error {
	return json.Unmarshal(data, n)
}

// SourceInfo 笔记本中的一个来源
type SourceInfo struct {
	Name     string `json:"name"`
	Selected bool   `json:"selected"`
}

// MaterialStatus 材料在 Studio 面板中的状态
type MaterialStatus string

const (
	MaterialGenerating MaterialStatus = "generating"
	MaterialReady      MaterialStatus = "ready"
)

// MaterialInfo Studio 面板中的一个已生成（或生成中）的材料
type MaterialInfo struct {
	Title        string         `json:"title"`
	Kind         MaterialKind   `json:"kind,omitempty"`
	Status       MaterialStatus `json:"status"`
	Downloadable bool           `json:"downloadable"`
}

// DownloadedFile 下载的文件信息
type DownloadedFile struct {
	FileName     string    `json:"file_name"`
	FilePath     string    `json:"file_path"`
	MimeType     string    `json:"mime_type"`
	Extension    string    `json:"extension"`
	Size         int64     `json:"size"`
	DownloadTime time.Time `json:"download_time"`
}
