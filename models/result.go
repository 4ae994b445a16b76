package models

import (
	"encoding/json"
	"time"
)

// WorkflowResult 每个对外调用返回的结构化结果，调用方不会收到裸 panic
type WorkflowResult struct {
	RunID       string         `json:"run_id"`
	Workflow    string         `json:"workflow"`
	Success     bool           `json:"success"`
	Data        any            `json:"data,omitempty"`
	ErrorKind   ErrorKind      `json:"error_kind,omitempty"`
	Error       string         `json:"error,omitempty"`
	State       string         `json:"state"`
	FailedState string         `json:"failed_state,omitempty"` // 失败时所处的状态
	Snapshot    string         `json:"snapshot,omitempty"`     // ErrorSnapshot 目录
	Attempts    map[string]int `json:"attempts,omitempty"`
	Manual      bool           `json:"manual,omitempty"` // 是否由人工兜底完成
	StartedAt   time.Time      `json:"started_at"`
	Duration    time.Duration  `json:"duration"`
}

func (r *WorkflowResult) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

// GenerationResult generate-material 的数据部分
type GenerationResult struct {
	Kind              MaterialKind `json:"kind"`
	Started           bool         `json:"started"`
	DownloadSupported bool         `json:"download_supported"`
	Language          string       `json:"language,omitempty"`
}

// ChatResult 对话结果
type ChatResult struct {
	Prompt   string `json:"prompt"`
	Markdown string `json:"markdown"`
	Text     string `json:"text"`
	Index    int    `json:"index"` // 回复在对话中的序号
}

// Status status() 查询的返回
type Status struct {
	SessionAlive    bool            `json:"session_alive"`
	Headless        bool            `json:"headless"`
	ProfileDir      string          `json:"profile_dir"`
	CurrentURL      string          `json:"current_url,omitempty"`
	Notebook        *NotebookHandle `json:"notebook,omitempty"`
	SourceCount     int             `json:"source_count"`
	MaterialCount   int             `json:"material_count"`
	RunningWorkflow string          `json:"running_workflow,omitempty"`
	LastResult      *WorkflowResult `json:"last_result,omitempty"`
}

// RunRecord 持久化的执行记录
type RunRecord struct {
	WorkflowResult
	Notebook string `json:"notebook,omitempty"`
}

func (r *RunRecord) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}
