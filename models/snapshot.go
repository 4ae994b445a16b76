package models

import (
	"encoding/json"
	"time"
)

// ErrorSnapshot 终态失败时保存的页面快照，只给人看，自动化不会回读
type ErrorSnapshot struct {
	ID             string            `json:"id"`
	Dir            string            `json:"dir"`
	ScreenshotPath string            `json:"screenshot_path,omitempty"`
	HTMLPath       string            `json:"html_path,omitempty"`
	MarkdownPath   string            `json:"markdown_path,omitempty"`
	Workflow       string            `json:"workflow"`
	State          string            `json:"state"`
	Target         string            `json:"target,omitempty"`
	ErrorKind      ErrorKind         `json:"error_kind"`
	Error          string            `json:"error"`
	URL            string            `json:"url,omitempty"`
	Extra          map[string]string `json:"extra,omitempty"`
	CapturedAt     time.Time         `json:"captured_at"`
	CaptureErrors  []string          `json:"capture_errors,omitempty"`
}

func (s *ErrorSnapshot) ToJSON() ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}
