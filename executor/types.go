package executor

import (
	"errors"
	"time"
)

// ErrStaleElement 元素句柄来自旧的页面纪元，必须重新解析
var ErrStaleElement = errors.New("stale element handle")

// Options 交互参数
type Options struct {
	ChunkSize      int           // 每次输入的字符数，大文本分块输入，默认 5000
	ChunkPause     time.Duration // 分块之间的停顿，默认 500ms
	OverlayTimeout time.Duration // 等待遮罩消失的上限，默认 3s
	PollInterval   time.Duration // 等待遮罩消失的轮询间隔，默认 250ms
	ScrollStep     int           // 下拉列表滚动的像素，默认 300
}

// DefaultOptions 默认交互参数
func DefaultOptions() Options {
	return Options{
		ChunkSize:      5000,
		ChunkPause:     500 * time.Millisecond,
		OverlayTimeout: 3 * time.Second,
		PollInterval:   250 * time.Millisecond,
		ScrollStep:     300,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.ChunkSize <= 0 {
		o.ChunkSize = def.ChunkSize
	}
	if o.ChunkPause < 0 {
		o.ChunkPause = 0
	}
	if o.OverlayTimeout <= 0 {
		o.OverlayTimeout = def.OverlayTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = def.PollInterval
	}
	if o.ScrollStep <= 0 {
		o.ScrollStep = def.ScrollStep
	}
	return o
}
