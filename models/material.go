package models

import (
	"fmt"
	"strings"
)

// MaterialKind Studio 面板能生成的材料类型
type MaterialKind string

const (
	MaterialAudio       MaterialKind = "audio"
	MaterialVideo       MaterialKind = "video"
	MaterialMindmap     MaterialKind = "mindmap"
	MaterialQuiz        MaterialKind = "quiz"
	MaterialFlashcards  MaterialKind = "flashcards"
	MaterialInfographic MaterialKind = "infographic"
)

// AllMaterialKinds 按面板中出现的顺序
var AllMaterialKinds = []MaterialKind{
	MaterialAudio, MaterialVideo, MaterialMindmap, MaterialQuiz, MaterialFlashcards, MaterialInfographic,
}

// RequiresLanguage 生成前需要先在对话框里选语言
func (k MaterialKind) RequiresLanguage() bool {
	switch k {
	case MaterialAudio, MaterialVideo, MaterialInfographic:
		return true
	}
	return false
}

// Downloadable 只有这些类型在菜单中有下载项，其余只能分享
func (k MaterialKind) Downloadable() bool {
	switch k {
	case MaterialAudio, MaterialVideo, MaterialMindmap:
		return true
	}
	return false
}

// OpensDialog 点击后先弹出自定义对话框，需要再点“创建”
func (k MaterialKind) OpensDialog() bool {
	return k.RequiresLanguage()
}

// Long 音视频生成最长可达十几分钟
func (k MaterialKind) Long() bool {
	return k == MaterialAudio || k == MaterialVideo
}

// FileExtension 下载文件的默认扩展名
func (k MaterialKind) FileExtension() string {
	switch k {
	case MaterialAudio:
		return "mp3"
	case MaterialVideo:
		return "mp4"
	case MaterialMindmap:
		return "png"
	}
	return ""
}

// ParseMaterialKind 解析命令行/API 传入的类型名
func ParseMaterialKind(s string) (MaterialKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "audio", "audio-overview", "podcast":
		return MaterialAudio, nil
	case "video", "video-overview":
		return MaterialVideo, nil
	case "mindmap", "mind-map", "mind_map":
		return MaterialMindmap, nil
	case "quiz":
		return MaterialQuiz, nil
	case "flashcards", "cards", "karteikarten":
		return MaterialFlashcards, nil
	case "infographic", "infografik":
		return MaterialInfographic, nil
	}
	return "", NewError(KindInvalidInput, fmt.Sprintf("unknown material kind %q", s), nil)
}
