package locator

import "github.com/notebookwing/notebookwing/models"

// TargetID 枚举的逻辑目标，注册表加载时校验每个 ID 都有策略
type TargetID string

const (
	// 首页 / 笔记本
	TargetCreateNotebook     TargetID = "create_notebook_button"
	TargetNotebookTitleInput TargetID = "notebook_title_input"
	TargetNotebookTitle      TargetID = "notebook_title"
	TargetNotebookView       TargetID = "notebook_view"

	// 来源
	TargetAddSourceButton    TargetID = "add_source_button"
	TargetPasteTextOption    TargetID = "paste_text_option"
	TargetWebsiteOption      TargetID = "website_option"
	TargetSourceTextInput    TargetID = "source_text_input"
	TargetSourceURLInput     TargetID = "source_url_input"
	TargetSourceSubmitButton TargetID = "source_submit_button"
	TargetSourceCount        TargetID = "source_count"
	TargetSourcesTab         TargetID = "sources_tab"
	TargetSourceCheckbox     TargetID = "source_checkbox"
	TargetSelectAllSources   TargetID = "select_all_sources"
	TargetSourceNamed        TargetID = "source_checkbox_named" // {name}

	// Studio
	TargetStudioTab           TargetID = "studio_tab"
	TargetMaterialAudio       TargetID = "material_audio_button"
	TargetMaterialVideo       TargetID = "material_video_button"
	TargetMaterialMindmap     TargetID = "material_mindmap_button"
	TargetMaterialQuiz        TargetID = "material_quiz_button"
	TargetMaterialFlashcards  TargetID = "material_flashcards_button"
	TargetMaterialInfographic TargetID = "material_infographic_button"
	TargetLanguageDropdown    TargetID = "language_dropdown"
	TargetLanguageOption      TargetID = "language_option" // {language}
	TargetDialogCreateButton  TargetID = "dialog_create_button"
	TargetGenerating          TargetID = "generation_in_progress"
	TargetStudioItem          TargetID = "studio_item"
	TargetStudioItemNamed     TargetID = "studio_item_named"       // {name}
	TargetStudioItemMore      TargetID = "studio_item_more_button" // {name}
	TargetMenuDownload        TargetID = "menu_download_option"
	TargetShareDialog         TargetID = "share_dialog"
	TargetDialogClose         TargetID = "dialog_close_button"
	TargetAudioPlayer         TargetID = "audio_player"

	// 对话
	TargetChatInput        TargetID = "chat_input"
	TargetChatSend         TargetID = "chat_send_button"
	TargetChatResponse     TargetID = "chat_response"
	TargetLoadingIndicator TargetID = "loading_indicator"

	TargetOverlay TargetID = "overlay"
)

// AllTargets 注册表必须覆盖的全部目标
var AllTargets = []TargetID{
	TargetCreateNotebook, TargetNotebookTitleInput, TargetNotebookTitle, TargetNotebookView,
	TargetAddSourceButton, TargetPasteTextOption, TargetWebsiteOption, TargetSourceTextInput,
	TargetSourceURLInput, TargetSourceSubmitButton, TargetSourceCount, TargetSourcesTab,
	TargetSourceCheckbox, TargetSelectAllSources, TargetSourceNamed,
	TargetStudioTab, TargetMaterialAudio, TargetMaterialVideo, TargetMaterialMindmap,
	TargetMaterialQuiz, TargetMaterialFlashcards, TargetMaterialInfographic,
	TargetLanguageDropdown, TargetLanguageOption, TargetDialogCreateButton, TargetGenerating,
	TargetStudioItem, TargetStudioItemNamed, TargetStudioItemMore, TargetMenuDownload,
	TargetShareDialog, TargetDialogClose, TargetAudioPlayer,
	TargetChatInput, TargetChatSend, TargetChatResponse, TargetLoadingIndicator,
	TargetOverlay,
}

var knownTargets = func() map[TargetID]bool {
	m := make(map[TargetID]bool, len(AllTargets))
	for _, id := range AllTargets {
		m[id] = true
	}
	return m
}()

// Known 是否是已定义的目标
func (id TargetID) Known() bool {
	return knownTargets[id]
}

// MaterialButton 返回某种材料在 Studio 面板上的按钮目标
func MaterialButton(kind models.MaterialKind) (TargetID, bool) {
	switch kind {
	case models.MaterialAudio:
		return TargetMaterialAudio, true
	case models.MaterialVideo:
		return TargetMaterialVideo, true
	case models.MaterialMindmap:
		return TargetMaterialMindmap, true
	case models.MaterialQuiz:
		return TargetMaterialQuiz, true
	case models.MaterialFlashcards:
		return TargetMaterialFlashcards, true
	case models.MaterialInfographic:
		return TargetMaterialInfographic, true
	}
	return "", false
}
