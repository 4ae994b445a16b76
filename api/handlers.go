package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/notebookwing/notebookwing/fallback"
	"github.com/notebookwing/notebookwing/models"
	"github.com/notebookwing/notebookwing/services/browser"
	"github.com/notebookwing/notebookwing/storage"
	"github.com/notebookwing/notebookwing/workflow"
)

// Notebooks 笔记本服务，notebook.Service 实现了它
type Notebooks interface {
	CreateNotebook(ctx context.Context, name string) *models.WorkflowResult
	OpenNotebook(ctx context.Context, url string) *models.WorkflowResult
	AddTextSource(ctx context.Context, title, text string) *models.WorkflowResult
	AddURLSource(ctx context.Context, url string) *models.WorkflowResult
	ListSources(ctx context.Context) *models.WorkflowResult
	SelectSource(ctx context.Context, name string, selected bool) *models.WorkflowResult
	SelectAllSources(ctx context.Context, selected bool) *models.WorkflowResult
	GenerateMaterial(ctx context.Context, kind models.MaterialKind, language string) *models.WorkflowResult
	ListMaterials(ctx context.Context) *models.WorkflowResult
	WaitForMaterial(ctx context.Context, kind models.MaterialKind, title string, progress workflow.Progress) *models.WorkflowResult
	Download(ctx context.Context, kind models.MaterialKind, title, dir string) *models.WorkflowResult
	Chat(ctx context.Context, prompt string) *models.WorkflowResult
	ChatPreset(ctx context.Context, preset string) *models.WorkflowResult
	Status(ctx context.Context) models.Status
	Browser() browser.Status
	PendingFallback() *fallback.Pending
	Abort() bool
}

// Store 历史记录查询，storage.BoltDB 实现了它
type Store interface {
	ListNotebooks() ([]*models.NotebookHandle, error)
	ListRuns(n int) ([]*models.RunRecord, error)
	GetRun(id string) (*models.RunRecord, error)
	ListSnapshots(n int) ([]*models.ErrorSnapshot, error)
	ListPipelineItems(source string) ([]*models.PipelineItem, error)
}

type Handler struct {
	notebooks Notebooks
	db        Store
}

func NewHandler(nb Notebooks, db Store) *Handler {
	return &Handler{notebooks: nb, db: db}
}

// statusFor 失败结果对应的 HTTP 状态码
func statusFor(res *models.WorkflowResult) int {
	if res.Success {
		return http.StatusOK
	}
	switch res.ErrorKind {
	case models.KindInvalidInput:
		return http.StatusBadRequest
	case models.KindDownloadUnsupported:
		return http.StatusUnprocessableEntity
	case models.KindAborted:
		return http.StatusConflict
	case models.KindSignInRequired:
		return http.StatusUnauthorized
	case models.KindSessionDead, models.KindUpstreamServiceUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func respond(c *gin.Context, res *models.WorkflowResult) {
	c.JSON(statusFor(res), res)
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "error_kind": models.KindInvalidInput})
}

func limitParam(c *gin.Context, def int) int {
	n, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(def)))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// ============= 会话与状态 =============

// Status 会话和当前笔记本概况
func (h *Handler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.notebooks.Status(c.Request.Context()))
}

// BrowserStatus 浏览器进程状态
func (h *Handler) BrowserStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.notebooks.Browser())
}

// Abort 取消正在执行的工作流
func (h *Handler) Abort(c *gin.Context) {
	if !h.notebooks.Abort() {
		c.JSON(http.StatusConflict, gin.H{"error": "no workflow is running"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"aborted": true})
}

// PendingFallback 正在等待人工完成的步骤，没有时返回 204
func (h *Handler) PendingFallback(c *gin.Context) {
	p := h.notebooks.PendingFallback()
	if p == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, p)
}

// ============= 笔记本 =============

// CreateNotebook 新建笔记本
func (h *Handler) CreateNotebook(c *gin.Context) {
	var req struct {
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	respond(c, h.notebooks.CreateNotebook(c.Request.Context(), req.Name))
}

// OpenNotebook 打开已有笔记本
func (h *Handler) OpenNotebook(c *gin.Context) {
	var req struct {
		URL string `json:"url" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	respond(c, h.notebooks.OpenNotebook(c.Request.Context(), req.URL))
}

// ListNotebooks 创建或打开过的笔记本
func (h *Handler) ListNotebooks(c *gin.Context) {
	nbs, err := h.db.ListNotebooks()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"notebooks": nbs, "total": len(nbs)})
}

// ============= 来源 =============

// ListSources 当前笔记本的来源
func (h *Handler) ListSources(c *gin.Context) {
	respond(c, h.notebooks.ListSources(c.Request.Context()))
}

// AddTextSource 粘贴文本来源
func (h *Handler) AddTextSource(c *gin.Context) {
	var req struct {
		Title string `json:"title"`
		Text  string `json:"text" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	respond(c, h.notebooks.AddTextSource(c.Request.Context(), req.Title, req.Text))
}

// AddURLSource 添加网页来源
func (h *Handler) AddURLSource(c *gin.Context) {
	var req struct {
		URL string `json:"url" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	respond(c, h.notebooks.AddURLSource(c.Request.Context(), req.URL))
}

// SelectSource 勾选或取消来源，all 为 true 时作用于全部来源
func (h *Handler) SelectSource(c *gin.Context) {
	var req struct {
		Name     string `json:"name"`
		All      bool   `json:"all"`
		Selected *bool  `json:"selected" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ctx := c.Request.Context()
	switch {
	case req.All:
		respond(c, h.notebooks.SelectAllSources(ctx, *req.Selected))
	case req.Name != "":
		respond(c, h.notebooks.SelectSource(ctx, req.Name, *req.Selected))
	default:
		badRequest(c, errors.New("either name or all is required"))
	}
}

// ============= 材料 =============

type materialRequest struct {
	Kind     string `json:"kind" binding:"required"`
	Title    string `json:"title"`
	Language string `json:"language"`
	Dir      string `json:"dir"`
}

func bindMaterial(c *gin.Context) (*materialRequest, models.MaterialKind, bool) {
	var req materialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return nil, "", false
	}
	kind, err := models.ParseMaterialKind(req.Kind)
	if err != nil {
		badRequest(c, err)
		return nil, "", false
	}
	return &req, kind, true
}

// ListMaterials Studio 面板中的材料
func (h *Handler) ListMaterials(c *gin.Context) {
	respond(c, h.notebooks.ListMaterials(c.Request.Context()))
}

// GenerateMaterial 开始生成材料
func (h *Handler) GenerateMaterial(c *gin.Context) {
	req, kind, ok := bindMaterial(c)
	if !ok {
		return
	}
	respond(c, h.notebooks.GenerateMaterial(c.Request.Context(), kind, req.Language))
}

// WaitForMaterial 阻塞到材料生成完成
func (h *Handler) WaitForMaterial(c *gin.Context) {
	req, kind, ok := bindMaterial(c)
	if !ok {
		return
	}
	respond(c, h.notebooks.WaitForMaterial(c.Request.Context(), kind, req.Title, nil))
}

// DownloadMaterial 下载材料到服务端目录
func (h *Handler) DownloadMaterial(c *gin.Context) {
	req, kind, ok := bindMaterial(c)
	if !ok {
		return
	}
	respond(c, h.notebooks.Download(c.Request.Context(), kind, req.Title, req.Dir))
}

// ============= 对话 =============

// Chat 发送消息或预设
func (h *Handler) Chat(c *gin.Context) {
	var req struct {
		Prompt string `json:"prompt"`
		Preset string `json:"preset"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.Preset != "" {
		respond(c, h.notebooks.ChatPreset(c.Request.Context(), req.Preset))
		return
	}
	respond(c, h.notebooks.Chat(c.Request.Context(), req.Prompt))
}

// ============= 历史记录 =============

// ListRuns 最近的执行记录
func (h *Handler) ListRuns(c *gin.Context) {
	runs, err := h.db.ListRuns(limitParam(c, 50))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs, "total": len(runs)})
}

// GetRun 单条执行记录
func (h *Handler) GetRun(c *gin.Context) {
	run, err := h.db.GetRun(c.Param("id"))
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, run)
}

// ListSnapshots 最近的失败快照
func (h *Handler) ListSnapshots(c *gin.Context) {
	snaps, err := h.db.ListSnapshots(limitParam(c, 20))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": snaps, "total": len(snaps)})
}

// ListPipelineItems 批处理条目，可按来源过滤
func (h *Handler) ListPipelineItems(c *gin.Context) {
	items, err := h.db.ListPipelineItems(c.Query("source"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "total": len(items)})
}
