package viewer

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/paper-view/internal/auth"
	"github.com/yourusername/paper-view/internal/document"
	"github.com/yourusername/paper-view/internal/jobs"
	"github.com/yourusername/paper-view/internal/storage"
)

// Handler は文書とビューの HTTP ハンドラーです。
type Handler struct {
	reg         *Registry
	storage     *storage.Local
	jobs        jobs.Queue
	maxFileSize int64
	thumbWidth  int
}

// HandlerOptions はハンドラーの設定です。Jobs が nil の場合は書き出しを受け付けません。
type HandlerOptions struct {
	Storage        *storage.Local
	Jobs           jobs.Queue
	MaxFileSize    int64
	ThumbnailWidth int
}

// NewHandler はハンドラーを作成します。
func NewHandler(reg *Registry, opts HandlerOptions) *Handler {
	if opts.ThumbnailWidth <= 0 {
		opts.ThumbnailWidth = 128
	}
	return &Handler{
		reg:         reg,
		storage:     opts.Storage,
		jobs:        opts.Jobs,
		maxFileSize: opts.MaxFileSize,
		thumbWidth:  opts.ThumbnailWidth,
	}
}

// Register は rg の下にルートを登録します。rg には auth.Identify が適用されている必要があります。
func (h *Handler) Register(rg *gin.RouterGroup) {
	docs := rg.Group("/documents")
	docs.POST("", h.upload)
	docs.GET("", h.list)
	docs.GET("/:id", h.get)
	docs.DELETE("/:id", h.closeDocument)
	docs.POST("/:id/reload", h.reload)
	docs.GET("/:id/labels/:label", h.pageByLabel)

	docs.GET("/:id/view", h.viewStatus)
	docs.PUT("/:id/view", h.setRange)
	docs.DELETE("/:id/view", h.clearView)
	docs.POST("/:id/view/restyle", h.restyle)
	docs.PUT("/:id/view/cache", h.setCacheSize)
	docs.GET("/:id/selections", h.selections)
	docs.PUT("/:id/selections", h.setSelections)
	docs.GET("/:id/events", h.events)

	docs.GET("/:id/pages/:page/surface", h.surface)
	docs.GET("/:id/pages/:page/selection", h.selectionOverlay)
	docs.POST("/:id/pages/:page/reload", h.reloadPage)
	docs.GET("/:id/pages/:page/content", h.content)
	docs.GET("/:id/pages/:page/thumbnail", h.thumbnail)

	docs.GET("/:id/outline", h.outline)
	docs.GET("/:id/fonts", h.fonts)
	docs.GET("/:id/find", h.find)
	docs.POST("/:id/export", h.export)
}

func (h *Handler) view(c *gin.Context) (*View, bool) {
	v, err := h.reg.View(c.Param("id"), auth.ViewerID(c))
	if err != nil {
		respondWithError(c, err)
		return nil, false
	}
	return v, true
}

func pageParam(c *gin.Context) (int, bool) {
	page, err := strconv.Atoi(c.Param("page"))
	if err != nil {
		respondWithError(c, invalidInput("ページ番号が不正です。"))
		return 0, false
	}
	return page, true
}

func (h *Handler) upload(c *gin.Context) {
	if h.storage == nil {
		respondWithError(c, newError("NOT_SUPPORTED", "アップロードは無効です。", nil))
		return
	}
	file, err := c.FormFile("file")
	if err != nil {
		respondWithError(c, invalidInput("multipart/form-data の file に文書を指定してください。"))
		return
	}
	path, err := h.storage.SaveUpload(file, h.maxFileSize)
	if err != nil {
		respondWithError(c, err)
		return
	}
	e, err := h.reg.Open(c.Request.Context(), path, file.Filename)
	if err != nil {
		_ = os.Remove(path)
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, e.Describe())
}

func (h *Handler) list(c *gin.Context) {
	entries := h.reg.List()
	out := make([]DocumentInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Describe())
	}
	c.JSON(http.StatusOK, gin.H{"documents": out})
}

func (h *Handler) get(c *gin.Context) {
	e, err := h.reg.Get(c.Param("id"))
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"document": e.Describe(),
		"pages":    e.PageList(),
	})
}

func (h *Handler) closeDocument(c *gin.Context) {
	if err := h.reg.Close(c.Param("id")); err != nil {
		respondWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) reload(c *gin.Context) {
	if err := h.reg.Reload(c.Param("id")); err != nil {
		respondWithError(c, err)
		return
	}
	e, err := h.reg.Get(c.Param("id"))
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, e.Describe())
}

func (h *Handler) pageByLabel(c *gin.Context) {
	e, err := h.reg.Get(c.Param("id"))
	if err != nil {
		respondWithError(c, err)
		return
	}
	page, ok := e.Pages.PageByLabel(c.Param("label"))
	if !ok {
		respondWithError(c, newError("LABEL_NOT_FOUND", "指定されたラベルのページはありません。", nil))
		return
	}
	c.JSON(http.StatusOK, gin.H{"page": page, "label": e.Pages.Label(page)})
}

func (h *Handler) viewStatus(c *gin.Context) {
	v, ok := h.view(c)
	if !ok {
		return
	}
	st, err := v.Status(c.Request.Context())
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *Handler) setRange(c *gin.Context) {
	var req RangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondWithError(c, invalidInput("表示範囲を JSON で指定してください。"))
		return
	}
	v, ok := h.view(c)
	if !ok {
		return
	}
	st, err := v.SetVisibleRange(c.Request.Context(), req)
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *Handler) clearView(c *gin.Context) {
	v, ok := h.view(c)
	if !ok {
		return
	}
	if err := v.Clear(c.Request.Context()); err != nil {
		respondWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) restyle(c *gin.Context) {
	v, ok := h.view(c)
	if !ok {
		return
	}
	if err := v.StyleChanged(c.Request.Context()); err != nil {
		respondWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) setCacheSize(c *gin.Context) {
	var req struct {
		MaxSize int64 `json:"maxSize"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondWithError(c, invalidInput("maxSize を JSON で指定してください。"))
		return
	}
	v, ok := h.view(c)
	if !ok {
		return
	}
	if err := v.SetMaxSize(c.Request.Context(), req.MaxSize); err != nil {
		respondWithError(c, err)
		return
	}
	st, err := v.Status(c.Request.Context())
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *Handler) selections(c *gin.Context) {
	v, ok := h.view(c)
	if !ok {
		return
	}
	list, err := v.Selections(c.Request.Context())
	if err != nil {
		respondWithError(c, err)
		return
	}
	if list == nil {
		list = []SelectionInfo{}
	}
	c.JSON(http.StatusOK, gin.H{"selections": list})
}

func (h *Handler) setSelections(c *gin.Context) {
	var req struct {
		Selections []SelectionRequest `json:"selections"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondWithError(c, invalidInput("selections を JSON で指定してください。"))
		return
	}
	v, ok := h.view(c)
	if !ok {
		return
	}
	if err := v.SetSelections(c.Request.Context(), req.Selections); err != nil {
		respondWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// events はビューのイベントを Server-Sent Events で配信します。
func (h *Handler) events(c *gin.Context) {
	v, ok := h.view(c)
	if !ok {
		return
	}
	ch, cancel := v.Subscribe()
	defer cancel()

	c.Header("Cache-Control", "no-store")
	c.Header("X-Accel-Buffering", "no")
	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(ev.Type, ev)
			return true
		case <-ctx.Done():
			return false
		}
	})
}

func (h *Handler) surface(c *gin.Context) {
	page, ok := pageParam(c)
	if !ok {
		return
	}
	v, ok := h.view(c)
	if !ok {
		return
	}
	img, err := v.Surface(c.Request.Context(), page)
	if err != nil {
		respondWithError(c, err)
		return
	}
	writeImage(c, img)
}

func (h *Handler) selectionOverlay(c *gin.Context) {
	page, ok := pageParam(c)
	if !ok {
		return
	}
	scale, err := floatQuery(c, "scale")
	if err != nil {
		respondWithError(c, err)
		return
	}
	v, ok := h.view(c)
	if !ok {
		return
	}
	img, err := v.SelectionOverlay(c.Request.Context(), page, scale)
	if err != nil {
		respondWithError(c, err)
		return
	}
	writeImage(c, img)
}

func (h *Handler) reloadPage(c *gin.Context) {
	page, ok := pageParam(c)
	if !ok {
		return
	}
	var req struct {
		Region *Region `json:"region"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondWithError(c, invalidInput("region を JSON で指定してください。"))
			return
		}
	}
	var region *image.Rectangle
	if req.Region != nil {
		if req.Region.Width <= 0 || req.Region.Height <= 0 {
			respondWithError(c, invalidInput("region の幅と高さは正の数で指定してください。"))
			return
		}
		r := image.Rect(req.Region.X, req.Region.Y, req.Region.X+req.Region.Width, req.Region.Y+req.Region.Height)
		region = &r
	}
	v, ok := h.view(c)
	if !ok {
		return
	}
	if err := v.ReloadPage(c.Request.Context(), page, region); err != nil {
		respondWithError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *Handler) content(c *gin.Context) {
	page, ok := pageParam(c)
	if !ok {
		return
	}
	v, ok := h.view(c)
	if !ok {
		return
	}
	pc, err := v.Content(c.Request.Context(), page)
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, pc)
}

func (h *Handler) thumbnail(c *gin.Context) {
	page, ok := pageParam(c)
	if !ok {
		return
	}
	width := h.thumbWidth
	if raw := c.Query("width"); raw != "" {
		w, err := strconv.Atoi(raw)
		if err != nil || w <= 0 {
			respondWithError(c, invalidInput("width は正の整数で指定してください。"))
			return
		}
		width = w
	}
	v, ok := h.view(c)
	if !ok {
		return
	}
	img, err := v.Thumbnail(c.Request.Context(), page, width)
	if err != nil {
		respondWithError(c, err)
		return
	}
	writeImage(c, img)
}

func (h *Handler) outline(c *gin.Context) {
	v, ok := h.view(c)
	if !ok {
		return
	}
	items, err := v.Outline(c.Request.Context())
	if err != nil {
		respondWithError(c, err)
		return
	}
	if items == nil {
		items = []document.OutlineItem{}
	}
	c.JSON(http.StatusOK, gin.H{"outline": items})
}

func (h *Handler) fonts(c *gin.Context) {
	v, ok := h.view(c)
	if !ok {
		return
	}
	fonts, err := v.Fonts(c.Request.Context())
	if err != nil {
		respondWithError(c, err)
		return
	}
	if fonts == nil {
		fonts = []document.FontInfo{}
	}
	c.JSON(http.StatusOK, gin.H{"fonts": fonts})
}

func (h *Handler) find(c *gin.Context) {
	query := strings.TrimSpace(c.Query("q"))
	caseSensitive := c.Query("caseSensitive") == "true"
	v, ok := h.view(c)
	if !ok {
		return
	}
	res, err := v.Find(c.Request.Context(), query, caseSensitive)
	if err != nil {
		respondWithError(c, err)
		return
	}
	if res.Pages == nil {
		res.Pages = []int{}
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) export(c *gin.Context) {
	if h.jobs == nil {
		respondWithError(c, newError("JOBS_DISABLED", "ジョブキューが無効です。", nil))
		return
	}
	var req struct {
		Operation string `json:"operation"`
		Width     int    `json:"width"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondWithError(c, invalidInput("operation を JSON で指定してください。"))
		return
	}
	e, err := h.reg.Get(c.Param("id"))
	if err != nil {
		respondWithError(c, err)
		return
	}
	width := req.Width
	if width <= 0 {
		width = h.thumbWidth
	}
	jobID, err := h.jobs.Enqueue(c.Request.Context(), &jobs.TaskPayload{
		Operation:  jobs.Operation(req.Operation),
		DocumentID: e.ID,
		Path:       e.Path,
		MIMEType:   e.Doc.MIMEType,
		Name:       e.Name,
		Width:      width,
	})
	if err != nil {
		var jobErr *jobs.Error
		if errors.As(err, &jobErr) {
			respondWithError(c, newError(jobErr.Code, jobErr.Message, err))
			return
		}
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"jobId": jobID})
}

func floatQuery(c *gin.Context, key string) (float64, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f <= 0 {
		return 0, invalidInput("%s は正の数で指定してください。", key)
	}
	return f, nil
}

// writeImage は PNG を返します。描画前なら 204、ETag が一致すれば 304 です。
func writeImage(c *gin.Context, img *image.RGBA) {
	if img == nil {
		c.Status(http.StatusNoContent)
		return
	}
	etag := fmt.Sprintf("\"%016x\"", imageHash(img))
	c.Header("ETag", etag)
	c.Header("Cache-Control", "no-cache")
	if match := c.GetHeader("If-None-Match"); match == etag {
		c.Status(http.StatusNotModified)
		return
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		respondWithError(c, err)
		return
	}
	c.Header("X-Image-Width", strconv.Itoa(img.Bounds().Dx()))
	c.Header("X-Image-Height", strconv.Itoa(img.Bounds().Dy()))
	c.Data(http.StatusOK, "image/png", buf.Bytes())
}

func imageHash(img *image.RGBA) uint64 {
	d := xxhash.New()
	b := img.Bounds()
	fmt.Fprintf(d, "%d,%d,%d,%d;", b.Min.X, b.Min.Y, b.Max.X, b.Max.Y)
	_, _ = d.Write(img.Pix)
	return d.Sum64()
}
