package routes

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"textbook-knowledge-engine/internal/queue"
	"textbook-knowledge-engine/models"
	"textbook-knowledge-engine/services"
	"textbook-knowledge-engine/utils"
)

// DocumentHandler exposes the ingestion lifecycle over HTTP.
type DocumentHandler struct {
	documents   *services.DocumentService
	tasks       *asynq.Client
	maxFileSize int64
}

func NewDocumentHandler(documents *services.DocumentService, tasks *asynq.Client, maxFileSize int64) *DocumentHandler {
	return &DocumentHandler{documents: documents, tasks: tasks, maxFileSize: maxFileSize}
}

func (h *DocumentHandler) Register(api gin.IRouter) {
	api.POST("/documents", h.Upload)
	api.GET("/documents/:id", h.Status)
	api.DELETE("/documents/:id", h.Delete)
	api.POST("/documents/:id/pages/:page/reextract", h.ReExtractPage)
}

// Upload accepts a PDF plus classification metadata, stores it and queues
// the first extraction batch. Processing is asynchronous; poll the status
// endpoint for progress.
func (h *DocumentHandler) Upload(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		utils.RespondWithBadRequest(c, "file is required", err.Error())
		return
	}
	if fileHeader.Size > h.maxFileSize {
		utils.RespondWithTooLarge(c, "file exceeds the upload size limit")
		return
	}

	meta := services.DocumentMeta{
		Filename:   fileHeader.Filename,
		Subject:    c.PostForm("subject"),
		Grade:      c.PostForm("grade"),
		Volume:     c.PostForm("volume"),
		VolumeType: c.PostForm("volume_type"),
	}
	if grades := c.PostForm("grades"); grades != "" {
		meta.Grades = strings.Split(grades, ",")
	}

	switch meta.VolumeType {
	case models.VolumeTypeCurriculum, models.VolumeTypeTextbook, models.VolumeTypeGuide:
	default:
		utils.RespondWithBadRequest(c, "volume_type must be curriculum, textbook or guide", nil)
		return
	}
	if meta.Subject == "" || meta.Grade == "" {
		utils.RespondWithBadRequest(c, "subject and grade are required", nil)
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		utils.RespondWithInternalError(c, "failed to open uploaded file", err.Error())
		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		utils.RespondWithInternalError(c, "failed to read uploaded file", err.Error())
		return
	}

	doc, err := h.documents.Upload(c.Request.Context(), content, meta)
	if errors.Is(err, services.ErrDuplicateDocument) {
		utils.RespondWithConflict(c, "document already exists", gin.H{
			"document_id": doc.ID.Hex(),
			"status":      doc.Status,
		})
		return
	}
	if err != nil {
		utils.RespondWithBadRequest(c, "upload rejected", err.Error())
		return
	}

	task, err := queue.NewExtractBatchTask(doc.ID.Hex())
	if err != nil {
		utils.RespondWithInternalError(c, "failed to create extraction task", err.Error())
		return
	}
	if _, err := h.tasks.Enqueue(task); err != nil {
		utils.RespondWithInternalError(c, "failed to queue extraction", err.Error())
		return
	}

	c.JSON(http.StatusAccepted, models.UploadResponse{
		DocumentID: doc.ID.Hex(),
		Filename:   doc.Filename,
		Status:     doc.Status,
		Message:    "extraction queued, poll GET /api/documents/:id for progress",
	})
}

// Status reports extraction progress, confidence distribution and chunk
// counts for a document.
func (h *DocumentHandler) Status(c *gin.Context) {
	id, ok := parseObjectID(c)
	if !ok {
		return
	}

	status, err := h.documents.Status(c.Request.Context(), id)
	if errors.Is(err, services.ErrDocumentNotFound) {
		utils.RespondWithNotFound(c, "document not found")
		return
	}
	if err != nil {
		utils.RespondWithInternalError(c, "failed to load document status", err.Error())
		return
	}

	c.JSON(http.StatusOK, status)
}

// Delete removes the document and every derived artifact.
func (h *DocumentHandler) Delete(c *gin.Context) {
	id, ok := parseObjectID(c)
	if !ok {
		return
	}

	deleted, err := h.documents.Delete(c.Request.Context(), id)
	if errors.Is(err, services.ErrDocumentNotFound) {
		utils.RespondWithNotFound(c, "document not found")
		return
	}
	if err != nil {
		utils.RespondWithInternalError(c, "failed to delete document", err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"document_id":    id.Hex(),
		"chunks_removed": deleted,
	})
}

// ReExtractPage re-runs a single page with three passes and majority
// consensus. Useful when a corrector judges the consensus unsalvageable.
func (h *DocumentHandler) ReExtractPage(c *gin.Context) {
	id, ok := parseObjectID(c)
	if !ok {
		return
	}

	pageNum, err := strconv.Atoi(c.Param("page"))
	if err != nil || pageNum < 1 {
		utils.RespondWithBadRequest(c, "invalid page number", nil)
		return
	}

	page, err := h.documents.ReExtractPage(c.Request.Context(), id, pageNum)
	if errors.Is(err, services.ErrDocumentNotFound) {
		utils.RespondWithNotFound(c, "document not found")
		return
	}
	if err != nil {
		utils.RespondWithInternalError(c, "re-extraction failed", err.Error())
		return
	}

	c.JSON(http.StatusOK, page)
}

func parseObjectID(c *gin.Context) (primitive.ObjectID, bool) {
	id, err := primitive.ObjectIDFromHex(c.Param("id"))
	if err != nil {
		utils.RespondWithBadRequest(c, "invalid document id", nil)
		return primitive.NilObjectID, false
	}
	return id, true
}
