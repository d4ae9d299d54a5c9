package routes

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"textbook-knowledge-engine/services"
	"textbook-knowledge-engine/utils"
)

// ReviewHandler exposes the human correction workflow.
type ReviewHandler struct {
	reviews *services.ReviewService
}

func NewReviewHandler(reviews *services.ReviewService) *ReviewHandler {
	return &ReviewHandler{reviews: reviews}
}

func (h *ReviewHandler) Register(api gin.IRouter) {
	api.GET("/reviews", h.List)
	api.GET("/reviews/:id", h.Get)
	api.GET("/reviews/:id/export", h.Export)
	api.POST("/reviews/:id/pages/:page", h.CorrectPage)
	api.POST("/reviews/:id/approve", h.Approve)
}

// List returns the review queue, newest first. ?status= narrows it.
func (h *ReviewHandler) List(c *gin.Context) {
	reviews, err := h.reviews.List(c.Request.Context(), c.Query("status"))
	if err != nil {
		utils.RespondWithInternalError(c, "failed to list reviews", err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{"reviews": reviews, "count": len(reviews)})
}

// Get returns one review with its flagged pages.
func (h *ReviewHandler) Get(c *gin.Context) {
	id, ok := parseObjectID(c)
	if !ok {
		return
	}

	detail, err := h.reviews.Get(c.Request.Context(), id)
	if errors.Is(err, services.ErrReviewNotFound) {
		utils.RespondWithNotFound(c, "review not found")
		return
	}
	if err != nil {
		utils.RespondWithInternalError(c, "failed to load review", err.Error())
		return
	}

	c.JSON(http.StatusOK, detail)
}

type correctPageRequest struct {
	CorrectedText string `json:"corrected_text" binding:"required"`
	CorrectedBy   string `json:"corrected_by" binding:"required"`
}

// CorrectPage records a human correction for one flagged page.
func (h *ReviewHandler) CorrectPage(c *gin.Context) {
	id, ok := parseObjectID(c)
	if !ok {
		return
	}

	pageNum, err := strconv.Atoi(c.Param("page"))
	if err != nil || pageNum < 1 {
		utils.RespondWithBadRequest(c, "invalid page number", nil)
		return
	}

	var req correctPageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.RespondWithBadRequest(c, "invalid correction request", err.Error())
		return
	}

	review, err := h.reviews.CorrectPage(c.Request.Context(), id, pageNum, req.CorrectedText, req.CorrectedBy)
	if errors.Is(err, services.ErrReviewNotFound) {
		utils.RespondWithNotFound(c, "review not found")
		return
	}
	if err != nil {
		utils.RespondWithInternalError(c, "failed to record correction", err.Error())
		return
	}

	c.JSON(http.StatusOK, review)
}

type approveRequest struct {
	ApprovedBy string `json:"approved_by" binding:"required"`
}

// Approve commits a review and re-indexes the document from corrected text.
func (h *ReviewHandler) Approve(c *gin.Context) {
	id, ok := parseObjectID(c)
	if !ok {
		return
	}

	var req approveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.RespondWithBadRequest(c, "invalid approval request", err.Error())
		return
	}

	chunks, err := h.reviews.Approve(c.Request.Context(), id, req.ApprovedBy)
	switch {
	case errors.Is(err, services.ErrReviewNotFound):
		utils.RespondWithNotFound(c, "review not found")
		return
	case errors.Is(err, services.ErrReviewNotReady):
		utils.RespondWithConflict(c, "review still has uncorrected pages", nil)
		return
	case err != nil:
		utils.RespondWithInternalError(c, "failed to approve review", err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"document_id":    id.Hex(),
		"status":         "approved",
		"chunks_created": chunks,
	})
}

// Export streams the review's flagged pages as a spreadsheet.
func (h *ReviewHandler) Export(c *gin.Context) {
	id, ok := parseObjectID(c)
	if !ok {
		return
	}

	detail, err := h.reviews.Get(c.Request.Context(), id)
	if errors.Is(err, services.ErrReviewNotFound) {
		utils.RespondWithNotFound(c, "review not found")
		return
	}
	if err != nil {
		utils.RespondWithInternalError(c, "failed to load review", err.Error())
		return
	}

	workbook, err := services.BuildReviewWorkbook(detail)
	if err != nil {
		utils.RespondWithInternalError(c, "failed to build export", err.Error())
		return
	}

	filename := fmt.Sprintf("review-%s.xlsx", id.Hex())
	c.Header("Content-Disposition", "attachment; filename="+filename)
	c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")

	if err := workbook.Write(c.Writer); err != nil {
		utils.RespondWithInternalError(c, "failed to stream export", err.Error())
	}
}
