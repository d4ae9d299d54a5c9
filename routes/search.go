package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"textbook-knowledge-engine/models"
	"textbook-knowledge-engine/services"
	"textbook-knowledge-engine/utils"
)

// SearchHandler exposes semantic retrieval over the chunk store.
type SearchHandler struct {
	knowledge *services.KnowledgeService
}

func NewSearchHandler(knowledge *services.KnowledgeService) *SearchHandler {
	return &SearchHandler{knowledge: knowledge}
}

func (h *SearchHandler) Register(api gin.IRouter) {
	api.POST("/search", h.Search)
	api.POST("/context", h.Context)
}

type searchRequest struct {
	Query         string               `json:"query" binding:"required"`
	Filters       models.SearchFilters `json:"filters"`
	Limit         int                  `json:"limit"`
	MinSimilarity float64              `json:"min_similarity"`
}

// Search ranks filtered chunks by similarity to the query.
func (h *SearchHandler) Search(c *gin.Context) {
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.RespondWithBadRequest(c, "invalid search request", err.Error())
		return
	}

	resp, err := h.knowledge.Search(c.Request.Context(), req.Query, req.Filters, req.Limit, req.MinSimilarity)
	if err != nil {
		utils.RespondWithInternalError(c, "search failed", err.Error())
		return
	}

	c.JSON(http.StatusOK, resp)
}

type contextRequest struct {
	Query   string `json:"query" binding:"required"`
	Subject string `json:"subject" binding:"required"`
	Grade   string `json:"grade" binding:"required"`
	Limit   int    `json:"limit"`
}

// Context assembles the weighted curriculum/textbook/guide prompt context
// for downstream generation.
func (h *SearchHandler) Context(c *gin.Context) {
	var req contextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.RespondWithBadRequest(c, "invalid context request", err.Error())
		return
	}

	resp, err := h.knowledge.BuildPromptContext(c.Request.Context(), req.Query, req.Subject, req.Grade, req.Limit)
	if err != nil {
		utils.RespondWithInternalError(c, "context assembly failed", err.Error())
		return
	}

	c.JSON(http.StatusOK, resp)
}
