package account

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/trustlesswork/demoengine/internal/logging"
	"github.com/trustlesswork/demoengine/internal/validation"
)

// Handler provides HTTP endpoints for accounts.
type Handler struct {
	service *Service
}

// NewHandler creates a new account handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up account routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/accounts/:address", validation.AddressParamMiddleware(), h.GetAccount)
	r.GET("/leaderboard", h.GetLeaderboard)
}

// GetAccount handles GET /v1/accounts/:address
func (h *Handler) GetAccount(c *gin.Context) {
	acct, err := h.service.Account(c.Request.Context(), c.Param("address"))
	if err != nil {
		logging.L(c.Request.Context()).Error("account lookup failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load account",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acct})
}

// GetLeaderboard handles GET /v1/leaderboard?limit=
func (h *Handler) GetLeaderboard(c *gin.Context) {
	limit := 20
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	entries, err := h.service.Leaderboard(c.Request.Context(), limit)
	if err != nil {
		logging.L(c.Request.Context()).Error("leaderboard failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load leaderboard",
		})
		return
	}
	if entries == nil {
		entries = []LeaderboardEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"leaderboard": entries})
}
