package session

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/trustlesswork/demoengine/internal/demos"
	"github.com/trustlesswork/demoengine/internal/engine"
	"github.com/trustlesswork/demoengine/internal/logging"
	"github.com/trustlesswork/demoengine/internal/pagination"
	"github.com/trustlesswork/demoengine/internal/txsim"
	"github.com/trustlesswork/demoengine/internal/validation"
)

// Handler provides HTTP endpoints for demo sessions.
type Handler struct {
	manager *Manager
}

// NewHandler creates a new session handler.
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// RegisterRoutes sets up session routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/sessions", h.CreateSession)
	r.GET("/sessions", h.ListSessions)

	s := r.Group("/sessions/:id", h.sessionContext())
	s.GET("", h.GetSession)
	s.DELETE("", h.DeleteSession)
	s.PUT("/role", h.SetRole)
	s.POST("/reset", h.ResetSession)
	s.POST("/steps/:step/actions/:action", h.InvokeAction)
	s.POST("/transactions/:hash/confirm", h.ConfirmTransaction)
}

// CreateRequest starts a session.
type CreateRequest struct {
	DemoID     string `json:"demoId" binding:"required"`
	WalletAddr string `json:"walletAddress" binding:"required"`
}

// RoleRequest switches the acting party.
type RoleRequest struct {
	Role string `json:"role" binding:"required"`
}

// Summary is a session as it appears in listings.
type Summary struct {
	ID          string    `json:"sessionId"`
	DemoID      string    `json:"demoId"`
	WalletAddr  string    `json:"walletAddress"`
	CurrentStep int       `json:"currentStep"`
	Completed   bool      `json:"completed"`
	CreatedAt   time.Time `json:"createdAt"`
}

// sessionContext tags the request logger with the session id.
func (h *Handler) sessionContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := logging.WithSessionID(c.Request.Context(), c.Param("id"))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// CreateSession handles POST /v1/sessions
func (h *Handler) CreateSession(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "demoId and walletAddress are required",
		})
		return
	}
	if errs := validation.Validate(
		validation.Required("demoId", req.DemoID),
		validation.WalletAddress("walletAddress", req.WalletAddr),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	sess, err := h.manager.Create(c.Request.Context(), req.DemoID, req.WalletAddr)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session": sess.Snapshot()})
}

// ListSessions handles GET /v1/sessions?wallet=&cursor=&limit=
func (h *Handler) ListSessions(c *gin.Context) {
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "Invalid pagination cursor",
		})
		return
	}

	live := h.manager.List(c.Query("wallet"))
	page := pagination.Paginate(live, cursor, pagination.ParseLimit(c.Query("limit")),
		func(s *engine.Session) (time.Time, string) { return s.CreatedAt(), s.ID() })

	items := make([]Summary, 0, len(page.Items))
	for _, s := range page.Items {
		done, _ := s.Completed()
		items = append(items, Summary{
			ID:          s.ID(),
			DemoID:      s.DemoID(),
			WalletAddr:  s.WalletAddr(),
			CurrentStep: s.CurrentStep(),
			Completed:   done,
			CreatedAt:   s.CreatedAt(),
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions":    items,
		"next_cursor": page.NextCursor,
		"has_more":    page.HasMore,
	})
}

// GetSession handles GET /v1/sessions/:id
func (h *Handler) GetSession(c *gin.Context) {
	sess, err := h.manager.Get(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess.Snapshot()})
}

// DeleteSession handles DELETE /v1/sessions/:id
func (h *Handler) DeleteSession(c *gin.Context) {
	if err := h.manager.Delete(c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// SetRole handles PUT /v1/sessions/:id/role
func (h *Handler) SetRole(c *gin.Context) {
	var req RoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "role is required",
		})
		return
	}
	sess, err := h.manager.Get(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if err := sess.SetRole(engine.Role(req.Role)); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess.Snapshot()})
}

// ResetSession handles POST /v1/sessions/:id/reset
func (h *Handler) ResetSession(c *gin.Context) {
	sess, err := h.manager.Get(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if err := sess.Reset(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess.Snapshot()})
}

// InvokeAction handles POST /v1/sessions/:id/steps/:step/actions/:action
//
// A failing action is not an HTTP error: the failed transaction is returned
// with 200 so the client can show it and retry.
func (h *Handler) InvokeAction(c *gin.Context) {
	var in engine.Input
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&in); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Invalid request body",
			})
			return
		}
	}
	if errs := validation.Validate(
		validation.MaxLength("milestoneId", in.MilestoneID, 64),
		validation.MaxLength("taskId", in.TaskID, 64),
		validation.OneOf("outcome", in.Outcome, "approve", "reject", "modify"),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	in.Reason = validation.SanitizeString(in.Reason, validation.MaxReasonLength)

	sess, err := h.manager.Get(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	tx, err := sess.Invoke(c.Request.Context(), c.Param("step"), c.Param("action"), in)
	if err != nil {
		writeError(c, err)
		return
	}
	logging.L(c.Request.Context()).Info("action invoked",
		"step", c.Param("step"), "action", c.Param("action"), "tx", tx.Hash, "status", tx.Status)
	c.JSON(http.StatusOK, gin.H{"transaction": tx, "session": sess.Snapshot()})
}

// ConfirmTransaction handles POST /v1/sessions/:id/transactions/:hash/confirm
func (h *Handler) ConfirmTransaction(c *gin.Context) {
	sess, err := h.manager.Get(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	tx, err := sess.Confirm(c.Request.Context(), c.Param("hash"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx, "session": sess.Snapshot()})
}

func writeError(c *gin.Context, err error) {
	var blocked *engine.BlockedError
	switch {
	case errors.As(err, &blocked):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "action_blocked",
			"reason":  engine.ReasonCode(err),
			"message": err.Error(),
		})
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Session not found"})
	case errors.Is(err, demos.ErrUnknownDemo),
		errors.Is(err, engine.ErrUnknownStep),
		errors.Is(err, engine.ErrUnknownAction),
		errors.Is(err, engine.ErrTxNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, engine.ErrInvalidRole), errors.Is(err, ErrInvalidWallet):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	case errors.Is(err, engine.ErrSessionClosed):
		c.JSON(http.StatusGone, gin.H{"error": "session_closed", "message": "Session is closed"})
	case errors.Is(err, engine.ErrSessionReset), errors.Is(err, txsim.ErrAlreadyResolved), errors.Is(err, txsim.ErrInFlight):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": err.Error()})
	case errors.Is(err, ErrTooManySessions):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "capacity", "message": "Too many active sessions, try again later"})
	default:
		logging.L(c.Request.Context()).Error("session request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "An unexpected error occurred"})
	}
}
