package detector

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/geoanomaly/internal/ingest"
	"github.com/mbd888/geoanomaly/internal/logging"
	"github.com/mbd888/geoanomaly/internal/pagination"
	"github.com/mbd888/geoanomaly/internal/profile"
	"github.com/mbd888/geoanomaly/internal/risk"
	"github.com/mbd888/geoanomaly/internal/txn"
	"github.com/mbd888/geoanomaly/internal/validation"
)

// MaxHistorySize bounds the number of transactions accepted by a single
// profile build request.
const MaxHistorySize = 50000

// Handler provides HTTP endpoints for scoring and profile management.
type Handler struct {
	detector   *Detector
	normalizer *ingest.Normalizer
}

// NewHandler creates a new detector handler.
func NewHandler(detector *Detector, normalizer *ingest.Normalizer) *Handler {
	return &Handler{detector: detector, normalizer: normalizer}
}

// RegisterRoutes sets up the scoring and profile routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/transactions/score", h.ScoreTransaction)

	profiles := r.Group("/profiles/:user")
	profiles.Use(validation.UserParamMiddleware())
	profiles.GET("", h.GetProfile)
	profiles.POST("/history", h.BuildProfile)
	profiles.GET("/assessments", h.ListAssessments)
}

// RegisterAdminRoutes sets up operator routes. The caller applies auth.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/decay", h.RunDecaySweep)
}

// RegisterLegacyRoutes mounts the unversioned scoring endpoint kept for
// older producers.
func (h *Handler) RegisterLegacyRoutes(r gin.IRoutes) {
	r.POST("/detect_transaction", h.DetectTransaction)
}

// ScoreTransaction handles POST /v1/transactions/score
func (h *Handler) ScoreTransaction(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Failed to read request body",
		})
		return
	}

	tx, err := h.normalizer.Decode(c.Request.Context(), body)
	if err != nil {
		h.inputError(c, err)
		return
	}

	assessment, err := h.detector.ProcessTransaction(c.Request.Context(), tx)
	if err != nil {
		h.inputError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"assessment": assessment})
}

// BuildProfileRequest is the body of a profile build.
type BuildProfileRequest struct {
	Transactions []ingest.Payload `json:"transactions"`
}

// BuildProfile handles POST /v1/profiles/:user/history
func (h *Handler) BuildProfile(c *gin.Context) {
	user := c.Param("user")

	var req BuildProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if len(req.Transactions) > MaxHistorySize {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "transactions: exceeds maximum of " + strconv.Itoa(MaxHistorySize),
		})
		return
	}

	ctx := c.Request.Context()
	history := make([]txn.Transaction, 0, len(req.Transactions))
	for i, p := range req.Transactions {
		// History rows belong to the path user unless they say otherwise.
		if len(p.Buyer) == 0 {
			p.Buyer, _ = json.Marshal(user)
		}
		tx, err := h.normalizer.Normalize(ctx, p)
		if err != nil {
			var ipe *ingest.InvalidPayloadError
			if errors.As(err, &ipe) {
				c.JSON(http.StatusBadRequest, gin.H{
					"error":   "validation_error",
					"message": "transactions[" + strconv.Itoa(i) + "]: " + ipe.Errors.Error(),
					"details": ipe.Errors,
					"index":   i,
				})
				return
			}
			h.inputError(c, err)
			return
		}
		history = append(history, tx)
	}

	p, err := h.detector.BuildProfile(ctx, user, history)
	if err != nil {
		h.inputError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"profile": p})
}

// GetProfile handles GET /v1/profiles/:user
func (h *Handler) GetProfile(c *gin.Context) {
	p, err := h.detector.Lookup(c.Request.Context(), c.Param("user"))
	if errors.Is(err, profile.ErrProfileNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Profile not found",
		})
		return
	}
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to load profile", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load profile",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile": p})
}

// ListAssessments handles GET /v1/profiles/:user/assessments?limit=&cursor=
func (h *Handler) ListAssessments(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "Cursor is malformed",
		})
		return
	}

	assessments, err := h.detector.Assessments(c.Request.Context(), c.Param("user"), limit+1, cursor)
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to list assessments", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list assessments",
		})
		return
	}

	page, next, hasMore := pagination.ComputePage(assessments, limit, func(a *risk.Assessment) (time.Time, string) {
		return a.EvaluatedAt, a.ID
	})
	if page == nil {
		page = []*risk.Assessment{}
	}

	c.JSON(http.StatusOK, gin.H{
		"assessments": page,
		"count":       len(page),
		"nextCursor":  next,
		"hasMore":     hasMore,
	})
}

// RunDecaySweep handles POST /v1/admin/decay
func (h *Handler) RunDecaySweep(c *gin.Context) {
	stats := h.detector.DecaySweep(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"sweep": stats})
}

// DetectTransaction handles POST /detect_transaction. It answers with the
// flat {user, anomaly, score} shape and {"error": ...} on bad input.
func (h *Handler) DetectTransaction(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil || !json.Valid(body) || len(body) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON"})
		return
	}

	tx, err := h.normalizer.Decode(c.Request.Context(), body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	assessment, err := h.detector.ProcessTransaction(c.Request.Context(), tx)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user":    assessment.UserID,
		"anomaly": assessment.IsAnomaly,
		"score":   assessment.Score,
	})
}

// inputError maps payload and transaction errors to 400 and anything else
// to 500.
func (h *Handler) inputError(c *gin.Context, err error) {
	var ipe *ingest.InvalidPayloadError
	switch {
	case errors.As(err, &ipe):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": ipe.Errors.Error(),
			"details": ipe.Errors,
		})
	case errors.Is(err, txn.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
		})
	default:
		logging.L(c.Request.Context()).Error("request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to process request",
		})
	}
}
