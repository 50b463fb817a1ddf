package cleanup

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/liverec/backend/pkg/response"
)

// RunRequest is the body for POST /internal/cleanup/recordings. Every field is optional.
type RunRequest struct {
	OlderThanDays *int  `json:"older_than_days"`
	Limit         *int  `json:"limit"`
	DryRun        *bool `json:"dry_run"`
}

// Handler exposes the sweep over HTTP. Authentication is done by middleware.InternalToken.
type Handler struct {
	sweeper       *Sweeper
	retentionDays int
	logger        *zap.Logger
}

// NewHandler creates a cleanup handler. retentionDays applies when the request omits older_than_days.
func NewHandler(sweeper *Sweeper, retentionDays int, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{sweeper: sweeper, retentionDays: retentionDays, logger: logger}
}

// Run handles POST /internal/cleanup/recordings.
func (h *Handler) Run(c *gin.Context) {
	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	opts := Options{OlderThanDays: h.retentionDays}
	if req.OlderThanDays != nil {
		opts.OlderThanDays = *req.OlderThanDays
	}
	if req.Limit != nil {
		opts.Limit = *req.Limit
	}
	if req.DryRun != nil {
		opts.DryRun = *req.DryRun
	}

	res, err := h.sweeper.Run(c.Request.Context(), opts)
	if errors.Is(err, ErrSweepInProgress) {
		response.Conflict(c, err.Error())
		return
	}
	if err != nil {
		h.logger.Error("cleanup sweep failed", zap.Error(err))
		response.Internal(c, "cleanup failed")
		return
	}
	c.JSON(http.StatusOK, res)
}
