package recordings

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/liverec/backend/pkg/response"
)

// Webhook event names, also used in dedup keys.
const (
	EventLiveStart      = "live_start"
	EventTransmuxFinish = "video_transmux_finish"
	EventVideoUploading = "video_uploading"
	EventError          = "error"
)

// Envelope is the common shape of recording engine deliveries.
type Envelope[T any] struct {
	ID   string          `json:"id"`
	TS   json.RawMessage `json:"ts,omitempty"`
	Type string          `json:"type,omitempty"`
	Data T               `json:"data"`
}

// LiveInfo describes the live session in a live_start delivery.
type LiveInfo struct {
	UID        string   `json:"uid,omitempty"`
	UName      string   `json:"uname,omitempty"`
	Avatar     string   `json:"avatar,omitempty"`
	Title      string   `json:"title,omitempty"`
	Cover      string   `json:"cover,omitempty"`
	Categories []string `json:"categories,omitempty"`
	Status     string   `json:"status,omitempty"`
	LiveID     string   `json:"live_id,omitempty"`
}

// LiveStartData is the data of a live_start delivery.
type LiveStartData struct {
	Platform string    `json:"platform"`
	Channel  string    `json:"channel"`
	LiveInfo *LiveInfo `json:"live_info"`
}

// TransmuxData is the data of a video_transmux_finish delivery.
type TransmuxData struct {
	Platform string `json:"platform"`
	Channel  string `json:"channel"`
	Output   string `json:"output"`
}

// UploadingData is the data of a video_uploading delivery.
type UploadingData struct {
	Platform string `json:"platform"`
	Channel  string `json:"channel"`
}

// ErrorData is the data of an error delivery.
type ErrorData struct {
	Platform string `json:"platform"`
	Channel  string `json:"channel"`
	Error    string `json:"error"`
}

// WebhookHandler serves the recording engine webhooks.
type WebhookHandler struct {
	lifecycle *Lifecycle
	dedup     Deduper
	logger    *zap.Logger
}

// NewWebhookHandler creates the handler. dedup may be nil.
func NewWebhookHandler(lifecycle *Lifecycle, dedup Deduper, logger *zap.Logger) *WebhookHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookHandler{lifecycle: lifecycle, dedup: dedup, logger: logger}
}

// Register mounts the webhook routes on g.
func (h *WebhookHandler) Register(g *gin.RouterGroup) {
	g.POST("/live-start", h.LiveStart)
	g.POST("/video-transmux-finish", h.TransmuxFinish)
	g.POST("/video-uploading", h.VideoUploading)
	g.POST("/error", h.Error)
}

// LiveStart handles POST /webhooks/recording-engine/live-start.
func (h *WebhookHandler) LiveStart(c *gin.Context) {
	var env Envelope[LiveStartData]
	if !bindEnvelope(c, &env) {
		return
	}
	h.apply(c, EventLiveStart, env.ID, func(ctx context.Context) (string, error) {
		if env.Data.LiveInfo == nil {
			return "", &ValidationError{Field: "live_info", Reason: "required"}
		}
		id, err := h.lifecycle.LiveStart(ctx, LiveStartEvent{
			Platform: env.Data.Platform,
			Channel:  env.Data.Channel,
			Title:    env.Data.LiveInfo.Title,
			CoverURL: env.Data.LiveInfo.Cover,
			LiveID:   env.Data.LiveInfo.LiveID,
		})
		return id.String(), err
	})
}

// TransmuxFinish handles POST /webhooks/recording-engine/video-transmux-finish.
func (h *WebhookHandler) TransmuxFinish(c *gin.Context) {
	var env Envelope[TransmuxData]
	if !bindEnvelope(c, &env) {
		return
	}
	h.apply(c, EventTransmuxFinish, env.ID, func(ctx context.Context) (string, error) {
		id, err := h.lifecycle.TransmuxFinish(ctx, TransmuxEvent{
			Platform: env.Data.Platform,
			Channel:  env.Data.Channel,
			Output:   env.Data.Output,
		})
		return id.String(), err
	})
}

// VideoUploading handles POST /webhooks/recording-engine/video-uploading.
func (h *WebhookHandler) VideoUploading(c *gin.Context) {
	var env Envelope[UploadingData]
	if !bindEnvelope(c, &env) {
		return
	}
	h.apply(c, EventVideoUploading, env.ID, func(ctx context.Context) (string, error) {
		id, err := h.lifecycle.VideoUploading(ctx, UploadingEvent{
			Platform: env.Data.Platform,
			Channel:  env.Data.Channel,
		})
		return id.String(), err
	})
}

// Error handles POST /webhooks/recording-engine/error.
func (h *WebhookHandler) Error(c *gin.Context) {
	var env Envelope[ErrorData]
	if !bindEnvelope(c, &env) {
		return
	}
	h.apply(c, EventError, env.ID, func(ctx context.Context) (string, error) {
		return h.lifecycle.EngineError(ctx, ErrorEvent{
			ID:       env.ID,
			Platform: env.Data.Platform,
			Channel:  env.Data.Channel,
			Error:    env.Data.Error,
		})
	})
}

func bindEnvelope[T any](c *gin.Context, env *Envelope[T]) bool {
	if err := c.ShouldBindJSON(env); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return false
	}
	return true
}

// apply runs fn once per delivery id when a deduper is configured. Replays get the first result back and a
// duplicate arriving while the first is still running gets 409.
func (h *WebhookHandler) apply(c *gin.Context, event, deliveryID string, fn func(ctx context.Context) (string, error)) {
	ctx := c.Request.Context()
	deliveryID = strings.TrimSpace(deliveryID)
	dedup := h.dedup != nil && deliveryID != ""

	var claim Claim
	if dedup {
		var err error
		claim, err = h.dedup.Claim(ctx, event, deliveryID)
		switch {
		case err != nil:
			h.logger.Warn("webhook dedup claim failed", zap.String("event", event), zap.Error(err))
			dedup = false
		case claim.State == ClaimDone:
			h.logger.Info("webhook replay ignored",
				zap.String("event", event),
				zap.String("delivery_id", deliveryID),
				zap.String("result", claim.Result),
			)
			response.Text(c, claim.Result)
			return
		case claim.State == ClaimInFlight:
			h.logger.Info("webhook delivery already in progress",
				zap.String("event", event),
				zap.String("delivery_id", deliveryID),
			)
			response.Conflict(c, "delivery "+deliveryID+" is already being processed")
			return
		}
	}

	result, err := fn(ctx)
	// The outcome must be recorded even if the caller hung up.
	bctx := context.WithoutCancel(ctx)
	if err != nil {
		if dedup {
			if rerr := h.dedup.Release(bctx, event, deliveryID, claim); rerr != nil {
				h.logger.Warn("webhook dedup release failed", zap.String("event", event), zap.Error(rerr))
			}
		}
		h.writeError(c, event, deliveryID, err)
		return
	}
	if dedup {
		if err := h.dedup.Remember(bctx, event, deliveryID, claim, result); err != nil {
			h.logger.Warn("webhook dedup store failed", zap.String("event", event), zap.Error(err))
		}
	}
	response.Text(c, result)
}

func (h *WebhookHandler) writeError(c *gin.Context, event, deliveryID string, err error) {
	var (
		verr *ValidationError
		perr *PathSecurityError
		nerr *NotFoundError
	)
	switch {
	case errors.As(err, &verr):
		response.BadRequest(c, verr.Error())
	case errors.As(err, &perr):
		h.logger.Warn("webhook path rejected", zap.String("event", event), zap.String("delivery_id", deliveryID), zap.Error(err))
		response.BadRequest(c, perr.Error())
	case errors.As(err, &nerr):
		response.NotFound(c, nerr.Error())
	default:
		h.logger.Error("webhook failed", zap.String("event", event), zap.String("delivery_id", deliveryID), zap.Error(err))
		response.Internal(c, "internal error")
	}
}
