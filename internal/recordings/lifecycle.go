package recordings

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/liverec/backend/internal/models"
	"github.com/liverec/backend/pkg/notify"
	"github.com/liverec/backend/pkg/queue"
	"github.com/liverec/backend/pkg/storage"
)

// thumbnailTimeout bounds one poster frame grab.
const thumbnailTimeout = 30 * time.Second

// FrameGrabber extracts a JPEG poster frame from a local video.
type FrameGrabber interface {
	Frame(ctx context.Context, videoPath string) ([]byte, error)
}

// Enqueuer schedules upload jobs.
type Enqueuer interface {
	EnqueueRecordingUpload(ctx context.Context, payload queue.RecordingUploadPayload) (uuid.UUID, error)
}

// LiveStartEvent is a live session the engine started recording.
type LiveStartEvent struct {
	Platform string
	Channel  string
	Title    string
	CoverURL string
	// LiveID is the platform's own session id, kept as the recording key.
	LiveID string
}

// TransmuxEvent reports the finished local file of a session.
type TransmuxEvent struct {
	Platform string
	Channel  string
	Output   string
}

// UploadingEvent reports that the engine started its own upload.
type UploadingEvent struct {
	Platform string
	Channel  string
}

// ErrorEvent is an engine-side failure report.
type ErrorEvent struct {
	ID       string
	Platform string
	Channel  string
	Error    string
}

// Lifecycle drives recordings through live_recording → waiting_upload → uploading → ready.
type Lifecycle struct {
	repo          Repository
	jobs          Enqueuer
	covers        storage.ObjectStore
	guard         *PathGuard
	httpClient    *http.Client
	notifier      notify.Notifier
	now           func() time.Time
	coverMaxBytes int64
	probe         func(path string) (int, error)
	frames        FrameGrabber
	logger        *zap.Logger
}

// Option configures a Lifecycle.
type Option func(*Lifecycle)

// WithHTTPClient sets the client used to download cover images. The default client refuses non-public
// addresses.
func WithHTTPClient(c *http.Client) Option {
	return func(l *Lifecycle) { l.httpClient = c }
}

// WithNotifier enables operator alerts for engine errors.
func WithNotifier(n notify.Notifier) Option {
	return func(l *Lifecycle) { l.notifier = n }
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(l *Lifecycle) { l.now = now }
}

// WithCoverMaxBytes bounds cover downloads.
func WithCoverMaxBytes(n int64) Option {
	return func(l *Lifecycle) {
		if n > 0 {
			l.coverMaxBytes = n
		}
	}
}

// WithProbe replaces the MP4 duration probe.
func WithProbe(fn func(path string) (int, error)) Option {
	return func(l *Lifecycle) { l.probe = fn }
}

// WithFrameGrabber generates a poster from the video at transmux when the recording has none.
func WithFrameGrabber(g FrameGrabber) Option {
	return func(l *Lifecycle) { l.frames = g }
}

// NewLifecycle creates the recording state machine. covers may be nil, in which case posters are not stored.
func NewLifecycle(repo Repository, jobs Enqueuer, covers storage.ObjectStore, guard *PathGuard, logger *zap.Logger, opts ...Option) *Lifecycle {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Lifecycle{
		repo:          repo,
		jobs:          jobs,
		covers:        covers,
		guard:         guard,
		httpClient:    newCoverClient(15 * time.Second),
		now:           time.Now,
		coverMaxBytes: DefaultCoverMaxBytes,
		probe:         ProbeDuration,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LiveStart creates a live_recording row for the account. A cover that cannot be fetched or stored leaves the
// poster empty; it never rejects the event.
func (l *Lifecycle) LiveStart(ctx context.Context, ev LiveStartEvent) (uuid.UUID, error) {
	platform, channel, err := parseTarget(ev.Platform, ev.Channel)
	if err != nil {
		return uuid.Nil, err
	}
	account, err := l.account(ctx, platform, channel)
	if err != nil {
		return uuid.Nil, err
	}

	id := uuid.New()
	rec := &models.Recording{
		ID:            id,
		LiveAccountID: account.ID,
		StartedAt:     l.now().UTC(),
		Status:        models.RecordingStatusLiveRecording,
	}
	if title := strings.TrimSpace(ev.Title); title != "" {
		rec.Title = &title
	}
	if key := strings.TrimSpace(ev.LiveID); key != "" {
		rec.RecordingKey = &key
	}
	if ev.CoverURL != "" {
		if key, err := l.storeCover(ctx, id, ev.CoverURL); err != nil {
			l.logger.Warn("cover not stored",
				zap.String("recording_id", id.String()),
				zap.String("cover_url", ev.CoverURL),
				zap.Error(err),
			)
		} else {
			rec.PosterStoragePath = &key
		}
	}

	if err := l.repo.Create(ctx, rec); err != nil {
		return uuid.Nil, fmt.Errorf("create recording: %w", err)
	}
	l.logger.Info("live recording started",
		zap.String("recording_id", id.String()),
		zap.String("platform", string(platform)),
		zap.String("channel", channel),
	)
	return id, nil
}

func (l *Lifecycle) storeCover(ctx context.Context, id uuid.UUID, coverURL string) (string, error) {
	if l.covers == nil {
		return "", fmt.Errorf("no cover store configured")
	}
	img, err := fetchCover(ctx, l.httpClient, coverURL, l.coverMaxBytes)
	if err != nil {
		return "", err
	}
	return l.covers.PutBytes(ctx, l.covers.Key(storage.CoverObjectName(id, img.ext)), img.data, img.contentType)
}

// TransmuxFinish records the local output file and enqueues its upload. The path is checked before anything
// is written.
func (l *Lifecycle) TransmuxFinish(ctx context.Context, ev TransmuxEvent) (uuid.UUID, error) {
	platform, channel, err := parseTarget(ev.Platform, ev.Channel)
	if err != nil {
		return uuid.Nil, err
	}
	localPath, err := l.guard.Resolve(ev.Output)
	if err != nil {
		return uuid.Nil, err
	}
	account, err := l.account(ctx, platform, channel)
	if err != nil {
		return uuid.Nil, err
	}

	rec, err := l.repo.FindByAccountStatus(ctx, string(platform), channel, models.RecordingStatusLiveRecording)
	if err != nil {
		return uuid.Nil, fmt.Errorf("find live recording: %w", err)
	}
	if rec == nil {
		rec = &models.Recording{
			ID:            uuid.New(),
			LiveAccountID: account.ID,
			StartedAt:     l.now().UTC(),
			Status:        models.RecordingStatusLiveRecording,
		}
		if err := l.repo.Create(ctx, rec); err != nil {
			return uuid.Nil, fmt.Errorf("create placeholder recording: %w", err)
		}
		l.logger.Warn("transmux finished without live start, created placeholder",
			zap.String("recording_id", rec.ID.String()),
			zap.String("platform", string(platform)),
			zap.String("channel", channel),
		)
	}

	var duration *int
	if strings.EqualFold(filepath.Ext(localPath), ".mp4") {
		if d, err := l.probe(localPath); err != nil {
			l.logger.Warn("duration probe failed", zap.String("path", localPath), zap.Error(err))
		} else {
			duration = &d
		}
	}

	if err := l.repo.MarkWaitingUpload(ctx, rec.ID, localPath, duration, l.now().UTC()); err != nil {
		return uuid.Nil, fmt.Errorf("mark waiting upload: %w", err)
	}
	jobID, err := l.jobs.EnqueueRecordingUpload(ctx, queue.RecordingUploadPayload{RecordingID: rec.ID, LocalPath: localPath})
	if err != nil {
		return uuid.Nil, fmt.Errorf("enqueue upload: %w", err)
	}
	l.logger.Info("recording waiting for upload",
		zap.String("recording_id", rec.ID.String()),
		zap.String("job_id", jobID.String()),
		zap.String("path", localPath),
	)

	if rec.PosterStoragePath == nil {
		l.posterFromVideo(ctx, rec.ID, localPath)
	}
	return rec.ID, nil
}

// posterFromVideo stores a frame of the recording as its poster. Failures are logged only.
func (l *Lifecycle) posterFromVideo(ctx context.Context, id uuid.UUID, localPath string) {
	if l.frames == nil || l.covers == nil {
		return
	}
	log := l.logger.With(zap.String("recording_id", id.String()), zap.String("path", localPath))

	frameCtx, cancel := context.WithTimeout(ctx, thumbnailTimeout)
	defer cancel()
	data, err := l.frames.Frame(frameCtx, localPath)
	if err != nil {
		log.Warn("poster frame not generated", zap.Error(err))
		return
	}
	key, err := l.covers.PutBytes(ctx, l.covers.Key(storage.CoverObjectName(id, ".jpg")), data, "image/jpeg")
	if err != nil {
		log.Warn("poster frame not stored", zap.Error(err))
		return
	}
	if err := l.repo.SetPoster(ctx, id, key); err != nil {
		log.Warn("poster frame not recorded", zap.Error(err))
		return
	}
	log.Info("poster generated from video", zap.String("poster", key))
}

// VideoUploading moves the account's waiting recording to uploading.
func (l *Lifecycle) VideoUploading(ctx context.Context, ev UploadingEvent) (uuid.UUID, error) {
	platform, channel, err := parseTarget(ev.Platform, ev.Channel)
	if err != nil {
		return uuid.Nil, err
	}
	rec, err := l.repo.FindByAccountStatus(ctx, string(platform), channel, models.RecordingStatusWaitingUpload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("find waiting recording: %w", err)
	}
	if rec == nil {
		return uuid.Nil, &NotFoundError{Entity: "waiting recording", Key: string(platform) + "/" + channel}
	}
	if err := l.repo.MarkUploading(ctx, rec.ID); err != nil {
		return uuid.Nil, fmt.Errorf("mark uploading: %w", err)
	}
	return rec.ID, nil
}

// CompleteUpload marks the recording ready with its stored object.
func (l *Lifecycle) CompleteUpload(ctx context.Context, id uuid.UUID, res models.UploadResult) error {
	if err := l.repo.MarkReady(ctx, id, res); err != nil {
		return fmt.Errorf("mark ready: %w", err)
	}
	l.logger.Info("recording ready",
		zap.String("recording_id", id.String()),
		zap.String("storage_path", res.RemoteKey),
		zap.Int64("size_bytes", res.SizeBytes),
	)
	return nil
}

// FailUpload parks a recording whose upload job gave up.
func (l *Lifecycle) FailUpload(ctx context.Context, id uuid.UUID) error {
	if err := l.repo.MarkFailed(ctx, id); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	l.logger.Warn("recording upload failed permanently", zap.String("recording_id", id.String()))
	return nil
}

// EngineError logs an engine failure report and forwards it to the notifier. No recording is changed.
func (l *Lifecycle) EngineError(ctx context.Context, ev ErrorEvent) (string, error) {
	l.logger.Error("recording engine error",
		zap.String("delivery_id", ev.ID),
		zap.String("platform", ev.Platform),
		zap.String("channel", ev.Channel),
		zap.String("error", ev.Error),
	)
	if l.notifier != nil {
		msg := fmt.Sprintf("**Recording engine error**\nplatform: %s\nchannel: %s\n```%s```", ev.Platform, ev.Channel, ev.Error)
		if err := l.notifier.Notify(ctx, msg); err != nil {
			l.logger.Warn("engine error alert not sent", zap.Error(err))
		}
	}
	return ev.ID, nil
}

func (l *Lifecycle) account(ctx context.Context, platform Platform, channel string) (*models.LiveAccount, error) {
	account, err := l.repo.FindLiveAccount(ctx, string(platform), channel)
	if err != nil {
		return nil, fmt.Errorf("find live account: %w", err)
	}
	if account == nil {
		return nil, &NotFoundError{Entity: "live account", Key: string(platform) + "/" + channel}
	}
	return account, nil
}
