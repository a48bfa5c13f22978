// Package archive records every invocation after it completes: successful
// payloads are hashed and copied to blob storage, a notification is
// published, and a history row is written. All steps are best-effort and
// never change the Outcome.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/product-search-gateway/internal/metrics"
	"github.com/JakeFAU/product-search-gateway/internal/search"
)

const defaultStepTimeout = 10 * time.Second

// Config controls archive paths and notification routing.
type Config struct {
	Prefix      string
	ContentType string
	Topic       string
	// StepTimeout bounds the whole archive pass for one invocation.
	StepTimeout time.Duration
}

// Recorder decorates an Invoker with archiving. Nil collaborators disable
// their step.
type Recorder struct {
	next      search.Invoker
	blobs     search.BlobStore
	publisher search.Publisher
	history   search.HistoryStore
	hasher    search.Hasher
	clock     search.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Recorder.
func New(
	next search.Invoker,
	blobs search.BlobStore,
	publisher search.Publisher,
	history search.HistoryStore,
	hasher search.Hasher,
	clock search.Clock,
	cfg Config,
	logger *zap.Logger,
) *Recorder {
	if cfg.ContentType == "" {
		cfg.ContentType = "application/json"
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = defaultStepTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		next:      next,
		blobs:     blobs,
		publisher: publisher,
		history:   history,
		hasher:    hasher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Invoke forwards req and records the Outcome before returning it unchanged.
func (r *Recorder) Invoke(ctx context.Context, req search.Request) search.Outcome {
	out := r.next.Invoke(ctx, req)

	archiveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.StepTimeout)
	defer cancel()
	r.record(archiveCtx, req, out)
	return out
}

func (r *Recorder) record(ctx context.Context, req search.Request, out search.Outcome) {
	logger := r.logger.With(zap.String("request_id", req.ID))
	rec := search.InvocationRecord{
		RequestID:  req.ID,
		Query:      req.Query,
		ReceivedAt: req.ReceivedAt,
		Result:     out.Result(),
		Duration:   out.Duration,
	}
	if f := out.Failure; f != nil {
		rec.Detail = f.Detail
		if f.Kind == search.FailureWorkerExitError {
			code := f.ExitCode
			rec.ExitCode = &code
		}
	} else {
		rec.Count = search.PayloadCount(out.Payload)
		r.archivePayload(ctx, logger, req, out, &rec)
	}

	if r.history == nil {
		return
	}
	if err := r.history.RecordInvocation(ctx, rec); err != nil {
		metrics.ObserveArchiveFailure("history")
		logger.Warn("record invocation history failed", zap.Error(err))
	}
}

func (r *Recorder) archivePayload(
	ctx context.Context,
	logger *zap.Logger,
	req search.Request,
	out search.Outcome,
	rec *search.InvocationRecord,
) {
	if r.hasher == nil {
		return
	}
	hash, err := r.hasher.Hash(out.Payload)
	if err != nil {
		metrics.ObserveArchiveFailure("hash")
		logger.Warn("hash result failed", zap.Error(err))
		return
	}
	rec.ContentHash = hash

	if r.blobs != nil {
		path := BlobPath(r.cfg.Prefix, r.receivedAt(req), req.ID, hash)
		uri, err := r.blobs.PutObject(ctx, path, r.cfg.ContentType, bytes.NewReader(out.Payload))
		if err != nil {
			metrics.ObserveArchiveFailure("blob")
			logger.Warn("archive result failed", zap.String("path", path), zap.Error(err))
		} else {
			rec.BlobURI = uri
		}
	}

	if r.publisher == nil || r.cfg.Topic == "" {
		return
	}
	note := Notification{
		RequestID: req.ID,
		Query:     req.Query,
		BlobURI:   rec.BlobURI,
		Hash:      hash,
		Count:     rec.Count,
		Timestamp: r.clock.Now().UTC().Format(time.RFC3339),
	}
	msgID, err := r.publisher.Publish(ctx, r.cfg.Topic, note)
	if err != nil {
		metrics.ObserveArchiveFailure("publish")
		logger.Warn("publish result notification failed", zap.Error(err))
		return
	}
	logger.Info("result published",
		zap.String("message_id", msgID),
		zap.String("blob_uri", rec.BlobURI),
		zap.String("hash", hash),
	)
}

func (r *Recorder) receivedAt(req search.Request) time.Time {
	if req.ReceivedAt.IsZero() {
		return r.clock.Now()
	}
	return req.ReceivedAt
}

// BlobPath builds <prefix>/<yyyy>/<mm>/<dd>/<requestID>-<hash>.json.
func BlobPath(prefix string, at time.Time, requestID, hash string) string {
	at = at.UTC()
	name := fmt.Sprintf("%04d/%02d/%02d/%s-%s.json", at.Year(), int(at.Month()), at.Day(), requestID, hash)
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

// Notification is the compact message published for each archived result.
type Notification struct {
	RequestID string `json:"request_id"`
	Query     string `json:"query"`
	BlobURI   string `json:"blob_uri,omitempty"`
	Hash      string `json:"hash"`
	Count     int    `json:"count"`
	Timestamp string `json:"timestamp"`
}

// Attributes exposes routing attributes for brokers that support them.
func (n Notification) Attributes() map[string]string {
	return map[string]string{"request_id": n.RequestID}
}
