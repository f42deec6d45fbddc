package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	jmespath "github.com/jmespath-community/go-jmespath"

	"github.com/buildingvitals/timeseries-api/internal/core"
	"github.com/buildingvitals/timeseries-api/internal/domain/fetcherr"
	"github.com/buildingvitals/timeseries-api/internal/domain/model"
	"github.com/buildingvitals/timeseries-api/internal/observability/notify"
	"github.com/buildingvitals/timeseries-api/internal/observability/statsd"
)

const (
	defaultDLQBatchSize = 10
	diagKeyPrefix       = "diag:"
	diagTTL             = 7 * 24 * time.Hour
)

// failureAlerter is the behavior DLQProcessor needs from the operator
// notification fan-out.
type failureAlerter interface {
	NotifyJobFailure(ctx context.Context, payload notify.JobFailurePayload)
	Enabled() bool
}

// DLQStores groups the storage ports the dead-letter processor writes to.
type DLQStores struct {
	Jobs          core.JobRepository
	Recovery      core.RecoveryRepository
	Notifications core.NotificationRepository
	Blobs         core.BlobStore
}

// DLQProcessorConfig tunes batch consumption.
type DLQProcessorConfig struct {
	BatchSize int64
}

// DLQProcessorOptions groups dependencies for DLQProcessor.
type DLQProcessorOptions struct {
	Queue   core.DurableQueue // Required
	Stores  DLQStores         // Jobs required; the rest optional
	Alerts  failureAlerter    // Optional: operator notification sinks
	Config  DLQProcessorConfig
	Logger  *slog.Logger // Optional
	Metrics statsd.Sink  // Optional
	Now     func() time.Time
}

// DLQProcessor drains the dead-letter channel: every exhausted job gets its
// row forced to failed, its message preserved for diagnostics, and a
// category-specific follow-up (recovery record, user notification or operator
// alert). Messages are always acked; the dead-letter channel never retries.
type DLQProcessor struct {
	queue   core.DurableQueue
	stores  DLQStores
	alerts  failureAlerter
	cfg     DLQProcessorConfig
	logger  *slog.Logger
	metrics statsd.Sink
	now     func() time.Time
}

// NewDLQProcessor constructs a DLQProcessor.
func NewDLQProcessor(opts DLQProcessorOptions) *DLQProcessor {
	if opts.Queue == nil {
		panic("DurableQueue is required")
	}
	if opts.Stores.Jobs == nil {
		panic("JobRepository is required")
	}

	cfg := opts.Config
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultDLQBatchSize
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	logger := opts.Logger
	if logger != nil {
		logger = logger.With("component", "dlq")
	}

	return &DLQProcessor{
		queue:   opts.Queue,
		stores:  opts.Stores,
		alerts:  opts.Alerts,
		cfg:     cfg,
		logger:  logger,
		metrics: opts.Metrics,
		now:     now,
	}
}

// ProcessBatch consumes up to BatchSize dead-lettered messages. Storage
// failures during follow-up are counted, logged and never block the ack: a
// dead-lettered message must not re-enter a retry loop.
func (p *DLQProcessor) ProcessBatch(ctx context.Context) (*model.DLQBatchResult, error) {
	deliveries, err := p.queue.ReceiveDLQ(ctx, p.cfg.BatchSize)
	if err != nil {
		if errors.Is(err, model.ErrNoMessagesAvailable) {
			return &model.DLQBatchResult{}, nil
		}
		return nil, fmt.Errorf("receive dead letters: %w", err)
	}

	result := &model.DLQBatchResult{Processed: len(deliveries)}
	for _, d := range deliveries {
		p.processOne(ctx, d, result)
		if ackErr := p.queue.AckDLQ(ctx, d); ackErr != nil {
			result.Errors++
			if p.logger != nil {
				p.logger.ErrorContext(ctx, "dead letter ack failed",
					"job_id", d.Message.JobID, "error", ackErr)
			}
		}
	}

	if p.metrics != nil && len(deliveries) > 0 {
		p.metrics.Count("dlq.batch", 1, nil)
		p.metrics.Count("dlq.processed", int64(len(deliveries)), nil)
		if result.Errors > 0 {
			p.metrics.Count("dlq.errors", int64(result.Errors), nil)
		}
	}
	return result, nil
}

func (p *DLQProcessor) processOne(ctx context.Context, d core.Delivery, result *model.DLQBatchResult) {
	msg := d.Message

	errText := d.ErrorText
	errClass := ""
	if job, err := p.stores.Jobs.GetByID(ctx, msg.JobID); err == nil {
		if errText == "" && job.LastError != nil {
			errText = *job.LastError
		}
		if job.ErrorClass != nil {
			errClass = *job.ErrorClass
		}
	}

	if _, err := p.stores.Jobs.MarkFailed(ctx, core.FailJobParams{
		JobID:      msg.JobID,
		ErrorText:  errText,
		ErrorClass: errClass,
	}); err != nil {
		result.Errors++
		if p.logger != nil {
			p.logger.ErrorContext(ctx, "dead letter row update failed",
				"job_id", msg.JobID, "error", err)
		}
	}

	p.storeDiagnostics(ctx, msg, errText)

	category := ClassifyFailure(errClass, errText)
	if p.metrics != nil {
		p.metrics.Count("dlq.failure", 1, map[string]string{
			"site":     msg.Site,
			"category": string(category),
		})
	}

	switch category {
	case model.FailureRecoverable:
		p.recordRecoverable(ctx, d, category, errText, result)
	case model.FailureUserError:
		p.notifyUser(ctx, msg, errText, result)
	default:
		p.alertOperators(ctx, msg, category, errText, errClass, result)
	}

	if p.logger != nil {
		p.logger.InfoContext(ctx, "dead letter processed",
			"job_id", msg.JobID,
			"site", msg.Site,
			"category", category,
			"error_class", errClass)
	}
}

// storeDiagnostics preserves the raw message for post-mortem. Best effort.
func (p *DLQProcessor) storeDiagnostics(ctx context.Context, msg model.QueueMessage, errText string) {
	if p.stores.Blobs == nil {
		return
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return
	}
	key := diagKeyPrefix + msg.JobID
	meta := map[string]string{
		"site":      msg.Site,
		"error":     errText,
		"failed_at": p.now().UTC().Format(time.RFC3339),
	}
	if err := p.stores.Blobs.Put(ctx, key, body, meta, diagTTL); err != nil && p.logger != nil {
		p.logger.WarnContext(ctx, "diagnostics write failed",
			"job_id", msg.JobID, "error", err)
	}
}

func (p *DLQProcessor) recordRecoverable(
	ctx context.Context,
	d core.Delivery,
	category model.FailureCategory,
	errText string,
	result *model.DLQBatchResult,
) {
	if p.stores.Recovery == nil {
		return
	}

	body, _ := json.Marshal(d.Message)
	created, err := p.stores.Recovery.Create(ctx, core.CreateRecoveryParams{
		JobID:       d.Message.JobID,
		MessageBody: body,
		ErrorText:   errText,
		Category:    category,
		RetryCount:  int(d.Attempt),
	})
	if err != nil {
		result.Errors++
		if p.logger != nil {
			p.logger.ErrorContext(ctx, "recovery record write failed",
				"job_id", d.Message.JobID, "error", err)
		}
		return
	}
	if created {
		result.Recovered++
	}
}

func (p *DLQProcessor) notifyUser(
	ctx context.Context,
	msg model.QueueMessage,
	errText string,
	result *model.DLQBatchResult,
) {
	if p.stores.Notifications == nil {
		return
	}

	userID, message := buildUserFailureMessage(msg, errText)
	if userID == "" {
		// No one to tell; leave it at the job row and diagnostics.
		return
	}

	err := p.stores.Notifications.Create(ctx, &model.UserNotification{
		ID:      uuid.NewString(),
		UserID:  userID,
		JobID:   msg.JobID,
		Title:   "Data fetch failed",
		Message: message,
	})
	if err != nil {
		result.Errors++
		if p.logger != nil {
			p.logger.ErrorContext(ctx, "user notification write failed",
				"job_id", msg.JobID, "user_id", userID, "error", err)
		}
		return
	}
	result.Stored++
}

func (p *DLQProcessor) alertOperators(
	ctx context.Context,
	msg model.QueueMessage,
	category model.FailureCategory,
	errText string,
	errClass string,
	result *model.DLQBatchResult,
) {
	if p.alerts == nil || !p.alerts.Enabled() {
		return
	}

	p.alerts.NotifyJobFailure(ctx, notify.JobFailurePayload{
		JobID:      msg.JobID,
		Site:       msg.Site,
		Category:   string(category),
		Error:      errText,
		ErrorClass: errClass,
		Severity:   notify.SeverityCritical,
		OccurredAt: p.now().UTC(),
		Metadata: map[string]string{
			"points":     fmt.Sprintf("%d", len(msg.Points)),
			"start_time": msg.StartTime.UTC().Format(time.RFC3339),
			"end_time":   msg.EndTime.UTC().Format(time.RFC3339),
		},
	})
	result.Alerted++
}

// Stats returns recovery-queue aggregates.
func (p *DLQProcessor) Stats(ctx context.Context) (*model.DLQStats, error) {
	if p.stores.Recovery == nil {
		return &model.DLQStats{}, nil
	}
	stats, err := p.stores.Recovery.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("dlq stats: %w", err)
	}
	return stats, nil
}

// ListRecentFailures returns the newest recovery records.
func (p *DLQProcessor) ListRecentFailures(ctx context.Context, limit int) ([]*model.RecoveryRecord, error) {
	if p.stores.Recovery == nil {
		return nil, nil
	}
	records, err := p.stores.Recovery.ListRecent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent failures: %w", err)
	}
	return records, nil
}

// ClassifyFailure buckets a permanent failure. The stored error class is
// authoritative when present; otherwise the error text is phrase-matched.
func ClassifyFailure(errClass, errText string) model.FailureCategory {
	switch fetcherr.Kind(errClass) {
	case fetcherr.KindTransient:
		return model.FailureRecoverable
	case fetcherr.KindClientFault:
		return model.FailureUserError
	case fetcherr.KindServerFault:
		return model.FailureSystemError
	}

	text := strings.ToLower(errText)
	switch {
	case containsAny(text,
		"timeout", "timed out", "rate limit", "too many requests", "429",
		"connection refused", "connection reset", "temporarily unavailable",
		"502", "503", "504"):
		return model.FailureRecoverable
	case containsAny(text,
		"invalid", "bad request", "unauthorized", "forbidden", "not found",
		"400", "401", "403", "404"):
		return model.FailureUserError
	case containsAny(text, "internal server error", "500", "panic", "out of memory"):
		return model.FailureSystemError
	default:
		return model.FailureUnknown
	}
}

func containsAny(s string, phrases ...string) bool {
	for _, phrase := range phrases {
		if strings.Contains(s, phrase) {
			return true
		}
	}
	return false
}

// User notification fields are pulled out of the raw message body rather than
// the typed struct so the wording survives message schema drift.
var userMessageExprs = struct {
	userID, site, points, start, end string
}{
	userID: "userId",
	site:   "site",
	points: "length(points)",
	start:  "startTime",
	end:    "endTime",
}

func buildUserFailureMessage(msg model.QueueMessage, errText string) (userID, message string) {
	body, err := json.Marshal(msg)
	if err != nil {
		return "", ""
	}
	var data any
	if err := json.Unmarshal(body, &data); err != nil {
		return "", ""
	}

	userID = jmespathString(userMessageExprs.userID, data)
	site := jmespathString(userMessageExprs.site, data)
	points := jmespathNumber(userMessageExprs.points, data)
	start := jmespathString(userMessageExprs.start, data)
	end := jmespathString(userMessageExprs.end, data)

	var b strings.Builder
	fmt.Fprintf(&b, "Your request for %d point(s) at site %s", points, site)
	if start != "" && end != "" {
		fmt.Fprintf(&b, " between %s and %s", start, end)
	}
	b.WriteString(" could not be completed.")
	if errText != "" {
		fmt.Fprintf(&b, " Reason: %s.", errText)
	}
	b.WriteString(" Please check the request parameters and try again.")
	return userID, b.String()
}

func jmespathString(expr string, data any) string {
	res, err := jmespath.Search(expr, data)
	if err != nil {
		return ""
	}
	s, _ := res.(string)
	return s
}

func jmespathNumber(expr string, data any) int {
	res, err := jmespath.Search(expr, data)
	if err != nil {
		return 0
	}
	switch v := res.(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
