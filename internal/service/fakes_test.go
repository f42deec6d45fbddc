package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/buildingvitals/timeseries-api/internal/core"
	"github.com/buildingvitals/timeseries-api/internal/domain/model"
)

// memJobs is an in-memory core.JobRepository mirroring the row store's
// conditional transition semantics.
type memJobs struct {
	mu   sync.Mutex
	jobs map[string]*model.FetchJob
	now  func() time.Time
}

func newMemJobs() *memJobs {
	return &memJobs{
		jobs: make(map[string]*model.FetchJob),
		now:  func() time.Time { return time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC) },
	}
}

func (m *memJobs) Create(_ context.Context, req *model.CreateJobRequest) (*model.FetchJob, bool, error) {
	if err := req.Validate(); err != nil {
		return nil, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.jobs[req.ID]; ok {
		copied := *existing
		return &copied, false, nil
	}
	priority := req.Priority
	if priority == "" {
		priority = model.PriorityNormal
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	now := m.now()
	job := &model.FetchJob{
		ID:            req.ID,
		Site:          req.Site,
		Points:        req.Points,
		StartTime:     req.StartTime,
		EndTime:       req.EndTime,
		UserID:        req.UserID,
		Status:        model.JobStatusQueued,
		Priority:      priority,
		EstimatedSize: req.EstimatedSize,
		CacheKey:      req.CacheKey,
		MaxRetries:    maxRetries,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	m.jobs[req.ID] = job
	copied := *job
	return &copied, true, nil
}

func (m *memJobs) GetByID(_ context.Context, id string) (*model.FetchJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, core.ErrJobNotFound
	}
	copied := *job
	return &copied, nil
}

func (m *memJobs) MarkProcessing(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || (job.Status != model.JobStatusQueued && job.Status != model.JobStatusRetrying) {
		return false, nil
	}
	job.Status = model.JobStatusProcessing
	return true, nil
}

func (m *memJobs) UpdateProgress(_ context.Context, id string, progress int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[id]; ok && job.Status == model.JobStatusProcessing && progress > job.Progress {
		job.Progress = progress
	}
	return nil
}

func (m *memJobs) Complete(_ context.Context, params core.CompleteJobParams) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[params.JobID]
	if !ok || job.Status != model.JobStatusProcessing {
		return false, nil
	}
	job.Status = model.JobStatusCompleted
	job.Progress = 100
	job.SamplesCount = params.SamplesCount
	job.DataSize = params.DataSize
	job.Truncated = params.Truncated
	if params.CacheKey != "" {
		key := params.CacheKey
		job.CacheKey = &key
	}
	return true, nil
}

func (m *memJobs) FailOrRetry(_ context.Context, params core.FailJobParams) (model.JobStatus, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[params.JobID]
	if !ok {
		return "", 0, core.ErrJobNotFound
	}
	if job.Status != model.JobStatusProcessing {
		return job.Status, job.RetryCount, nil
	}
	job.RetryCount++
	job.LastError = &params.ErrorText
	if params.ErrorClass != "" {
		job.ErrorClass = &params.ErrorClass
	}
	if job.RetryCount >= job.MaxRetries {
		job.Status = model.JobStatusFailed
	} else {
		job.Status = model.JobStatusRetrying
	}
	return job.Status, job.RetryCount, nil
}

func (m *memJobs) MarkFailed(_ context.Context, params core.FailJobParams) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[params.JobID]
	if !ok || job.Status == model.JobStatusCompleted || job.Status == model.JobStatusCancelled {
		return false, nil
	}
	job.Status = model.JobStatusFailed
	job.LastError = &params.ErrorText
	if params.ErrorClass != "" {
		job.ErrorClass = &params.ErrorClass
	}
	return true, nil
}

func (m *memJobs) Cancel(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.Status.Terminal() {
		return false, nil
	}
	job.Status = model.JobStatusCancelled
	return true, nil
}

func (m *memJobs) Reset(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || (job.Status != model.JobStatusFailed && job.Status != model.JobStatusCancelled) {
		return false, nil
	}
	job.Status = model.JobStatusQueued
	job.Progress = 0
	job.RetryCount = 0
	job.LastError = nil
	job.ErrorClass = nil
	return true, nil
}

func (m *memJobs) Stats(_ context.Context) (*model.JobStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &model.JobStats{}
	for _, job := range m.jobs {
		switch job.Status {
		case model.JobStatusQueued:
			stats.Queued++
		case model.JobStatusProcessing:
			stats.Processing++
		case model.JobStatusRetrying:
			stats.Retrying++
		case model.JobStatusCompleted:
			stats.Completed++
		case model.JobStatusFailed:
			stats.Failed++
		case model.JobStatusCancelled:
			stats.Cancelled++
		}
	}
	return stats, nil
}

func (m *memJobs) ListRecent(_ context.Context, limit int) ([]*model.FetchJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.FetchJob, 0, len(m.jobs))
	for _, job := range m.jobs {
		copied := *job
		out = append(out, &copied)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *memJobs) ArchiveTerminal(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var moved int64
	for id, job := range m.jobs {
		if job.Status.Terminal() && job.UpdatedAt.Before(cutoff) {
			delete(m.jobs, id)
			moved++
		}
	}
	return moved, nil
}

// setStatus is a test hook for forcing a row into a given state.
func (m *memJobs) setStatus(id string, status model.JobStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[id]; ok {
		job.Status = status
	}
}

type sentMessage struct {
	Msg      model.QueueMessage
	Priority model.JobPriority
	Delay    time.Duration
}

type deadMessage struct {
	Msg     model.QueueMessage
	ErrText string
}

// memQueue is an in-memory core.DurableQueue capturing traffic for assertions.
type memQueue struct {
	mu      sync.Mutex
	sent    []sentMessage
	delayed []sentMessage
	dead    []deadMessage
	acked   []string
	sendErr error
}

func newMemQueue() *memQueue { return &memQueue{} }

func (q *memQueue) Send(_ context.Context, msg model.QueueMessage, priority model.JobPriority) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.sendErr != nil {
		return q.sendErr
	}
	q.sent = append(q.sent, sentMessage{Msg: msg, Priority: priority})
	return nil
}

func (q *memQueue) SendDelayed(_ context.Context, msg model.QueueMessage, priority model.JobPriority, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.delayed = append(q.delayed, sentMessage{Msg: msg, Priority: priority, Delay: delay})
	return nil
}

func (q *memQueue) Receive(_ context.Context, max int64) ([]core.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.sent) == 0 {
		return nil, model.ErrNoMessagesAvailable
	}
	n := int(max)
	if n <= 0 || n > len(q.sent) {
		n = len(q.sent)
	}
	deliveries := make([]core.Delivery, 0, n)
	for i := 0; i < n; i++ {
		deliveries = append(deliveries, core.Delivery{
			MessageID: fmt.Sprintf("mem-%d", i),
			Stream:    "mem",
			Message:   q.sent[i].Msg,
			Attempt:   1,
		})
	}
	q.sent = q.sent[n:]
	return deliveries, nil
}

func (q *memQueue) Ack(_ context.Context, d core.Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, d.MessageID)
	return nil
}

func (q *memQueue) DeadLetter(_ context.Context, msg model.QueueMessage, errText string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dead = append(q.dead, deadMessage{Msg: msg, ErrText: errText})
	return nil
}

func (q *memQueue) ReceiveDLQ(_ context.Context, max int64) ([]core.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.dead) == 0 {
		return nil, model.ErrNoMessagesAvailable
	}
	n := int(max)
	if n <= 0 || n > len(q.dead) {
		n = len(q.dead)
	}
	deliveries := make([]core.Delivery, 0, n)
	for i := 0; i < n; i++ {
		deliveries = append(deliveries, core.Delivery{
			MessageID: fmt.Sprintf("dead-%d", i),
			Stream:    "mem-dead",
			Message:   q.dead[i].Msg,
			Attempt:   1,
			ErrorText: q.dead[i].ErrText,
		})
	}
	q.dead = q.dead[n:]
	return deliveries, nil
}

func (q *memQueue) AckDLQ(ctx context.Context, d core.Delivery) error {
	return q.Ack(ctx, d)
}

func (q *memQueue) Depths(_ context.Context) (map[string]int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return map[string]int64{
		"normal":  int64(len(q.sent)),
		"delayed": int64(len(q.delayed)),
		"dead":    int64(len(q.dead)),
	}, nil
}

// memBlobs is an in-memory core.BlobStore. TTLs are ignored; the cache store
// applies its own staleness bound.
type memBlobs struct {
	mu       sync.Mutex
	payloads map[string][]byte
	metadata map[string]map[string]string
	putErr   error
}

func newMemBlobs() *memBlobs {
	return &memBlobs{
		payloads: make(map[string][]byte),
		metadata: make(map[string]map[string]string),
	}
}

func (b *memBlobs) Put(_ context.Context, key string, payload []byte, metadata map[string]string, _ time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.putErr != nil {
		return b.putErr
	}
	b.payloads[key] = append([]byte(nil), payload...)
	copied := make(map[string]string, len(metadata))
	for k, v := range metadata {
		copied[k] = v
	}
	b.metadata[key] = copied
	return nil
}

func (b *memBlobs) Get(_ context.Context, key string) ([]byte, map[string]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	payload, ok := b.payloads[key]
	if !ok {
		return nil, nil, core.ErrBlobNotFound
	}
	return append([]byte(nil), payload...), b.metadata[key], nil
}

func (b *memBlobs) Metadata(_ context.Context, key string) (map[string]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.payloads[key]; !ok {
		return nil, core.ErrBlobNotFound
	}
	return b.metadata[key], nil
}

func (b *memBlobs) Delete(_ context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.payloads[key]
	delete(b.payloads, key)
	delete(b.metadata, key)
	return ok, nil
}

func (b *memBlobs) List(_ context.Context, prefix string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var keys []string
	for key := range b.payloads {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// memAnalytics is an in-memory core.AnalyticsRepository.
type memAnalytics struct {
	mu   sync.Mutex
	rows []*model.RequestAnalytics
}

func (a *memAnalytics) Insert(_ context.Context, rec *model.RequestAnalytics) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	copied := *rec
	a.rows = append(a.rows, &copied)
	return nil
}

func (a *memAnalytics) Summary(_ context.Context, _ time.Time) (*model.AnalyticsSummary, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	summary := &model.AnalyticsSummary{ByRoute: make(map[model.RouteType]int64)}
	for _, row := range a.rows {
		summary.TotalRequests++
		if row.CacheHit {
			summary.CacheHits++
		}
		if !row.Success {
			summary.Failures++
		}
		summary.ByRoute[row.Route]++
	}
	return summary, nil
}

func (a *memAnalytics) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	kept := a.rows[:0]
	var deleted int64
	for _, row := range a.rows {
		if row.CreatedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, row)
	}
	a.rows = kept
	return deleted, nil
}

func (a *memAnalytics) last() *model.RequestAnalytics {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.rows) == 0 {
		return nil
	}
	copied := *a.rows[len(a.rows)-1]
	return &copied
}

// memRecovery is an in-memory core.RecoveryRepository.
type memRecovery struct {
	mu        sync.Mutex
	records   []*model.RecoveryRecord
	createErr error
}

func (r *memRecovery) Create(_ context.Context, params core.CreateRecoveryParams) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return false, r.createErr
	}
	for _, rec := range r.records {
		if rec.JobID == params.JobID {
			return false, nil
		}
	}
	r.records = append(r.records, &model.RecoveryRecord{
		ID:          fmt.Sprintf("rec-%d", len(r.records)+1),
		JobID:       params.JobID,
		MessageBody: params.MessageBody,
		ErrorText:   params.ErrorText,
		Category:    params.Category,
		RetryCount:  params.RetryCount,
		Status:      model.RecoveryPending,
	})
	return true, nil
}

func (r *memRecovery) Stats(_ context.Context) (*model.DLQStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := &model.DLQStats{ByCategory: make(map[model.FailureCategory]int64)}
	for _, rec := range r.records {
		switch rec.Status {
		case model.RecoveryPending:
			stats.Pending++
		case model.RecoveryRecovered:
			stats.Recovered++
		case model.RecoveryAbandoned:
			stats.Abandoned++
		}
		stats.ByCategory[rec.Category]++
	}
	return stats, nil
}

func (r *memRecovery) ListRecent(_ context.Context, limit int) ([]*model.RecoveryRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*model.RecoveryRecord, 0, len(r.records))
	for i := len(r.records) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		copied := *r.records[i]
		out = append(out, &copied)
	}
	return out, nil
}

func (r *memRecovery) UpdateStatus(_ context.Context, id string, status model.RecoveryStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.ID == id && rec.Status == model.RecoveryPending {
			rec.Status = status
			return true, nil
		}
	}
	return false, nil
}

// memNotifications is an in-memory core.NotificationRepository.
type memNotifications struct {
	mu    sync.Mutex
	notes []*model.UserNotification
}

func (n *memNotifications) Create(_ context.Context, note *model.UserNotification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	copied := *note
	n.notes = append(n.notes, &copied)
	return nil
}

func (n *memNotifications) ListForUser(_ context.Context, userID string, limit int) ([]*model.UserNotification, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*model.UserNotification
	for _, note := range n.notes {
		if note.UserID == userID {
			copied := *note
			out = append(out, &copied)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// fakeFetcher is a func-backed core.UpstreamFetcher.
type fakeFetcher struct {
	fetchAll func(ctx context.Context, req *model.TimeseriesRequest, opts core.FetchOptions) (*model.FetchResult, error)
	sites    func(ctx context.Context) ([]string, error)
	calls    int
}

func (f *fakeFetcher) FetchAll(ctx context.Context, req *model.TimeseriesRequest, opts core.FetchOptions) (*model.FetchResult, error) {
	f.calls++
	return f.fetchAll(ctx, req, opts)
}

func (f *fakeFetcher) Sites(ctx context.Context) ([]string, error) {
	if f.sites == nil {
		return nil, nil
	}
	return f.sites(ctx)
}

func singleSeriesResult(point string, samples int) *model.FetchResult {
	series := make([]model.Sample, 0, samples)
	base := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	for i := 0; i < samples; i++ {
		series = append(series, model.Sample{Time: base.Add(time.Duration(i) * time.Minute), Value: float64(i)})
	}
	return &model.FetchResult{
		Series: model.PointSeries{point: series},
		Pages:  1,
	}
}
