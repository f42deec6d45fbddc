// Package queue implements the durable fetch-job channel on Redis Streams.
// Each priority gets its own stream with a shared consumer group; delayed
// deliveries park in a sorted set until due, and exhausted messages land on a
// dead-letter stream with their final error.
package queue

import (
	"fmt"
	"strings"
	"time"

	"github.com/buildingvitals/timeseries-api/internal/domain/model"
)

// Stream message field names.
const (
	messageField    = "message"
	enqueuedAtField = "enqueued_at"
	errorField      = "error"
	priorityField   = "priority"
)

const (
	defaultPrefix            = "tsapi"
	defaultGroup             = "fetch-workers"
	defaultBlockTimeout      = 5 * time.Second
	defaultVisibilityTimeout = 5 * time.Minute
	defaultDeadStreamMaxLen  = 10000
)

// readOrder lists priority streams highest first; XREADGROUP serves streams in
// the order given, so high-priority jobs drain before normal and low.
var readOrder = []model.JobPriority{
	model.PriorityHigh,
	model.PriorityNormal,
	model.PriorityLow,
}

// keys derives every Redis key the queue touches from a single prefix.
type keys struct {
	prefix string
}

func (k keys) jobStream(priority model.JobPriority) string {
	return fmt.Sprintf("%s:jobs:%s", k.prefix, priority)
}

func (k keys) delayed() string {
	return k.prefix + ":jobs:delayed"
}

func (k keys) dead() string {
	return k.prefix + ":jobs:dead"
}

// priorityFromStream recovers the priority from a job stream key. Returns
// normal for unrecognized keys.
func (k keys) priorityFromStream(stream string) model.JobPriority {
	suffix := strings.TrimPrefix(stream, k.prefix+":jobs:")
	switch p := model.JobPriority(suffix); p {
	case model.PriorityHigh, model.PriorityNormal, model.PriorityLow:
		return p
	}
	return model.PriorityNormal
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}
