package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobPriorityUnmarshalText(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		want    JobPriority
		wantErr bool
	}{
		{name: "low", text: "low", want: PriorityLow},
		{name: "mixed case with spaces", text: " High ", want: PriorityHigh},
		{name: "empty defaults to normal", text: "", want: PriorityNormal},
		{name: "unknown level", text: "urgent", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p JobPriority
			err := p.UnmarshalText([]byte(tt.text))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, p)
		})
	}
}

func TestFetchJobZeroPriorityRoundTrips(t *testing.T) {
	body, err := json.Marshal(&FetchJob{ID: "job-1", Status: JobStatusQueued})
	require.NoError(t, err)

	var decoded FetchJob
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, PriorityNormal, decoded.Priority)
}

func TestValidTransition(t *testing.T) {
	allowed := []struct{ from, to JobStatus }{
		{JobStatusQueued, JobStatusProcessing},
		{JobStatusQueued, JobStatusCancelled},
		{JobStatusProcessing, JobStatusCompleted},
		{JobStatusProcessing, JobStatusRetrying},
		{JobStatusProcessing, JobStatusFailed},
		{JobStatusRetrying, JobStatusProcessing},
		{JobStatusRetrying, JobStatusCancelled},
	}
	for _, tr := range allowed {
		assert.True(t, ValidTransition(tr.from, tr.to), "%s -> %s", tr.from, tr.to)
	}

	denied := []struct{ from, to JobStatus }{
		{JobStatusQueued, JobStatusCompleted},
		{JobStatusQueued, JobStatusRetrying},
		{JobStatusProcessing, JobStatusProcessing},
		{JobStatusCompleted, JobStatusProcessing},
		{JobStatusFailed, JobStatusProcessing},
		{JobStatusCancelled, JobStatusProcessing},
	}
	for _, tr := range denied {
		assert.False(t, ValidTransition(tr.from, tr.to), "%s -> %s", tr.from, tr.to)
	}
}
