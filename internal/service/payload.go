package service

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/buildingvitals/timeseries-api/internal/domain/model"
)

// TimeseriesPayload is the serialized form of a completed fetch. The same
// bytes are returned to synchronous callers and stored in the cache, so a
// cache hit is indistinguishable from a fresh fetch.
type TimeseriesPayload struct {
	Site         string            `json:"site"`
	StartTime    time.Time         `json:"startTime"`
	EndTime      time.Time         `json:"endTime"`
	Series       model.PointSeries `json:"series"`
	SamplesCount int64             `json:"samplesCount"`
	Truncated    bool              `json:"truncated,omitempty"`
}

func newTimeseriesPayload(req *model.TimeseriesRequest, result *model.FetchResult) TimeseriesPayload {
	return TimeseriesPayload{
		Site:         req.Site,
		StartTime:    req.StartTime.UTC(),
		EndTime:      req.EndTime.UTC(),
		Series:       result.Series,
		SamplesCount: result.Series.TotalSamples(),
		Truncated:    result.Truncated,
	}
}

// Encode renders the payload as the canonical JSON body.
func (p TimeseriesPayload) Encode() ([]byte, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode timeseries payload: %w", err)
	}
	return body, nil
}
