package service

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/ignatij/commissioner/pkg/models"
)

// TimeLimitKey is the details field that overrides the time limit of a single
// task, in minutes.
const TimeLimitKey = "timeLimitMins"

// TimeLimitPolicy decides how long a batch member may run before it is
// classified as failed. Zero means no limit.
type TimeLimitPolicy struct {
	Limits map[models.TaskType]time.Duration
}

func (p TimeLimitPolicy) TimeLimit(taskType models.TaskType, details json.RawMessage) time.Duration {
	if len(details) > 0 {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(details, &fields); err == nil {
			if mins, ok := parseMinutes(fields[TimeLimitKey]); ok && mins > 0 {
				return time.Duration(mins * float64(time.Minute))
			}
		}
	}
	return p.Limits[taskType]
}

// parseMinutes accepts both 5 and "5".
func parseMinutes(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
