package taskqueue

import (
	"encoding/json"
	"fmt"
)

// EncodeJob JSON-encodes a Job.
func EncodeJob(j Job) ([]byte, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("encode job %s: %w", j.ID, err)
	}
	return data, nil
}

// DecodeJob JSON-decodes a Job. Kwargs values come back in their JSON
// shapes (numbers as float64, objects as map[string]any).
func DecodeJob(data []byte) (*Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &j, nil
}
