package tracing

// Milestone represents a point in time where a task is blocked, such as a
// fault resolution waiting for frames to become available.
type Milestone struct {
	ID               string  `json:"id" shiba_data:"index"`
	TaskID           string  `json:"task_id" shiba_data:"index"`
	BlockingCategory string  `json:"blocking_category"`
	BlockingReason   string  `json:"blocking_reason"`
	BlockingLocation string  `json:"blocking_location"`
	Time             float64 `json:"time" shiba_data:"index"`
}
