package job

import "encoding/json"

// Message types exchanged on the tap websocket.
const (
	MessageTypeJob       = "job"
	MessageTypeSubscribe = "subscribe"
)

// TapMessage is the tap view of a job that was accepted by the queue.
// Payload holds the event document when it is valid JSON and a JSON string
// otherwise, trimmed when large.
type TapMessage struct {
	Type        string          `json:"type"`
	Queue       string          `json:"queue"`
	JobType     string          `json:"job_type"`
	UUID        string          `json:"uuid"`
	GithubGUID  *string         `json:"github_guid"`
	GithubEvent string          `json:"github_event"`
	Truncated   bool            `json:"truncated,omitempty"`
	Payload     json.RawMessage `json:"payload"`
}

// SubscribeMessage narrows a tap connection to the listed event types. An
// empty list subscribes to everything.
type SubscribeMessage struct {
	Type   string   `json:"type"`
	Events []string `json:"events,omitempty"`
}
