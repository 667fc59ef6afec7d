package job

import "encoding/json"

// Job types on the sync queue. Build jobs carry the event type instead.
const (
	TypeInstall   = "install"
	TypeReposSync = "repos-sync"
)

// DispatchJob is the envelope enqueued for the worker fleets. Payload is the
// raw, undecoded event document so consumers parse it themselves.
type DispatchJob struct {
	Type        string  `json:"type"`
	Payload     string  `json:"payload"`
	UUID        string  `json:"uuid"`
	GithubGUID  *string `json:"github_guid"`
	GithubEvent string  `json:"github_event"`
}

// Encode returns the wire form of the job.
func (j DispatchJob) Encode() ([]byte, error) {
	return json.Marshal(j)
}

// Target selects one of the two work queues.
type Target string

const (
	TargetBuild Target = "build"
	TargetSync  Target = "sync"
)

// Queues maps targets to configured queue names.
type Queues struct {
	Build string
	Sync  string
}

// Name returns the queue name for t, or "" for an unknown target.
func (q Queues) Name(t Target) string {
	switch t {
	case TargetBuild:
		return q.Build
	case TargetSync:
		return q.Sync
	default:
		return ""
	}
}
