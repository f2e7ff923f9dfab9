package resolver

import "encoding/json"

// jobPayload is the payload a relationship-resolution queue job (C3's
// QueueRelationshipResolution) carries: one candidate file, scoped to the
// run it belongs to, and the already-extracted POI names the LLM should
// reason over. The outbox publisher (pkg/outbox) enqueues these jobs when
// it handles a file-analysis finding, at most five names per job; this
// package only consumes them.
type jobPayload struct {
	RunID      string   `json:"runId"`
	FilePath   string   `json:"filePath"`
	Candidates []string `json:"candidates"`
}

func decodeJobPayload(raw []byte, out *jobPayload) error {
	return json.Unmarshal(raw, out)
}
