package resolver

import "encoding/json"

// outboxRelationship and relationshipFinding mirror pkg/outbox's
// relationshipPayload/relationshipAnalysisPayload wire format exactly: C8
// is an outbox producer like any analysis worker, not a privileged writer,
// so it owes the publisher the same JSON shape every other producer does.
type outboxRelationship struct {
	From       string   `json:"from"`
	To         string   `json:"to"`
	Type       string   `json:"type"`
	Reason     string   `json:"reason"`
	Confidence *float64 `json:"confidence,omitempty"`
}

type relationshipFinding struct {
	RunID         string               `json:"runId"`
	Source        string               `json:"source"`
	Type          string               `json:"type"`
	FilePath      string               `json:"filePath"`
	Relationships []outboxRelationship `json:"relationships"`
}

func encodeRelationshipFinding(runID, filePath string, rels []outboxRelationship) ([]byte, error) {
	finding := relationshipFinding{
		RunID:         runID,
		Source:        "relationship-resolution-worker",
		Type:          "relationship-analysis-finding",
		FilePath:      filePath,
		Relationships: rels,
	}
	return json.Marshal(finding)
}
