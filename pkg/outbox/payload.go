package outbox

import "encoding/json"

// envelope carries the three fields required on every outbox payload.
type envelope struct {
	RunID  string `json:"runId"`
	Source string `json:"source"`
	Type   string `json:"type"`
}

// poiPayload is one entry in a file-analysis-finding's pois array.
type poiPayload struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	StartLine   int    `json:"start_line"`
	EndLine     int    `json:"end_line"`
	Description string `json:"description"`
	IsExported  bool   `json:"is_exported"`
	SemanticID  string `json:"semantic_id,omitempty"`
}

type fileAnalysisPayload struct {
	envelope
	FilePath string       `json:"filePath"`
	POIs     []poiPayload `json:"pois"`
}

type directoryAnalysisPayload struct {
	envelope
	DirectoryPath string `json:"directoryPath"`
	Summary       string `json:"summary"`
}

type relationshipPayload struct {
	From       string   `json:"from"`
	To         string   `json:"to"`
	Type       string   `json:"type"`
	Reason     string   `json:"reason"`
	Confidence *float64 `json:"confidence,omitempty"`
}

type relationshipAnalysisPayload struct {
	envelope
	FilePath      string                `json:"filePath"`
	FromFile      string                `json:"fromFile,omitempty"`
	ToFile        string                `json:"toFile,omitempty"`
	Relationships []relationshipPayload `json:"relationships"`
}

type escalationPayload struct {
	envelope
	RelationshipID   int64   `json:"relationshipId"`
	Confidence       float64 `json:"confidence"`
	ConfidenceLevel  string  `json:"confidenceLevel"`
	EscalationReason string  `json:"escalationReason"`
}

func decodePayload[T any](raw []byte) (T, error) {
	var v T
	err := json.Unmarshal(raw, &v)
	return v, err
}
