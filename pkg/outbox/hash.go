package outbox

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// relationshipHash derives the key the evidence tracker (§4.4) uses to
// correlate expected/actual corroboration counts for the same logical
// relationship across multiple findings.
func relationshipHash(runID, from, to, relType string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%s", runID, from, to, relType)))
	return hex.EncodeToString(sum[:])
}

// poiHash derives a POI's digest from (file_path, name, type, start_line),
// matching the data model's `hash = digest(file_path, name, type,
// start_line)` definition. Used both for the POI's own unique hash and, as
// a deterministic stand-in, for its semantic_id when the finding didn't
// supply one — the same recipe both times rather than two different ones.
func poiHash(filePath, name, poiType string, startLine int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%d", filePath, name, poiType, startLine)))
	return hex.EncodeToString(sum[:])
}
