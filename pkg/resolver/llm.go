// Package resolver implements the confidence/escalation orchestration half
// of the Relationship Resolution Worker (C8). The worker's own code
// extraction and prompt-construction behavior beyond the confidence loop
// below is out of scope; this package assumes an already-chunked batch of
// candidate POI names per job, asks the LLM for relationships among them,
// and drives those through scoring, enhancement, and outbox emission.
package resolver

import "context"

// LLMCaller is the narrow transport contract this package depends on. No
// concrete SDK is wired in: the transport is out of scope, and nothing in
// the retrieved example pack actually imports an LLM client library (only
// declares one in a go.mod that is otherwise unused), so wiring one here
// would be fabricating a dependency rather than grounding one.
type LLMCaller interface {
	Query(ctx context.Context, prompt string) (string, error)
}
