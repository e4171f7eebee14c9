package briefing

import (
	"context"
)

// Input is the payload for one summarization request.
type Input struct {
	// Text is the plain text to summarize.
	Text string
}

// Summarizer turns article text into briefing prose. The implementation is an
// external collaborator; the sync engine never depends on it.
type Summarizer interface {
	Summarize(ctx context.Context, input Input) (string, error)
}
