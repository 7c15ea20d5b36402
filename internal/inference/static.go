package inference

import (
	"context"
	"strings"
)

// StaticBackend produces deterministic completions without any external
// service. It keeps the pipeline fully functional offline; strategy text
// built from it is a plain restatement of the prompt's first lines.
type StaticBackend struct{}

// NewStaticBackend creates the offline backend.
func NewStaticBackend() *StaticBackend {
	return &StaticBackend{}
}

const staticExcerptLen = 240

// Generate returns a canned completion derived from the prompt. Unit
// counts approximate tokens at four characters each so ledger math stays
// meaningful in offline runs.
func (b *StaticBackend) Generate(_ context.Context, req Request) (Response, error) {
	excerpt := strings.TrimSpace(req.Prompt)
	if idx := strings.IndexByte(excerpt, '\n'); idx > 0 {
		excerpt = excerpt[:idx]
	}
	if len(excerpt) > staticExcerptLen {
		excerpt = excerpt[:staticExcerptLen]
	}
	text := "Plan: " + excerpt
	return Response{
		Text:        text,
		InputUnits:  int64(len(req.Prompt) / 4),
		OutputUnits: int64(len(text) / 4),
	}, nil
}

// Name returns the backend name.
func (b *StaticBackend) Name() string {
	return "static"
}
