package ai

import "context"

// TextGenerator generates a complete reply from a system prompt and user
// prompt.
type TextGenerator interface {
	GenerateText(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// StreamGenerator produces a reply incrementally. onDelta is called for each
// chunk as it arrives; the full text is returned once the stream ends.
type StreamGenerator interface {
	TextGenerator
	StreamText(ctx context.Context, systemPrompt, userPrompt string, onDelta func(string)) (string, error)
}
