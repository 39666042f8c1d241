package provider

import (
	"errors"
	"strings"
)

var (
	// ErrInvalidModel means the requested model alias has no registered backend version.
	ErrInvalidModel = errors.New("invalid model selection")

	// ErrProviderTimeout means a single outbound call exceeded its deadline.
	ErrProviderTimeout = errors.New("provider request timed out")

	// ErrGenerationFailed carries the provider's own error text for a failed or
	// canceled prediction.
	ErrGenerationFailed = errors.New("generation failed")

	// ErrGenerationTimeout means the poll attempt budget ran out before the
	// prediction reached a terminal status.
	ErrGenerationTimeout = errors.New("generation timed out")

	// ErrUnrecognizedResponse means no extraction strategy matched the output payload.
	ErrUnrecognizedResponse = errors.New("unrecognized provider response format")
)

var nsfwKeywords = []string{"nsfw", "safety checker", "sensitive content", "flagged"}

// UserMessage maps an error to a single message safe to show verbatim.
// Categories are matched against the error text; anything unmatched gets the
// generic fallback so internal details never leak to users.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	text := strings.ToLower(err.Error())

	for _, kw := range nsfwKeywords {
		if strings.Contains(text, kw) {
			return "The prompt was rejected because it may produce sensitive content. Please adjust your prompt and try again."
		}
	}
	switch {
	case strings.Contains(text, "prompt"):
		return "There is a problem with your prompt. Please shorten or adjust it and try again."
	case errors.Is(err, ErrInvalidModel):
		return "The selected model is not available. Please pick another model."
	case errors.Is(err, ErrGenerationTimeout) || errors.Is(err, ErrProviderTimeout) || strings.Contains(text, "timed out") || strings.Contains(text, "timeout"):
		return "Image generation is taking too long. Please try again in a moment."
	case strings.Contains(text, "unauthorized") || strings.Contains(text, "authentication") || strings.Contains(text, "api token") || strings.Contains(text, "401"):
		return "The image service is temporarily unavailable. Please try again later."
	case errors.Is(err, ErrGenerationFailed) || strings.Contains(text, "generation"):
		return "Image generation failed. Please try again with a different prompt."
	}
	return "Something went wrong while creating your image. Please try again."
}
