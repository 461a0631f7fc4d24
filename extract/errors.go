// vidnet/extract/errors.go
package extract

import (
	"context"
	"errors"
	"strings"
)

// Kind classifies extraction and conversion failures into the small set of
// categories exposed to clients.
type Kind string

const (
	KindUnsupportedPlatform Kind = "unsupported_platform"
	KindExtractionFailed    Kind = "extraction_failed"
	KindNoAudioTrack        Kind = "no_audio_track"
	KindConversionFailed    Kind = "conversion_failed"
	KindQualityUnavailable  Kind = "quality_unavailable"
	KindTimeout             Kind = "timeout"
	KindRateLimited         Kind = "rate_limited"
	KindInternal            Kind = "internal_error"
)

// Error carries a classified failure with a user-facing message and an
// actionable suggestion. Raw tool output never reaches clients.
type Error struct {
	Kind       Kind
	Message    string
	Suggestion string
	cause      error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

func newError(kind Kind, message, suggestion string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Suggestion: suggestion, cause: cause}
}

// AsError extracts a classified *Error from err, wrapping unclassified
// errors as internal.
func AsError(err error) *Error {
	var ee *Error
	if errors.As(err, &ee) {
		return ee
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(KindTimeout, "The request took too long to process",
			"Please try again; shorter videos process faster", err)
	}
	return newError(KindInternal, "Something went wrong while processing the request",
		"Please try again or contact support if the problem persists", err)
}

// Classify maps yt-dlp/ffmpeg output onto the error taxonomy. The matching
// is substring-based over stderr, the same signals the tools print for
// their common failure modes.
func Classify(output string, cause error) *Error {
	if errors.Is(cause, context.DeadlineExceeded) {
		return newError(KindTimeout, "Processing timed out",
			"Please try again; shorter videos process faster", cause)
	}

	msg := strings.ToLower(output)
	switch {
	case strings.Contains(msg, "unsupported url"):
		return newError(KindUnsupportedPlatform, "This website isn't supported",
			"Try a URL from YouTube, TikTok, Instagram, Facebook, Twitter, Reddit, or Vimeo", cause)
	case strings.Contains(msg, "video unavailable"),
		strings.Contains(msg, "private video"),
		strings.Contains(msg, "this content is private"),
		strings.Contains(msg, "has been removed"),
		strings.Contains(msg, "http error 404"),
		strings.Contains(msg, "404 not found"):
		return newError(KindExtractionFailed, "This video is unavailable, private, or has been removed",
			"Check that the video exists and is publicly accessible", cause)
	case strings.Contains(msg, "sign in to confirm"),
		strings.Contains(msg, "age-restricted"),
		strings.Contains(msg, "age restricted"):
		return newError(KindExtractionFailed, "This video is restricted and cannot be downloaded",
			"Try a different video", cause)
	case strings.Contains(msg, "requested format not available"),
		strings.Contains(msg, "no video formats"):
		return newError(KindQualityUnavailable, "The requested quality is not available for this video",
			"Try selecting a different quality option", cause)
	case strings.Contains(msg, "no audio"),
		strings.Contains(msg, "does not contain any stream"):
		return newError(KindNoAudioTrack, "This video has no audio track to extract",
			"Audio extraction only works on videos with sound", cause)
	case strings.Contains(msg, "http error 429"),
		strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "rate-limit"),
		strings.Contains(msg, "rate limit"):
		return newError(KindRateLimited, "The source platform is rate limiting downloads",
			"Please wait a moment before trying again", cause)
	case strings.Contains(msg, "timed out"),
		strings.Contains(msg, "timeout"):
		return newError(KindTimeout, "The connection to the source timed out",
			"Please try again", cause)
	case strings.Contains(msg, "ffmpeg"):
		return newError(KindConversionFailed, "Audio conversion failed",
			"Please try again or pick a different quality", cause)
	}
	return newError(KindExtractionFailed, "Could not fetch video data",
		"Please check the URL and try again", cause)
}
