// Package apperr defines the error classes shared across pdfchat components.
// Callers wrap one of these sentinels with context and classify with errors.Is.
package apperr

import "errors"

var (
	// ErrValidation marks bad or missing input. Surfaced to clients as 4xx.
	ErrValidation = errors.New("validation error")

	// ErrParse marks a document that could not be decoded or chunked.
	ErrParse = errors.New("parse error")

	// ErrIndexWrite marks chunks that could not be persisted to an index.
	ErrIndexWrite = errors.New("index write error")

	// ErrRetrieval marks a similarity search that could not be served.
	ErrRetrieval = errors.New("retrieval error")

	// ErrGeneration marks a language model call that failed.
	ErrGeneration = errors.New("generation error")

	// ErrConfig marks a required external dependency that is not configured.
	ErrConfig = errors.New("config error")
)

// Kind returns a short machine-readable name for the class of err, or
// "internal" when err does not wrap any known class.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrParse):
		return "parse"
	case errors.Is(err, ErrIndexWrite):
		return "index_write"
	case errors.Is(err, ErrRetrieval):
		return "retrieval"
	case errors.Is(err, ErrGeneration):
		return "generation"
	case errors.Is(err, ErrConfig):
		return "config"
	default:
		return "internal"
	}
}
