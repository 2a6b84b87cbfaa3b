package memory

import (
	"fmt"

	"github.com/m-mizutani/goerr/v2"
)

// Error kinds. Match them with errors.Is.
var (
	// ErrValidation reports bad input to a store operation.
	ErrValidation = goerr.New("invalid memory record")

	// ErrNotFound reports a missing record id.
	ErrNotFound = goerr.New("memory record not found")

	// ErrEmbedding reports a failure of the embedding service.
	ErrEmbedding = goerr.New("embedding service failed")

	// ErrJudge reports a failure of the judge service.
	ErrJudge = goerr.New("judge service failed")

	// ErrParse reports a malformed operation tag in judge output.
	ErrParse = goerr.New("malformed operation tag")

	// ErrClosed reports use of a closed manager or store.
	ErrClosed = goerr.New("memory closed")
)

// NotFound returns an ErrNotFound carrying the id.
func NotFound(id string) error {
	return goerr.Wrap(ErrNotFound, "lookup by id", goerr.V("id", id))
}

// invalid returns an ErrValidation with a reason.
func invalid(reason string, opts ...goerr.Option) error {
	return goerr.Wrap(ErrValidation, reason, opts...)
}

// classify marks cause as an instance of kind while keeping cause visible
// to errors.Is and errors.As.
func classify(kind, cause error, msg string, opts ...goerr.Option) error {
	return goerr.Wrap(fmt.Errorf("%w: %w", kind, cause), msg, opts...)
}

// ParseError describes a single operation tag dropped from judge output.
type ParseError struct {
	// Offset is the byte offset of the tag in the response.
	Offset int
	// Tag is the raw tag text, brackets included.
	Tag    string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed tag %q at offset %d: %s", e.Tag, e.Offset, e.Reason)
}

func (e *ParseError) Unwrap() error { return ErrParse }

func withID(id string) goerr.Option { return goerr.V("id", id) }

func withTier(t Tier) goerr.Option { return goerr.V("tier", string(t)) }
