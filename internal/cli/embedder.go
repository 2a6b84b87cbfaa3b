//go:build !onnx

package cli

import (
	"github.com/becomeliminal/nim-memory/logging"
	"github.com/becomeliminal/nim-memory/memory"
	"github.com/becomeliminal/nim-memory/memory/embedder/mock"
)

// newEmbedder returns the hashing embedder. Build with -tags onnx for the
// local MiniLM model.
func newEmbedder() (memory.Embedder, func(), error) {
	logging.Default().Debug("using mock embedder, build with -tags onnx for semantic embeddings")
	return mock.New(), func() {}, nil
}
