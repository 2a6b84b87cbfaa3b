//go:build onnx

package cli

import (
	"github.com/m-mizutani/goerr/v2"
	"github.com/spf13/viper"

	"github.com/becomeliminal/nim-memory/logging"
	"github.com/becomeliminal/nim-memory/memory"
	"github.com/becomeliminal/nim-memory/memory/embedder/onnx"
)

func newEmbedder() (memory.Embedder, func(), error) {
	var cfg onnx.Config
	if err := viper.UnmarshalKey("embedder.onnx", &cfg); err != nil {
		return nil, nil, goerr.Wrap(err, "failed to decode onnx config")
	}
	e, err := onnx.New(cfg)
	if err != nil {
		return nil, nil, err
	}
	return e, func() {
		if err := e.Close(); err != nil {
			logging.Default().Warn("failed to close onnx session", "error", err)
		}
	}, nil
}
