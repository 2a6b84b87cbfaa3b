//go:build onnx

// Package onnx embeds text locally with a MiniLM style sentence model on
// ONNX Runtime. Build with -tags onnx.
package onnx

import (
	"context"
	"log/slog"
	"math"
	"sync"

	"github.com/m-mizutani/goerr/v2"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/becomeliminal/nim-memory/logging"
	"github.com/becomeliminal/nim-memory/memory"
)

// Config configures the ONNX embedder.
type Config struct {
	// ModelPath is the path to the ONNX model file.
	ModelPath string `yaml:"model_path" mapstructure:"model_path"`

	// TokenizerPath is the path to the tokenizer.json file.
	TokenizerPath string `yaml:"tokenizer_path" mapstructure:"tokenizer_path"`

	// LibraryPath is the onnxruntime shared library. Empty uses the
	// platform default search.
	LibraryPath string `yaml:"library_path" mapstructure:"library_path"`

	// Dimensions is the embedding size (default: 384 for all-MiniLM-L6-v2).
	Dimensions int `yaml:"dimensions" mapstructure:"dimensions"`

	// MaxTokens is the sequence length fed to the model (default: 128).
	MaxTokens int `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// Embedder generates embeddings using ONNX Runtime.
type Embedder struct {
	session    *ort.DynamicAdvancedSession
	tokenizer  *tokenizer
	dimensions int
	maxTokens  int
	log        *slog.Logger
}

var _ memory.Embedder = (*Embedder)(nil)

var initOnce struct {
	sync.Once
	err error
}

// New loads the model and tokenizer.
func New(cfg Config) (*Embedder, error) {
	if cfg.ModelPath == "" {
		return nil, goerr.New("onnx model path is required")
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = 384
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 128
	}
	log := logging.Component("onnx")

	initOnce.Do(func() {
		if cfg.LibraryPath != "" {
			ort.SetSharedLibraryPath(cfg.LibraryPath)
		}
		initOnce.err = ort.InitializeEnvironment()
	})
	if initOnce.err != nil {
		return nil, goerr.Wrap(initOnce.err, "failed to initialize onnx runtime", goerr.V("library", cfg.LibraryPath))
	}

	tok, err := loadTokenizer(cfg.TokenizerPath)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to load tokenizer", goerr.V("path", cfg.TokenizerPath))
	}

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"last_hidden_state"},
		nil,
	)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create onnx session", goerr.V("model", cfg.ModelPath))
	}
	log.Info("onnx embedder ready", "model", cfg.ModelPath, "dimensions", cfg.Dimensions)

	return &Embedder{
		session:    session,
		tokenizer:  tok,
		dimensions: cfg.Dimensions,
		maxTokens:  cfg.MaxTokens,
		log:        log,
	}, nil
}

// Embed runs the model and mean-pools the attended token states.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	n := e.maxTokens
	ids := make([]int64, n)
	mask := make([]int64, n)
	types := make([]int64, n)

	tokens := e.tokenizer.encode(text)
	if len(tokens) > n-2 {
		tokens = tokens[:n-2]
	}
	ids[0], mask[0] = int64(e.tokenizer.cls), 1
	for i, t := range tokens {
		ids[i+1], mask[i+1] = t, 1
	}
	ids[len(tokens)+1], mask[len(tokens)+1] = int64(e.tokenizer.sep), 1

	shape := ort.NewShape(1, int64(n))
	var inputs []ort.Value
	for _, data := range [][]int64{ids, mask, types} {
		t, err := ort.NewTensor(shape, data)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to create input tensor")
		}
		defer t.Destroy()
		inputs = append(inputs, t)
	}

	outputs := []ort.Value{nil}
	if err := e.session.Run(inputs, outputs); err != nil {
		return nil, goerr.Wrap(err, "onnx inference failed")
	}
	defer func() {
		for _, o := range outputs {
			if o != nil {
				o.Destroy()
			}
		}
	}()

	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, goerr.New("unexpected onnx output type")
	}
	data, dims := out.GetData(), out.GetShape()
	e.log.Debug("onnx inference", "shape", dims, "tokens", len(tokens))

	vec := make([]float32, e.dimensions)
	switch len(dims) {
	case 2:
		if len(data) < e.dimensions {
			return nil, goerr.New("pooled output too small", goerr.V("got", len(data)), goerr.V("want", e.dimensions))
		}
		copy(vec, data[:e.dimensions])

	case 3:
		if dims[0] != 1 || dims[2] != int64(e.dimensions) {
			return nil, goerr.New("unexpected onnx output shape", goerr.V("shape", dims))
		}
		var attended float32
		for i := 0; i < int(dims[1]) && i < n; i++ {
			if mask[i] == 0 {
				continue
			}
			attended++
			row := data[i*e.dimensions : (i+1)*e.dimensions]
			for j, v := range row {
				vec[j] += v
			}
		}
		for j := range vec {
			vec[j] /= attended
		}

	default:
		return nil, goerr.New("unexpected onnx output shape", goerr.V("shape", dims))
	}

	return normalize(vec), nil
}

// Dimensions returns the embedding vector size.
func (e *Embedder) Dimensions() int {
	return e.dimensions
}

// Close releases the session.
func (e *Embedder) Close() error {
	if e.session == nil {
		return nil
	}
	return e.session.Destroy()
}

func normalize(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	n := float32(math.Sqrt(norm))
	for i := range vec {
		vec[i] /= n
	}
	return vec
}
