//go:build onnx

package onnx

import (
	"encoding/json"
	"os"
	"strings"
	"unicode"
)

// tokenizer is a BERT WordPiece tokenizer driven by a HuggingFace
// tokenizer.json vocabulary.
type tokenizer struct {
	vocab map[string]int
	cls   int
	sep   int
	unk   int
}

func loadTokenizer(path string) (*tokenizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc struct {
		Model struct {
			Vocab map[string]int `json:"vocab"`
		} `json:"model"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	t := &tokenizer{vocab: doc.Model.Vocab, cls: 101, sep: 102, unk: 100}
	for name, dst := range map[string]*int{"[CLS]": &t.cls, "[SEP]": &t.sep, "[UNK]": &t.unk} {
		if id, ok := t.vocab[name]; ok {
			*dst = id
		}
	}
	return t, nil
}

// encode lowercases, splits on whitespace and punctuation, and emits the
// longest-prefix WordPiece ids. CJK characters are split one per token.
func (t *tokenizer) encode(text string) []int64 {
	var out []int64
	for _, word := range t.split(strings.ToLower(text)) {
		if id, ok := t.vocab[word]; ok {
			out = append(out, int64(id))
			continue
		}
		out = append(out, t.wordPiece(word)...)
	}
	return out
}

func (t *tokenizer) split(text string) []string {
	var words []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			words = append(words, cur.String())
			cur.Reset()
		}
	}
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			flush()
		case unicode.IsPunct(r) || unicode.Is(unicode.Han, r):
			flush()
			words = append(words, string(r))
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return words
}

func (t *tokenizer) wordPiece(word string) []int64 {
	var out []int64
	runes := []rune(word)
	for start := 0; start < len(runes); {
		end := len(runes)
		matched := false
		for ; end > start; end-- {
			piece := string(runes[start:end])
			if start > 0 {
				piece = "##" + piece
			}
			if id, ok := t.vocab[piece]; ok {
				out = append(out, int64(id))
				matched = true
				break
			}
		}
		if !matched {
			out = append(out, int64(t.unk))
			start++
			continue
		}
		start = end
	}
	return out
}
