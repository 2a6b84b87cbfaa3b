package claude_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-memory/memory"
	"github.com/becomeliminal/nim-memory/memory/judge/claude"
)

func newJudge(t *testing.T, handler http.HandlerFunc) *claude.Judge {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := anthropic.NewClient(
		option.WithBaseURL(srv.URL+"/"),
		option.WithAPIKey("test-key"),
		option.WithMaxRetries(0),
	)
	return claude.New(&client, claude.Config{Model: "claude-test", MaxTokens: 256})
}

func TestProposeReturnsText(t *testing.T) {
	var got map[string]any
	j := newJudge(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"id": "msg_1", "type": "message", "role": "assistant", "model": "claude-test",
			"content": [
				{"type": "text", "text": "[ADD]主人喜欢拉面[/ADD]\n"},
				{"type": "text", "text": "[BOOST:mem_1]"}
			],
			"stop_reason": "end_turn", "stop_sequence": null,
			"usage": {"input_tokens": 12, "output_tokens": 8}
		}`)
	})

	out, err := j.Propose(context.Background(), memory.Prompt{System: "sys", User: "turn"})
	require.NoError(t, err)
	assert.Equal(t, "[ADD]主人喜欢拉面[/ADD]\n[BOOST:mem_1]", out)

	assert.Equal(t, "claude-test", got["model"])
	assert.EqualValues(t, 256, got["max_tokens"])
	system, ok := got["system"].([]any)
	require.True(t, ok)
	assert.Equal(t, "sys", system[0].(map[string]any)["text"])
}

func TestProposeAPIError(t *testing.T) {
	j := newJudge(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, `{"type":"error","error":{"type":"api_error","message":"boom"}}`)
	})

	_, err := j.Propose(context.Background(), memory.Prompt{User: "turn"})
	require.Error(t, err)
}

func TestProposeEmptyResponse(t *testing.T) {
	j := newJudge(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"id": "msg_2", "type": "message", "role": "assistant", "model": "claude-test",
			"content": [], "stop_reason": "max_tokens", "stop_sequence": null,
			"usage": {"input_tokens": 1, "output_tokens": 0}
		}`)
	})

	_, err := j.Propose(context.Background(), memory.Prompt{User: "turn"})
	require.Error(t, err)
}
