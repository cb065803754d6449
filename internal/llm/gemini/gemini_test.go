package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jkaninda/devbot/internal/llm"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func serve(t *testing.T, handler func(req generateRequest) generateResponse) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(handler(req))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSendMessage_TextResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-goog-api-key") != "test-key" {
			t.Errorf("expected x-goog-api-key test-key, got %q", r.Header.Get("x-goog-api-key"))
		}
		if r.URL.Path != "/v1beta/models/gemini-2.0-flash-001:generateContent" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}

		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		if req.SystemInstruction == nil || req.SystemInstruction.Parts[0].Text != "You are a coding agent." {
			t.Errorf("system instruction = %+v", req.SystemInstruction)
		}
		if len(req.Contents) != 1 || req.Contents[0].Role != "user" {
			t.Errorf("contents = %+v", req.Contents)
		}

		resp := generateResponse{
			Candidates: []candidate{{
				Content:      content{Role: "model", Parts: []part{{Text: "All tests pass."}}},
				FinishReason: "STOP",
			}},
			UsageMetadata: &usageMetadata{PromptTokenCount: 10, CandidatesTokenCount: 5},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	client := NewClient("test-key", "gemini-2.0-flash-001", discardLogger(), WithBaseURL(srv.URL+"/"))
	resp, err := client.SendMessage(context.Background(), &llm.Request{
		SystemPrompt: "You are a coding agent.",
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: "fix the calculator"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "All tests pass." {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.StopReason != llm.StopEndTurn || resp.HasToolUse() {
		t.Errorf("stop reason = %q", resp.StopReason)
	}
	if resp.Usage.InputTokens != 10 || resp.Usage.OutputTokens != 5 {
		t.Errorf("unexpected usage: %+v", resp.Usage)
	}
}

func TestSendMessage_FunctionCalls(t *testing.T) {
	srv := serve(t, func(req generateRequest) generateResponse {
		if len(req.Tools) != 1 || len(req.Tools[0].FunctionDeclarations) != 2 {
			t.Errorf("tools = %+v", req.Tools)
		}
		return generateResponse{
			Candidates: []candidate{{
				Content: content{Role: "model", Parts: []part{
					{Text: "Let me look around."},
					{FunctionCall: &functionCall{Name: "list", Args: map[string]any{"directory": "."}}},
					{FunctionCall: &functionCall{Name: "read", Args: map[string]any{"file_path": "main.py"}}},
				}},
				FinishReason: "STOP",
			}},
		}
	})

	client := NewClient("k", "m", discardLogger(), WithBaseURL(srv.URL))
	resp, err := client.SendMessage(context.Background(), &llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "look"}},
		Tools: []llm.ToolDefinition{
			{Name: "list", InputSchema: map[string]any{"type": "object"}},
			{Name: "read", InputSchema: map[string]any{"type": "object"}},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StopReason != llm.StopToolUse || !resp.HasToolUse() {
		t.Errorf("stop reason = %q", resp.StopReason)
	}
	blocks := resp.ToolUseBlocks()
	if len(blocks) != 2 || blocks[0].Name != "list" || blocks[1].Name != "read" {
		t.Fatalf("tool blocks = %+v", blocks)
	}
	if blocks[0].ID == "" || blocks[0].ID == blocks[1].ID {
		t.Errorf("tool IDs must be unique: %q %q", blocks[0].ID, blocks[1].ID)
	}
	if !strings.HasPrefix(blocks[0].ID, "call-") {
		t.Errorf("ID = %q", blocks[0].ID)
	}
	if resp.Content != "Let me look around." {
		t.Errorf("content = %q", resp.Content)
	}
}

func TestSendMessage_FunctionResultRoundTrip(t *testing.T) {
	var captured generateRequest
	srv := serve(t, func(req generateRequest) generateResponse {
		captured = req
		return generateResponse{Candidates: []candidate{{
			Content:      content{Role: "model", Parts: []part{{Text: "Done."}}},
			FinishReason: "STOP",
		}}}
	})

	client := NewClient("k", "m", discardLogger(), WithBaseURL(srv.URL))
	_, err := client.SendMessage(context.Background(), &llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "read main.py"},
			{Role: llm.RoleAssistant, ContentBlocks: []llm.ContentBlock{
				llm.ToolUseBlock("call-1", "read", map[string]any{"file_path": "main.py"}),
			}},
			{Role: llm.RoleUser, ContentBlocks: []llm.ContentBlock{
				llm.ToolResultBlock("call-1", `{"status":"ok","kind":"read"}`, false),
			}},
			{Role: llm.RoleAssistant, ContentBlocks: []llm.ContentBlock{
				llm.ToolUseBlock("call-2", "run", map[string]any{"file_path": "main.py"}),
			}},
			{Role: llm.RoleUser, ContentBlocks: []llm.ContentBlock{
				llm.ToolResultBlock("call-2", "plain text", true),
			}},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(captured.Contents) != 5 {
		t.Fatalf("expected 5 contents, got %d", len(captured.Contents))
	}

	model := captured.Contents[1]
	if model.Role != "model" || model.Parts[0].FunctionCall == nil || model.Parts[0].FunctionCall.Name != "read" {
		t.Errorf("model content = %+v", model)
	}

	first := captured.Contents[2].Parts[0].FunctionResponse
	if first == nil || first.Name != "read" {
		t.Fatalf("first function response = %+v", first)
	}
	structured, ok := first.Response["result"].(map[string]any)
	if !ok || structured["status"] != "ok" {
		t.Errorf("JSON result should be sent structured, got %#v", first.Response["result"])
	}

	second := captured.Contents[4].Parts[0].FunctionResponse
	if second == nil || second.Name != "run" || second.Response["result"] != "plain text" {
		t.Errorf("second function response = %+v", second)
	}
}

func TestSendMessage_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":{"message":"API key invalid"}}`))
	}))
	defer srv.Close()

	client := NewClient("bad-key", "m", discardLogger(), WithBaseURL(srv.URL))
	_, err := client.SendMessage(context.Background(), &llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "Hi"}},
	})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusForbidden || !strings.Contains(apiErr.Body, "API key invalid") {
		t.Errorf("apiErr = %+v", apiErr)
	}
}

func TestSendMessage_APIErrorBodyIsBounded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(strings.Repeat("x", 3*maxErrorBody)))
	}))
	defer srv.Close()

	client := NewClient("k", "m", discardLogger(), WithBaseURL(srv.URL))
	_, err := client.SendMessage(context.Background(), &llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "Hi"}},
	})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if len(apiErr.Body) != maxErrorBody {
		t.Errorf("body length = %d, want %d", len(apiErr.Body), maxErrorBody)
	}
}

func TestEncodeRequest(t *testing.T) {
	req := encodeRequest(&llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "go"},
			{Role: llm.RoleAssistant, ContentBlocks: []llm.ContentBlock{llm.TextBlock("")}},
		},
	})
	if req.GenerationConfig.MaxOutputTokens != defaultMaxTokens {
		t.Errorf("max tokens = %d, want default %d", req.GenerationConfig.MaxOutputTokens, defaultMaxTokens)
	}
	if req.SystemInstruction != nil || req.Tools != nil {
		t.Errorf("optional fields should be omitted: %+v", req)
	}
	if len(req.Contents) != 2 || req.Contents[1].Role != "model" || len(req.Contents[1].Parts) != 1 {
		t.Errorf("contents = %+v", req.Contents)
	}
}

func TestSendMessage_NoCandidates(t *testing.T) {
	srv := serve(t, func(generateRequest) generateResponse {
		return generateResponse{UsageMetadata: &usageMetadata{PromptTokenCount: 3}}
	})
	client := NewClient("k", "m", discardLogger(), WithBaseURL(srv.URL))
	resp, err := client.SendMessage(context.Background(), &llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "Hi"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.HasToolUse() || resp.Usage.InputTokens != 3 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestStopReason(t *testing.T) {
	tests := []struct {
		reason       string
		hasToolCalls bool
		want         string
	}{
		{"STOP", false, "end_turn"},
		{"STOP", true, "tool_use"},
		{"", false, "end_turn"},
		{"MAX_TOKENS", false, "max_tokens"},
		{"SAFETY", false, "SAFETY"},
	}
	for _, tt := range tests {
		if got := stopReason(tt.reason, tt.hasToolCalls); got != tt.want {
			t.Errorf("stopReason(%q, %v) = %q, want %q", tt.reason, tt.hasToolCalls, got, tt.want)
		}
	}
}
