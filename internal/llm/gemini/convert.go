package gemini

import (
	"encoding/json"
	"strings"

	"github.com/jkaninda/devbot/internal/llm"
)

const (
	roleUser  = "user"
	roleModel = "model"
)

// encodeRequest maps a conversation onto a generateContent body.
func encodeRequest(req *llm.Request) *generateRequest {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	out := &generateRequest{GenerationConfig: &generationConfig{MaxOutputTokens: maxTokens}}
	if req.SystemPrompt != "" {
		out.SystemInstruction = &content{Parts: []part{{Text: req.SystemPrompt}}}
	}
	if len(req.Tools) > 0 {
		decls := make([]functionDecl, len(req.Tools))
		for i, t := range req.Tools {
			decls[i] = functionDecl{Name: t.Name, Description: t.Description, Parameters: t.InputSchema}
		}
		out.Tools = []toolSet{{FunctionDeclarations: decls}}
	}

	// Function responses are matched by name, so remember which name each
	// call ID had as the history is walked.
	names := make(map[string]string)
	out.Contents = make([]content, 0, len(req.Messages))
	for _, m := range req.Messages {
		out.Contents = append(out.Contents, encodeMessage(m, names))
	}
	return out
}

func encodeMessage(m llm.Message, names map[string]string) content {
	c := content{Role: roleUser}
	if m.Role == llm.RoleAssistant {
		c.Role = roleModel
	}
	if len(m.ContentBlocks) == 0 {
		c.Parts = []part{{Text: m.Content}}
		return c
	}
	for _, b := range m.ContentBlocks {
		switch b.Type {
		case llm.BlockText:
			if b.Text != "" {
				c.Parts = append(c.Parts, part{Text: b.Text})
			}
		case llm.BlockToolUse:
			names[b.ID] = b.Name
			c.Parts = append(c.Parts, part{FunctionCall: &functionCall{Name: b.Name, Args: b.Input}})
		case llm.BlockToolResult:
			c.Parts = append(c.Parts, part{FunctionResponse: &functionResponse{
				Name:     names[b.ToolUseID],
				Response: map[string]any{"result": structured(b.Text)},
			}})
		}
	}
	if len(c.Parts) == 0 {
		// parts may not be empty.
		c.Parts = []part{{}}
	}
	return c
}

// structured passes JSON-object tool output through as an object so the
// model sees fields, not an escaped string.
func structured(text string) any {
	var obj map[string]any
	if json.Unmarshal([]byte(text), &obj) == nil {
		return obj
	}
	return text
}

func decodeResponse(r *generateResponse, newID func() string) *llm.Response {
	resp := &llm.Response{StopReason: llm.StopEndTurn}
	if u := r.UsageMetadata; u != nil {
		resp.Usage = llm.Usage{InputTokens: u.PromptTokenCount, OutputTokens: u.CandidatesTokenCount}
	}
	if len(r.Candidates) == 0 {
		return resp
	}

	first := r.Candidates[0]
	var text strings.Builder
	calls := 0
	for _, p := range first.Content.Parts {
		if p.Text != "" {
			text.WriteString(p.Text)
			resp.ContentBlocks = append(resp.ContentBlocks, llm.TextBlock(p.Text))
		}
		if fc := p.FunctionCall; fc != nil {
			calls++
			resp.ContentBlocks = append(resp.ContentBlocks, llm.ToolUseBlock(newID(), fc.Name, fc.Args))
		}
	}
	resp.Content = text.String()
	resp.StopReason = stopReason(first.FinishReason, calls > 0)
	return resp
}

var finishReasons = map[string]string{
	"":           llm.StopEndTurn,
	"STOP":       llm.StopEndTurn,
	"MAX_TOKENS": llm.StopMaxTokens,
}

// stopReason maps finishReason onto llm stop reasons. Gemini reports STOP
// even when it asks for functions, so any call wins. Unknown reasons such as
// SAFETY pass through.
func stopReason(finish string, hasCalls bool) string {
	if hasCalls {
		return llm.StopToolUse
	}
	if r, ok := finishReasons[finish]; ok {
		return r
	}
	return finish
}
