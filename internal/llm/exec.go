package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
)

// ExecGenerator runs a local completion command once per request. The
// command reads an execRequest as JSON on stdin. It answers either with an
// execReply object or with the bare completion text on stdout.
type ExecGenerator struct {
	args  []string
	model string
}

type execRequest struct {
	SessionID   string  `json:"session_id,omitempty"`
	Model       string  `json:"model,omitempty"`
	System      string  `json:"system,omitempty"`
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature"`
}

type execReply struct {
	Content          *string `json:"content"`
	PromptTokens     int     `json:"prompt_tokens,omitempty"`
	CompletionTokens int     `json:"completion_tokens,omitempty"`
	Error            string  `json:"error,omitempty"`
}

func NewExecGenerator(command, model string) (*ExecGenerator, error) {
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse llm command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("llm command empty")
	}
	return &ExecGenerator{args: args, model: model}, nil
}

func (g *ExecGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	input, err := json.Marshal(execRequest{
		SessionID:   req.SessionID,
		Model:       g.model,
		System:      req.System,
		Prompt:      req.Prompt,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return fmt.Errorf("encode llm request: %w", err)
	}

	started := time.Now()
	cmd := exec.CommandContext(ctx, g.args[0], g.args[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("llm command failed: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}

	chunk, err := parseExecOutput(output)
	if err != nil {
		return err
	}
	chunk.SessionID = req.SessionID
	chunk.Latency = time.Since(started)
	return consumer(chunk)
}

// parseExecOutput accepts a reply object or plain text. Output that starts
// like an object but carries no content field is treated as text.
func parseExecOutput(output []byte) (Chunk, error) {
	trimmed := bytes.TrimSpace(output)
	if bytes.HasPrefix(trimmed, []byte("{")) {
		var reply execReply
		if err := json.Unmarshal(trimmed, &reply); err == nil {
			if reply.Error != "" {
				return Chunk{}, fmt.Errorf("llm command reported: %s", reply.Error)
			}
			if reply.Content != nil {
				return Chunk{
					Content:          *reply.Content,
					PromptTokens:     reply.PromptTokens,
					CompletionTokens: reply.CompletionTokens,
				}, nil
			}
		}
	}
	return Chunk{Content: strings.TrimSpace(string(output))}, nil
}
