package agent

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"golang.org/x/time/rate"
)

// APIProcessor calls the Anthropic Messages API directly, for deployments
// without the reasoning CLI installed.
type APIProcessor struct {
	cfg     Config
	client  *anthropic.Client
	limiter *rate.Limiter
}

// NewAPIProcessor builds an API-backed processor. The key comes from the
// config or the ANTHROPIC_API_KEY environment variable.
func NewAPIProcessor(cfg Config, limiter *rate.Limiter) (*APIProcessor, error) {
	if limiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY not set")
		}
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &APIProcessor{cfg: cfg, client: &client, limiter: limiter}, nil
}

// Process sends the rendered prompt as a single user message and returns
// the concatenated text blocks of the response.
func (p *APIProcessor) Process(ctx context.Context, req Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = p.cfg.TimeoutFor(req.TaskType)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for processor slot: %w", err)
	}

	start := time.Now()
	resp, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(p.cfg.Model),
		MaxTokens: int64(p.cfg.MaxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(promptFor(req))),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("processing %s via API failed: %w", req.TaskID, err)
	}

	var output string
	for _, block := range resp.Content {
		if block.Type == "text" {
			output += block.Text
		}
	}

	duration := time.Since(start)
	fmt.Printf("Processed %s via API: input=%d tokens, output=%d tokens, duration=%v\n",
		req.TaskID, resp.Usage.InputTokens, resp.Usage.OutputTokens, duration)

	return &Result{Output: output, ExitCode: 0, Duration: duration}, nil
}
