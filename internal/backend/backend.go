// Package backend talks to the model backends. Two profiles exist: a
// hosted API reached with a bearer credential, and a self-hosted
// OpenAI-compatible endpoint reached by address. Beyond construction the
// two behave identically.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"draftsman/internal/config"
	"draftsman/internal/llm"
)

type Client struct {
	profile      string
	defaultModel string
	api          *openai.Client
	logger       *slog.Logger
}

// New builds a client for the named profile from settings. A hosted
// profile without an API key, or a local profile without a base URL,
// fails with llm.ErrMissingCredential.
func New(settings *config.Settings, profile string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	bp, ok := settings.Backends[profile]
	if !ok {
		return nil, fmt.Errorf("unknown backend profile %q", profile)
	}
	var clientConfig openai.ClientConfig
	switch profile {
	case config.ProfileHosted:
		if strings.TrimSpace(bp.APIKey) == "" {
			return nil, fmt.Errorf("%w: hosted profile has no API key", llm.ErrMissingCredential)
		}
		clientConfig = openai.DefaultConfig(bp.APIKey)
	case config.ProfileLocal:
		if strings.TrimSpace(bp.BaseURL) == "" {
			return nil, fmt.Errorf("%w: local profile has no base URL", llm.ErrMissingCredential)
		}
		clientConfig = openai.DefaultConfig("local")
		clientConfig.BaseURL = strings.TrimRight(bp.BaseURL, "/")
	default:
		return nil, fmt.Errorf("unknown backend profile %q", profile)
	}
	return &Client{
		profile:      profile,
		defaultModel: bp.DefaultModel,
		api:          openai.NewClientWithConfig(clientConfig),
		logger:       logger.With("backend", profile),
	}, nil
}

func (c *Client) Profile() string { return c.profile }

func (c *Client) model(params llm.Params) string {
	if strings.TrimSpace(params.Model) != "" {
		return params.Model
	}
	return c.defaultModel
}

// Generate runs one blocking completion and returns the generated text.
func (c *Client) Generate(ctx context.Context, messages []llm.Message, params llm.Params) (string, error) {
	req := c.buildRequest(messages, params)
	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", c.mapError(err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: empty response", llm.ErrUpstream)
	}
	return resp.Choices[0].Message.Content, nil
}

// Stream runs one streaming completion, invoking onDelta for every text
// chunk in arrival order, and returns the accumulated text. A nil
// onDelta collects silently.
func (c *Client) Stream(ctx context.Context, messages []llm.Message, params llm.Params, onDelta func(string)) (string, error) {
	req := c.buildRequest(messages, params)
	req.Stream = true
	stream, err := c.api.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return "", c.mapError(err)
	}
	defer stream.Close()
	var full strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return full.String(), nil
		}
		if err != nil {
			return full.String(), c.mapError(err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		full.WriteString(delta)
		if onDelta != nil {
			onDelta(delta)
		}
	}
}

func (c *Client) buildRequest(messages []llm.Message, params llm.Params) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model:     c.model(params),
		MaxTokens: params.MaxTokens,
	}
	if params.Temperature != nil {
		temp := *params.Temperature
		if temp == 0 {
			// go-openai serializes Temperature with omitempty, so a
			// literal 0 never reaches the wire; the smallest nonzero
			// float stands in for it.
			temp = math.SmallestNonzeroFloat32
		}
		req.Temperature = temp
	}
	req.Messages = make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}
	return req
}

func (c *Client) mapError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		c.logger.Warn("backend.upstream_error", "status", apiErr.HTTPStatusCode, "message", apiErr.Message)
		return &llm.StatusError{Status: apiErr.HTTPStatusCode, Body: apiErr.Message}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		c.logger.Warn("backend.request_error", "status", reqErr.HTTPStatusCode, "error", reqErr.Error())
		return &llm.StatusError{Status: reqErr.HTTPStatusCode, Body: reqErr.Error()}
	}
	return err
}
