package services

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"

	"github.com/MegaGrindStone/dm-companion/internal/models"
	"google.golang.org/genai"
)

// Gemini provides an implementation of the LLM interface backed by the Gemini API.
type Gemini struct {
	model        string
	systemPrompt string

	params LLMParameters

	client *genai.Client

	logger *slog.Logger
}

// NewGemini creates a Gemini client for the Gemini developer API. An empty baseURL selects the public
// endpoint.
func NewGemini(
	ctx context.Context,
	apiKey, baseURL, model, systemPrompt string,
	params LLMParameters,
	logger *slog.Logger,
) (Gemini, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{BaseURL: baseURL},
	})
	if err != nil {
		return Gemini{}, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return Gemini{
		model:        model,
		systemPrompt: systemPrompt,
		params:       params,
		client:       client,
		logger:       logger.With(slog.String("module", "gemini")),
	}, nil
}

// Chat streams a Gemini response for messages. Assistant messages are sent with the model role.
func (g Gemini) Chat(ctx context.Context, messages []models.Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		contents := make([]*genai.Content, 0, len(messages))
		for _, msg := range messages {
			if msg.Text == "" {
				continue
			}
			var role genai.Role = genai.RoleUser
			if msg.Role == models.RoleAssistant {
				role = genai.RoleModel
			}
			contents = append(contents, genai.NewContentFromText(msg.Text, role))
		}

		for resp, err := range g.client.Models.GenerateContentStream(ctx, g.model, contents, g.config()) {
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				yield("", fmt.Errorf("error receiving response: %w", err))
				return
			}

			delta := resp.Text()
			if delta == "" {
				continue
			}
			if !yield(delta, nil) {
				return
			}
		}
	}
}

func (g Gemini) config() *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(g.systemPrompt, genai.RoleUser),
		Temperature:       g.params.Temperature,
		TopP:              g.params.TopP,
		StopSequences:     g.params.Stop,
	}
	if g.params.MaxTokens != nil {
		cfg.MaxOutputTokens = int32(*g.params.MaxTokens)
	}
	if g.params.Seed != nil {
		seed := int32(*g.params.Seed)
		cfg.Seed = &seed
	}
	return cfg
}
