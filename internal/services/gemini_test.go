package services_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MegaGrindStone/dm-companion/internal/logger"
	"github.com/MegaGrindStone/dm-companion/internal/models"
	"github.com/MegaGrindStone/dm-companion/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type geminiRequest struct {
	Contents []struct {
		Role  string `json:"role"`
		Parts []struct {
			Text string `json:"text"`
		} `json:"parts"`
	} `json:"contents"`
	SystemInstruction *struct {
		Parts []struct {
			Text string `json:"text"`
		} `json:"parts"`
	} `json:"systemInstruction"`
	GenerationConfig struct {
		Temperature *float32 `json:"temperature"`
	} `json:"generationConfig"`
}

func newGemini(t *testing.T, h http.HandlerFunc, params services.LLMParameters) services.Gemini {
	t.Helper()

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	g, err := services.NewGemini(context.Background(), "test-key", srv.URL, "gemini-test",
		"You are a rules assistant.", params, logger.Discard())
	require.NoError(t, err)
	return g
}

func geminiChunk(text string) string {
	return fmt.Sprintf(`data: {"candidates":[{"content":{"role":"model","parts":[{"text":%q}]}}]}`+"\n\n", text)
}

func TestGeminiChat(t *testing.T) {
	var got geminiRequest
	temperature := float32(0.3)

	g := newGemini(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "models/gemini-test:streamGenerateContent") {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		for _, chunk := range []string{"Roll ", "8d6", " fire damage."} {
			fmt.Fprint(w, geminiChunk(chunk))
		}
	}, services.LLMParameters{Temperature: &temperature})

	var deltas []string
	for delta, err := range g.Chat(context.Background(), []models.Message{
		{Role: models.RoleUser, Text: "What does Fireball do?"},
		{Role: models.RoleAssistant, Text: "It explodes."},
		{Role: models.RoleUser, Text: ""},
		{Role: models.RoleUser, Text: "How much damage?"},
	}) {
		require.NoError(t, err)
		deltas = append(deltas, delta)
	}

	assert.Equal(t, []string{"Roll ", "8d6", " fire damage."}, deltas)

	require.Len(t, got.Contents, 3)
	assert.Equal(t, "user", got.Contents[0].Role)
	assert.Equal(t, "model", got.Contents[1].Role)
	assert.Equal(t, "user", got.Contents[2].Role)
	assert.Equal(t, "How much damage?", got.Contents[2].Parts[0].Text)

	require.NotNil(t, got.SystemInstruction)
	assert.Equal(t, "You are a rules assistant.", got.SystemInstruction.Parts[0].Text)
	require.NotNil(t, got.GenerationConfig.Temperature)
	assert.InDelta(t, 0.3, *got.GenerationConfig.Temperature, 1e-6)
}

func TestGeminiChatError(t *testing.T) {
	g := newGemini(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":{"code":500,"message":"model overloaded","status":"INTERNAL"}}`)
	}, services.LLMParameters{})

	var gotErr error
	for _, err := range g.Chat(context.Background(), []models.Message{{Role: models.RoleUser, Text: "Hi"}}) {
		if err != nil {
			gotErr = err
			break
		}
	}

	require.Error(t, gotErr)
	assert.Contains(t, gotErr.Error(), "model overloaded")
}

func TestGeminiChatStopsOnBreak(t *testing.T) {
	g := newGemini(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, chunk := range []string{"one", "two", "three"} {
			fmt.Fprint(w, geminiChunk(chunk))
		}
	}, services.LLMParameters{})

	var deltas []string
	for delta, err := range g.Chat(context.Background(), []models.Message{{Role: models.RoleUser, Text: "Count"}}) {
		require.NoError(t, err)
		deltas = append(deltas, delta)
		if len(deltas) == 2 {
			break
		}
	}

	assert.Equal(t, []string{"one", "two"}, deltas)
}
