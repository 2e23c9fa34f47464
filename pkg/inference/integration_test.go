//go:build integration

package inference

import (
	"context"
	"os"
	"testing"
	"time"
)

// Integration tests for real API calls.
// Run with: go test -tags=integration -v ./pkg/inference/...

func TestOpenAIIntegration(t *testing.T) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		t.Skip("OPENAI_API_KEY not set")
	}

	client, err := NewClient(WithAPIKey(apiKey))
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	t.Run("Chat", func(t *testing.T) {
		resp, err := client.Chat(ctx, &ChatRequest{
			Messages: []Message{
				NewSystemMessage(VoicePrompt("en")),
				NewUserMessage("What is 2+2?"),
			},
			MaxTokens: 50,
		})
		if err != nil {
			t.Fatalf("Chat failed: %v", err)
		}
		t.Logf("Response: %s", resp.Message.Content)
	})

	t.Run("Stream", func(t *testing.T) {
		text, err := Complete(ctx, client, NewCompletion(&ChatRequest{
			Messages: []Message{NewUserMessage("Count from 1 to 5.")},
		}, nil))
		if err != nil {
			t.Fatalf("Complete failed: %v", err)
		}
		t.Logf("Streamed: %s", text)
	})
}

func TestGeminiIntegration(t *testing.T) {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		t.Skip("GEMINI_API_KEY not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	g, err := NewGemini(ctx, WithAPIKey(apiKey))
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	text, err := Complete(ctx, g, NewCompletion(&ChatRequest{
		Messages: []Message{NewSystemMessage(VoicePrompt("en")), NewUserMessage("Say hello.")},
	}, nil))
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	t.Logf("Streamed: %s", text)
}

func TestCustomGPTIntegration(t *testing.T) {
	apiKey := os.Getenv("CUSTOMGPT_API_KEY")
	project := os.Getenv("CUSTOMGPT_PROJECT_ID")
	if apiKey == "" || project == "" {
		t.Skip("CUSTOMGPT_API_KEY or CUSTOMGPT_PROJECT_ID not set")
	}

	cg, err := NewCustomGPT(WithAPIKey(apiKey), WithProjectID(project))
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	text, err := Complete(ctx, cg, NewCompletion(&ChatRequest{
		SessionID: "integration",
		Messages:  []Message{NewUserMessage("What can you help me with?")},
	}, nil))
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	t.Logf("Streamed: %s", text)
}
