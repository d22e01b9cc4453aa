package ai

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// OllamaGenerator wraps OllamaClient with a fixed model for chat replies via
// the Ollama /api/chat endpoint.
type OllamaGenerator struct {
	client *OllamaClient
	model  string
}

// NewOllamaGenerator builds an Ollama-based StreamGenerator.
func NewOllamaGenerator(client *OllamaClient, model string) *OllamaGenerator {
	return &OllamaGenerator{client: client, model: model}
}

// GenerateText implements TextGenerator using Ollama /api/chat.
func (g *OllamaGenerator) GenerateText(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	reqBody, err := g.chatRequest(systemPrompt, userPrompt, false)
	if err != nil {
		return "", err
	}
	var resp ollamaChatResponse
	if _, err := g.client.doJSON(ctx, "/api/chat", reqBody, &resp); err != nil {
		return "", fmt.Errorf("ollama generate: %w", err)
	}
	if strings.TrimSpace(resp.Message.Content) == "" {
		return "", fmt.Errorf("empty response from ollama")
	}
	return resp.Message.Content, nil
}

// StreamText implements StreamGenerator. Ollama streams one JSON object per
// line until a final object with done=true.
func (g *OllamaGenerator) StreamText(ctx context.Context, systemPrompt, userPrompt string, onDelta func(string)) (string, error) {
	reqBody, err := g.chatRequest(systemPrompt, userPrompt, true)
	if err != nil {
		return "", err
	}
	resp, err := g.client.post(ctx, "/api/chat", reqBody)
	if err != nil {
		return "", fmt.Errorf("ollama stream: %w", err)
	}
	defer resp.Body.Close()

	var full strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var chunk ollamaChatResponse
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			return "", fmt.Errorf("ollama stream decode: %w", err)
		}
		if chunk.Message.Content != "" {
			full.WriteString(chunk.Message.Content)
			if onDelta != nil {
				onDelta(chunk.Message.Content)
			}
		}
		if chunk.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("ollama stream read: %w", err)
	}
	if full.Len() == 0 {
		return "", fmt.Errorf("empty response from ollama")
	}
	return full.String(), nil
}

func (g *OllamaGenerator) chatRequest(systemPrompt, userPrompt string, stream bool) (ollamaChatRequest, error) {
	model := strings.TrimSpace(g.model)
	if model == "" {
		return ollamaChatRequest{}, fmt.Errorf("ollama generation model required")
	}
	messages := make([]ollamaChatMessage, 0, 2)
	if strings.TrimSpace(systemPrompt) != "" {
		messages = append(messages, ollamaChatMessage{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, ollamaChatMessage{Role: "user", Content: userPrompt})
	return ollamaChatRequest{Model: model, Messages: messages, Stream: stream}, nil
}

// Ollama /api/chat request/response types.

type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
}

type ollamaChatResponse struct {
	Message ollamaChatMessage `json:"message"`
	Done    bool              `json:"done"`
}
