package remote

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/JakeFAU/recrawl/internal/embedding"
)

// DefaultGeminiModel is the embedding model used when none is configured.
const DefaultGeminiModel = "gemini-embedding-001"

// GeminiConfig selects the model and API credentials.
type GeminiConfig struct {
	APIKey string
	Model  string
	// Dimensions requests a truncated output; zero keeps the model default.
	Dimensions int
}

type contentEmbedder interface {
	EmbedContent(
		ctx context.Context,
		model string,
		contents []*genai.Content,
		config *genai.EmbedContentConfig,
	) (*genai.EmbedContentResponse, error)
}

// Gemini embeds text through the Gemini API.
type Gemini struct {
	models contentEmbedder
	cfg    GeminiConfig
}

// NewGemini creates a genai client for the Gemini API backend.
func NewGemini(ctx context.Context, cfg GeminiConfig) (*Gemini, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("gemini: api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return newGemini(client.Models, cfg), nil
}

func newGemini(models contentEmbedder, cfg GeminiConfig) *Gemini {
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = DefaultGeminiModel
	}
	return &Gemini{models: models, cfg: cfg}
}

// Embed implements embedding.Backend.
func (g *Gemini) Embed(ctx context.Context, text string) (embedding.Vector, error) {
	var config *genai.EmbedContentConfig
	if g.cfg.Dimensions > 0 {
		dim := int32(g.cfg.Dimensions)
		config = &genai.EmbedContentConfig{OutputDimensionality: &dim}
	}
	result, err := g.models.EmbedContent(ctx, g.cfg.Model,
		[]*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}, config)
	if err != nil {
		return nil, fmt.Errorf("gemini embed with %s: %w", g.cfg.Model, err)
	}
	if result == nil || len(result.Embeddings) == 0 || len(result.Embeddings[0].Values) == 0 {
		return nil, fmt.Errorf("gemini embed with %s: no embedding returned", g.cfg.Model)
	}
	return embedding.Vector(result.Embeddings[0].Values), nil
}
