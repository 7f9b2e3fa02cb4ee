package standup

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/zulandar/rhythms/internal/models"
	"go.uber.org/zap"
	"google.golang.org/genai"
)

const geminiSystemPrompt = `You write concise daily standups for software engineers.
Respond with JSON only: {"items":[{"type":"accomplishment|plan|blocker","text":"..."}]}.
Keep each item to one short sentence. Never invent work that is not in the input.`

// contentGenerator is the genai Models method the drafter calls.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiDrafter drafts with a Gemini model and falls back to another
// Drafter when the call fails or returns nothing usable.
type GeminiDrafter struct {
	gen      contentGenerator
	model    string
	fallback Drafter
	log      *zap.Logger
}

// GeminiOpts configures a GeminiDrafter.
type GeminiOpts struct {
	APIKey   string
	Model    string
	Fallback Drafter // defaults to TemplateDrafter
	Logger   *zap.Logger
	// Generator replaces the Gemini client in tests.
	Generator contentGenerator
}

// NewGeminiDrafter creates a GeminiDrafter using the Gemini API backend.
func NewGeminiDrafter(ctx context.Context, opts GeminiOpts) (*GeminiDrafter, error) {
	if opts.Generator == nil {
		if opts.APIKey == "" {
			return nil, fmt.Errorf("standup: gemini api key is required")
		}
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  opts.APIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, fmt.Errorf("standup: gemini client: %w", err)
		}
		opts.Generator = client.Models
	}
	if opts.Model == "" {
		return nil, fmt.Errorf("standup: gemini model is required")
	}
	if opts.Fallback == nil {
		opts.Fallback = TemplateDrafter{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &GeminiDrafter{
		gen:      opts.Generator,
		model:    opts.Model,
		fallback: opts.Fallback,
		log:      opts.Logger.Named("gemini"),
	}, nil
}

// Draft implements Drafter.
func (g *GeminiDrafter) Draft(ctx context.Context, req DraftRequest) (Draft, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Draft today's standup for %s.\n\nRecent activity:\n%s", req.Owner, req.Activity.Render())
	if len(req.Carried) > 0 {
		b.WriteString("\nUnresolved blockers from earlier standups:\n")
		for _, c := range req.Carried {
			b.WriteString("- " + c + "\n")
		}
	}
	if len(req.Recent) > 0 {
		b.WriteString("\nPrevious standups (newest first):\n")
		for _, su := range req.Recent {
			fmt.Fprintf(&b, "%s:\n", su.Date)
			for _, it := range su.Items {
				fmt.Fprintf(&b, "- [%s] %s\n", it.Type, it.Description)
			}
		}
	}

	d, err := g.generate(ctx, b.String())
	if err != nil {
		g.log.Warn("draft failed, using fallback", zap.String("owner", req.Owner), zap.Error(err))
		return g.fallback.Draft(ctx, req)
	}
	return d, nil
}

// Revise implements Drafter.
func (g *GeminiDrafter) Revise(ctx context.Context, d Draft, reply string) (Draft, error) {
	current, err := json.Marshal(d)
	if err != nil {
		return Draft{}, fmt.Errorf("standup: encode draft: %w", err)
	}
	prompt := fmt.Sprintf("Current standup draft:\n%s\n\nThe engineer replied:\n%s\n\nReturn the full revised standup.", current, reply)

	revised, err := g.generate(ctx, prompt)
	if err != nil {
		g.log.Warn("revise failed, using fallback", zap.Error(err))
		return g.fallback.Revise(ctx, d, reply)
	}
	return revised, nil
}

func (g *GeminiDrafter) generate(ctx context.Context, prompt string) (Draft, error) {
	temp := float32(0.2)
	resp, err := g.gen.GenerateContent(ctx, g.model,
		[]*genai.Content{{Role: "user", Parts: []*genai.Part{{Text: prompt}}}},
		&genai.GenerateContentConfig{
			SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: geminiSystemPrompt}}},
			ResponseMIMEType:  "application/json",
			Temperature:       &temp,
		})
	if err != nil {
		return Draft{}, fmt.Errorf("standup: gemini: %w", err)
	}
	return parseDraft(resp.Text())
}

// parseDraft decodes model output, tolerating a fenced code block and
// dropping items with unknown types.
func parseDraft(text string) (Draft, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")

	var raw Draft
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &raw); err != nil {
		return Draft{}, fmt.Errorf("standup: decode draft: %w", err)
	}
	var d Draft
	for _, it := range raw.Items {
		switch it.Type {
		case models.ItemAccomplishment, models.ItemPlan, models.ItemBlocker:
			d.add(it.Type, it.Text)
		}
	}
	if len(d.Items) == 0 {
		return Draft{}, fmt.Errorf("standup: model returned no items")
	}
	return d, nil
}
