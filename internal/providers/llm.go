// Copyright 2025 James Ross
package providers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/paperatlas/enrichq/internal/config"
	"github.com/paperatlas/enrichq/internal/obs"
	"github.com/paperatlas/enrichq/internal/stage"
	"github.com/paperatlas/enrichq/internal/stages"
	"github.com/paperatlas/enrichq/internal/tracker"
)

var llmPrompts = map[stage.Stage]string{
	stage.AIAnalysis:   "Summarize the contribution, methodology and significance of this paper.",
	stage.Concepts:     "List the key concepts this paper introduces or builds on, one per line.",
	stage.Techniques:   "List the concrete techniques and algorithms used in this paper, one per line.",
	stage.Benchmarks:   "List the benchmarks and datasets this paper evaluates on, with reported metrics.",
	stage.DeepAnalysis: "Assess reproducibility, experimental rigor and practical applicability of this paper in detail.",
}

// Analyzer runs the LLM stages against the Anthropic API.
type Analyzer struct {
	client anthropic.Client
	model  string
	tr     *tracker.Tracker
	log    *zap.Logger
}

func NewAnalyzer(cfg config.Providers, tr *tracker.Tracker, log *zap.Logger) *Analyzer {
	return &Analyzer{
		client: anthropic.NewClient(option.WithAPIKey(cfg.AnthropicAPIKey)),
		model:  cfg.AnthropicModel,
		tr:     tr,
		log:    log,
	}
}

// Body returns the stage body for one of the LLM stages.
func (a *Analyzer) Body(st stage.Stage) stages.Body {
	prompt, ok := llmPrompts[st]
	if !ok {
		panic(fmt.Sprintf("stage %s is not an LLM stage", st))
	}
	return func(ctx context.Context, paperID string, _ map[string]any) error {
		paper, err := a.tr.Get(ctx, paperID)
		if err != nil {
			if errors.Is(err, tracker.ErrNotFound) {
				return stages.Permanent(fmt.Errorf("paper %s not registered", paperID))
			}
			return stages.Transient(err)
		}
		if paper.Title == "" && paper.Abstract == "" {
			return stages.Permanent(fmt.Errorf("paper %s has no text to analyze", paperID))
		}
		msg, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     anthropic.Model(a.model),
			MaxTokens: 1024,
			System: []anthropic.TextBlockParam{
				{Text: "You analyze machine-learning research papers. Be concise and factual."},
			},
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(
					fmt.Sprintf("%s\n\nTitle: %s\n\nAbstract: %s", prompt, paper.Title, paper.Abstract))),
			},
		})
		if err != nil {
			return classifyAnthropic(err)
		}
		if len(msg.Content) == 0 {
			return stages.Transient(fmt.Errorf("empty completion for paper %s", paperID))
		}
		a.log.Debug("llm stage done",
			obs.String("stage", string(st)),
			obs.String("paper", paperID),
			obs.Int("blocks", len(msg.Content)))
		return nil
	}
}

func classifyAnthropic(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return stages.ClassifyHTTP(apierr.StatusCode, 30*time.Second, err)
	}
	return stages.Transient(err)
}
