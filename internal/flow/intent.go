package flow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sedaflow/sedaflow/internal/scenario"
	"github.com/sedaflow/sedaflow/pkg/provider/llm"
)

// Intent labels the classifier may emit.
const (
	IntentYes            = "yes"
	IntentNo             = "no"
	IntentNumberQuestion = "number_question"
	IntentUnknown        = "unknown"
)

// Persian affirmations short enough to trust without a model round-trip.
var persianYes = []string{"بله", "آره"}

// First-token synonym tables for reading a free-form model answer.
var (
	yesTokens = map[string]bool{"yes": true, "y": true, "بله": true, "آره": true}
	noTokens  = map[string]bool{"no": true, "n": true, "نه": true, "خیر": true}
)

const defaultPromptTemplate = `You label Persian call-center answers.
The customer was asked whether they are interested and replied: "%s"

Answer with exactly one of these labels and nothing else: %s.
Use "yes" for any affirmative reply, "no" for refusals,
"number_question" if they ask who is calling or where the number is from,
and "unknown" otherwise.`

// classify labels one transcript. Errors matching llm.ErrQuota are
// returned as-is so the caller can abort the call; other failures also
// surface as errors and the caller degrades to "unknown".
func (e *Engine) classify(ctx context.Context, sc *scenario.Scenario, transcript string) (string, error) {
	// A plain Persian "yes" needs no model.
	trimmed := strings.TrimSpace(transcript)
	for _, w := range persianYes {
		if trimmed == w || strings.HasPrefix(trimmed, w+" ") {
			return IntentYes, nil
		}
	}

	categories := sc.IntentCategories()
	prompt := sc.LLM.PromptTemplate
	if prompt == "" {
		prompt = fmt.Sprintf(defaultPromptTemplate, transcript, strings.Join(categories, ", "))
	} else {
		prompt = strings.ReplaceAll(prompt, "{transcript}", transcript)
		prompt = strings.ReplaceAll(prompt, "{intent_categories}", strings.Join(categories, ", "))
	}

	cctx := ctx
	if e.cfg.LLMTimeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, e.cfg.LLMTimeout)
		defer cancel()
	}
	start := time.Now()
	reply, err := e.llm.Complete(cctx, llm.CompletionRequest{
		Model:       e.cfg.Model,
		Messages:    llm.UserMessage(prompt),
		Temperature: 0,
	})
	if err != nil {
		e.metrics.ProviderRequest("llm", "error", time.Since(start).Seconds())
		return "", err
	}
	e.metrics.ProviderRequest("llm", "ok", time.Since(start).Seconds())

	return extractIntent(reply, sc, categories), nil
}

// extractIntent reads a label out of a model reply that may not be a
// clean label: first token synonyms, then substring matches, then the
// scenario's fallback tokens.
func extractIntent(reply string, sc *scenario.Scenario, categories []string) string {
	answer := strings.ToLower(strings.TrimSpace(reply))
	answer = strings.Trim(answer, `"'.,!`)
	if answer == "" {
		return IntentUnknown
	}

	first := answer
	if i := strings.IndexAny(answer, " \t\n"); i >= 0 {
		first = answer[:i]
	}
	first = strings.Trim(first, `"'.,!:`)
	switch {
	case yesTokens[first]:
		return IntentYes
	case noTokens[first]:
		return IntentNo
	}

	for _, c := range categories {
		if answer == strings.ToLower(c) {
			return c
		}
	}
	if strings.Contains(answer, IntentNumberQuestion) {
		return IntentNumberQuestion
	}

	for intent, tokens := range sc.LLM.FallbackTokens {
		for _, tok := range tokens {
			if tok != "" && strings.Contains(answer, strings.ToLower(tok)) {
				return intent
			}
		}
	}
	return IntentUnknown
}
