package llm

import (
	"context"
	"fmt"
	"strings"

	apperrors "alphamine/internal/errors"
	"alphamine/internal/factor/registry"
	"alphamine/internal/knowledge"
	"alphamine/internal/logger"
	"alphamine/internal/loop"
	"alphamine/internal/sandbox"
	"alphamine/internal/types"
)

// Completer sends one prompt pair to a model
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// historyWindow caps how many past iterations a prompt shows
const historyWindow = 5

// HypothesisGenerator proposes hypotheses with a language model
type HypothesisGenerator struct {
	llm Completer
	kb  *knowledge.KnowledgeBase // optional
}

// NewHypothesisGenerator creates a generator; kb may be nil
func NewHypothesisGenerator(llm Completer, kb *knowledge.KnowledgeBase) *HypothesisGenerator {
	return &HypothesisGenerator{llm: llm, kb: kb}
}

// Propose implements loop.HypothesisGenerator
func (g *HypothesisGenerator) Propose(ctx context.Context, trace loop.Trace) (types.Hypothesis, error) {
	history := trace.History
	if len(history) > historyWindow {
		history = history[len(history)-historyWindow:]
	}
	data := struct {
		Direction string
		History   []loop.Feedback
		Known     []knowledge.Match
	}{Direction: trace.Direction, History: history}
	if g.kb != nil {
		theme := trace.Direction
		if last, ok := trace.Last(); ok && last.Hypothesis != nil {
			theme = last.Hypothesis.Theme
		}
		data.Known = g.kb.Query(theme, nil, 5)
	}

	prompt, err := render(hypothesisTemplate, data)
	if err != nil {
		return types.Hypothesis{}, apperrors.NewAppError(apperrors.ErrCodeInternal, "failed to render prompt", err)
	}
	reply, err := g.llm.Complete(ctx, systemPrompt, prompt)
	if err != nil {
		return types.Hypothesis{}, err
	}

	var h types.Hypothesis
	if err := decodeReply(reply, &h); err != nil {
		return types.Hypothesis{}, err
	}
	if strings.TrimSpace(h.Theme) == "" {
		return types.Hypothesis{}, apperrors.NewAppError(apperrors.ErrCodeLLMTransient, "llm hypothesis has no theme", nil)
	}
	return h, nil
}

// FactorConstructor writes factor expressions for a hypothesis
type FactorConstructor struct {
	llm   Completer
	reg   *registry.Registry
	kb    *knowledge.KnowledgeBase // optional
	count int
}

// NewFactorConstructor creates a constructor asking for count factors per
// hypothesis; reg nil uses the builtin functions
func NewFactorConstructor(llm Completer, reg *registry.Registry, kb *knowledge.KnowledgeBase, count int) *FactorConstructor {
	if reg == nil {
		reg = registry.Default()
	}
	if count <= 0 {
		count = 3
	}
	return &FactorConstructor{llm: llm, reg: reg, kb: kb, count: count}
}

type factorReply struct {
	Factors []struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Expression  string `json:"expression"`
	} `json:"factors"`
}

// Construct implements loop.FactorConstructor. Expressions are returned as
// written; parsing and validation happen in the loop.
func (c *FactorConstructor) Construct(ctx context.Context, h types.Hypothesis, trace loop.Trace) ([]types.FactorTask, error) {
	data := struct {
		Hypothesis types.Hypothesis
		Functions  string
		Known      []knowledge.Match
		Failures   []loop.Failure
		Count      int
	}{Hypothesis: h, Functions: c.reg.Describe(), Count: c.count}
	if c.kb != nil {
		data.Known = c.kb.Query(h.Theme, nil, 10)
	}
	if last, ok := trace.Last(); ok {
		data.Failures = last.Failures
	}

	prompt, err := render(constructTemplate, data)
	if err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrCodeInternal, "failed to render prompt", err)
	}
	reply, err := c.llm.Complete(ctx, systemPrompt, prompt)
	if err != nil {
		return nil, err
	}

	var r factorReply
	if err := decodeReply(reply, &r); err != nil {
		return nil, err
	}
	tasks := make([]types.FactorTask, 0, len(r.Factors))
	for _, f := range r.Factors {
		if strings.TrimSpace(f.Expression) == "" {
			continue
		}
		tasks = append(tasks, types.FactorTask{
			Name:        strings.TrimSpace(f.Name),
			Description: f.Description,
			Expression:  strings.TrimSpace(f.Expression),
		})
	}
	return tasks, nil
}

// Synthesizer rewrites failing factor expressions
type Synthesizer struct {
	llm Completer
	reg *registry.Registry
	kb  *knowledge.KnowledgeBase // optional
	log logger.Logger
}

// NewSynthesizer creates a synthesizer; reg nil uses the builtin functions and
// kb may be nil
func NewSynthesizer(llm Completer, reg *registry.Registry, kb *knowledge.KnowledgeBase) *Synthesizer {
	if reg == nil {
		reg = registry.Default()
	}
	return &Synthesizer{llm: llm, reg: reg, kb: kb, log: logger.GetGlobalLogger().WithField("component", "synthesizer")}
}

// errorSummary is the model's diagnosis of the failed attempts
type errorSummary struct {
	Cause string `json:"cause"`
	Fix   string `json:"fix"`
}

// Rewrite implements sandbox.Synthesizer. It first asks the model to diagnose
// the failed attempts, then asks for a rewrite with the diagnosis and the
// nearest library factors in the prompt.
func (s *Synthesizer) Rewrite(ctx context.Context, req sandbox.Request) (string, error) {
	data := struct {
		sandbox.Request
		Functions string
		Causes    []string
		Summary   *errorSummary
		Known     []knowledge.Match
	}{Request: req, Functions: s.reg.Describe(), Causes: failureCauses(req)}
	if s.kb != nil {
		data.Known = s.kb.Query(req.Task.Description, req.Task.Tree, 5)
	}

	summary, err := s.summarize(ctx, req, data.Causes)
	if err != nil {
		return "", err
	}
	data.Summary = summary

	prompt, err := render(rewriteTemplate, data)
	if err != nil {
		return "", apperrors.NewAppError(apperrors.ErrCodeInternal, "failed to render prompt", err)
	}
	reply, err := s.llm.Complete(ctx, systemPrompt, prompt)
	if err != nil {
		return "", err
	}

	var r struct {
		Expression string `json:"expression"`
	}
	if err := decodeReply(reply, &r); err != nil {
		return "", err
	}
	expr := strings.TrimSpace(r.Expression)
	if expr == "" {
		return "", apperrors.NewAppError(apperrors.ErrCodeLLMTransient, "llm returned an empty expression",
			fmt.Errorf("task %s round %d", req.Task.Name, req.Round))
	}
	return expr, nil
}

// summarize 汇总失败原因。无法解析的诊断不阻断改写
func (s *Synthesizer) summarize(ctx context.Context, req sandbox.Request, causes []string) (*errorSummary, error) {
	if len(causes) == 0 {
		return nil, nil
	}
	prompt, err := render(summaryTemplate, struct {
		sandbox.Request
		Causes []string
	}{Request: req, Causes: causes})
	if err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrCodeInternal, "failed to render prompt", err)
	}
	reply, err := s.llm.Complete(ctx, systemPrompt, prompt)
	if err != nil {
		return nil, err
	}
	var sum errorSummary
	if err := decodeReply(reply, &sum); err != nil || strings.TrimSpace(sum.Cause) == "" {
		s.log.Warn("Discarding unusable error summary", "task", req.Task.Name, "round", req.Round)
		return nil, nil
	}
	return &sum, nil
}

// failureCauses lists the distinct errors of the failed attempts, oldest
// first, ending with the latest one
func failureCauses(req sandbox.Request) []string {
	var causes []string
	seen := make(map[string]bool)
	add := func(msg string) {
		msg = strings.TrimSpace(msg)
		if msg == "" || seen[msg] {
			return
		}
		seen[msg] = true
		causes = append(causes, msg)
	}
	for _, rec := range req.History {
		add(rec.Error)
	}
	add(req.Error)
	return causes
}

var (
	_ loop.HypothesisGenerator = (*HypothesisGenerator)(nil)
	_ loop.FactorConstructor   = (*FactorConstructor)(nil)
	_ sandbox.Synthesizer      = (*Synthesizer)(nil)
)
