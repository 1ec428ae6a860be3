package council

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/quantfold/agentsim/internal/llm"
	"github.com/quantfold/agentsim/internal/metrics"
)

// Config tunes deliberation pacing
type Config struct {
	// Mode and Strategy shape the shared decision prompt
	Mode     string
	Strategy string

	// StageStagger delays free-tier member launches within a stage
	StageStagger time.Duration
	// StageCooldown is the pause between stages, doubled when the
	// council contains free-tier members
	StageCooldown time.Duration
	// GlobalCooldown is the minimum gap between deliberations,
	// enforced process-wide across every council instance
	GlobalCooldown time.Duration

	Logger zerolog.Logger
}

// Council produces one decision from N member models plus a chairman.
// The first member is the agent's own model.
type Council struct {
	members  []*llm.Client
	chairman *llm.Client
	cfg      Config
	log      zerolog.Logger
}

// deliberations across the whole process share one pacing clock
var (
	cooldownMu       sync.Mutex
	lastDeliberation time.Time
)

// New creates a council. A nil chairman defaults to the first member.
func New(members []*llm.Client, chairman *llm.Client, cfg Config) *Council {
	if chairman == nil && len(members) > 0 {
		chairman = members[0]
	}
	return &Council{
		members:  members,
		chairman: chairman,
		cfg:      cfg,
		log:      cfg.Logger.With().Str("component", "council").Logger(),
	}
}

// Decide runs the three-stage deliberation. Like the single-model
// client it never fails: a fully rate-limited stage one produces a
// HOLD, and a failed chairman falls back to the top-ranked member
// decision.
func (c *Council) Decide(ctx context.Context, in llm.DecideInput) *llm.Decision {
	if len(c.members) == 0 {
		return llm.HoldDecision("council has no members")
	}
	if err := waitGlobalCooldown(ctx, c.cfg.GlobalCooldown); err != nil {
		return llm.HoldDecision("deliberation canceled")
	}

	delib := &Deliberation{
		StartedAt:   time.Now().UTC(),
		LabelModels: make(map[string]string),
	}
	systemPrompt := llm.BuildSystemPrompt(c.cfg.Mode, c.cfg.Strategy)
	userPrompt := llm.BuildUserPrompt(in)

	stage1 := c.runIndependentStage(ctx, systemPrompt, userPrompt, in.Context)
	if len(stage1) == 0 {
		c.log.Warn().Int("members", len(c.members)).Msg("No council member produced a decision")
		return llm.HoldDecision("rate limited")
	}
	// labels are assigned to successful responses, fresh every
	// deliberation, and never revealed to the models themselves
	for i := range stage1 {
		stage1[i].Label = memberLabel(i)
		delib.LabelModels[stage1[i].Label] = stage1[i].Model
	}
	delib.Stage1 = stage1

	c.pauseBetweenStages(ctx)

	delib.Stage2 = c.runRankingStage(ctx, userPrompt, stage1, delib.LabelModels)
	delib.AggregateRankings = aggregateRankings(delib.Stage2, delib.LabelModels)

	c.pauseBetweenStages(ctx)

	decision := c.runSynthesisStage(ctx, userPrompt, delib, in.Context)
	delib.CompletedAt = time.Now().UTC()
	metrics.CouncilDeliberations.Inc()

	// attach the transcript to a copy so the transcript's own copy of
	// the decision does not point back at itself
	final := *decision
	final.Context = map[string]interface{}{ContextKey: delib}

	c.log.Info().
		Str("action", final.Action).
		Int("stage1_responses", len(delib.Stage1)).
		Int("stage2_rankings", len(delib.Stage2)).
		Msg("Council deliberation complete")

	return &final
}

// runIndependentStage queries every member concurrently and keeps the
// responses that parse into decisions. Member failures are logged and
// counted, never fatal.
func (c *Council) runIndependentStage(ctx context.Context, systemPrompt, userPrompt string, dctx llm.DecisionContext) []StageOneResponse {
	results := make([]*StageOneResponse, len(c.members))

	g, gctx := errgroup.WithContext(ctx)
	for i, member := range c.members {
		g.Go(func() error {
			if delay := c.launchDelay(i, member.Model()); delay > 0 {
				select {
				case <-gctx.Done():
					return nil
				case <-time.After(delay):
				}
			}

			req := llm.ChatRequest{
				Model: member.Model(),
				Messages: []llm.ChatMessage{
					{Role: "system", Content: systemPrompt},
					{Role: "user", Content: userPrompt},
				},
				ResponseFormat: &llm.ResponseFormat{Type: "json_object"},
			}
			resp, err := member.Complete(gctx, req)
			if err != nil {
				c.log.Warn().Err(err).Str("member", member.Model()).Msg("Council member failed in stage one")
				metrics.RecordCouncilStageFailure(StageIndependent)
				return nil
			}

			decision, err := llm.ParseDecision(resp.Content(), dctx)
			if err != nil {
				c.log.Warn().Err(err).Str("member", member.Model()).Msg("Council member response unusable in stage one")
				metrics.RecordCouncilStageFailure(StageIndependent)
				return nil
			}

			results[i] = &StageOneResponse{
				Model:    member.Model(),
				Raw:      resp.Content(),
				Decision: decision,
			}
			return nil
		})
	}
	_ = g.Wait()

	var collected []StageOneResponse
	for _, r := range results {
		if r != nil {
			collected = append(collected, *r)
		}
	}
	return collected
}

// runRankingStage asks every member to rank the anonymized stage-one
// decisions. Unparseable rankings keep their raw text with an empty
// ranking so the transcript still shows what came back.
func (c *Council) runRankingStage(ctx context.Context, userPrompt string, stage1 []StageOneResponse, labelModels map[string]string) []StageTwoResponse {
	rankingPrompt := buildRankingPrompt(userPrompt, stage1)
	results := make([]*StageTwoResponse, len(c.members))

	g, gctx := errgroup.WithContext(ctx)
	for i, member := range c.members {
		g.Go(func() error {
			if delay := c.launchDelay(i, member.Model()); delay > 0 {
				select {
				case <-gctx.Done():
					return nil
				case <-time.After(delay):
				}
			}

			req := llm.ChatRequest{
				Model: member.Model(),
				Messages: []llm.ChatMessage{
					{Role: "system", Content: rankingSystemPrompt},
					{Role: "user", Content: rankingPrompt},
				},
			}
			resp, err := member.Complete(gctx, req)
			if err != nil {
				c.log.Warn().Err(err).Str("member", member.Model()).Msg("Council member failed in stage two")
				metrics.RecordCouncilStageFailure(StageRanking)
				return nil
			}

			ranking := parseRanking(resp.Content(), labelModels)
			if len(ranking) == 0 {
				c.log.Warn().Str("member", member.Model()).Msg("Council member ranking had no FINAL RANKING section")
				metrics.RecordCouncilStageFailure(StageRanking)
			}
			results[i] = &StageTwoResponse{
				Model:   member.Model(),
				Raw:     resp.Content(),
				Ranking: ranking,
			}
			return nil
		})
	}
	_ = g.Wait()

	var collected []StageTwoResponse
	for _, r := range results {
		if r != nil {
			collected = append(collected, *r)
		}
	}
	return collected
}

// runSynthesisStage asks the chairman for the final decision. When the
// chairman fails the council degrades to its top-ranked member decision
// rather than losing the deliberation.
func (c *Council) runSynthesisStage(ctx context.Context, userPrompt string, delib *Deliberation, dctx llm.DecisionContext) *llm.Decision {
	record := &ChairmanRecord{Model: c.chairman.Model()}
	delib.Chairman = record

	req := llm.ChatRequest{
		Model: c.chairman.Model(),
		Messages: []llm.ChatMessage{
			{Role: "system", Content: chairmanSystemPrompt},
			{Role: "user", Content: buildSynthesisPrompt(userPrompt, delib)},
		},
		ResponseFormat: &llm.ResponseFormat{Type: "json_object"},
	}

	resp, err := c.chairman.Complete(ctx, req)
	if err == nil {
		record.Raw = resp.Content()
		decision, perr := llm.ParseDecision(resp.Content(), dctx)
		if perr == nil {
			return decision
		}
		record.Error = perr.Error()
	} else {
		record.Error = err.Error()
	}

	metrics.RecordCouncilStageFailure(StageSynthesis)
	c.log.Warn().
		Str("chairman", c.chairman.Model()).
		Str("error", record.Error).
		Msg("Chairman synthesis failed, using top-ranked member decision")

	return c.fallbackDecision(delib)
}

// fallbackDecision picks the stage-one decision ranked best by the
// aggregate standings, or the first response when nothing was ranked
func (c *Council) fallbackDecision(delib *Deliberation) *llm.Decision {
	if len(delib.AggregateRankings) > 0 {
		best := delib.AggregateRankings[0].Label
		for _, s := range delib.Stage1 {
			if s.Label == best {
				return s.Decision
			}
		}
	}
	return delib.Stage1[0].Decision
}

// launchDelay staggers free-tier members so a stage does not open with
// a burst the gateway rejects wholesale
func (c *Council) launchDelay(index int, model string) time.Duration {
	if index == 0 || c.cfg.StageStagger <= 0 {
		return 0
	}
	if !isFreeTier(model) {
		return 0
	}
	return time.Duration(index) * c.cfg.StageStagger
}

// pauseBetweenStages sleeps the configured cooldown, doubled when any
// member is free-tier
func (c *Council) pauseBetweenStages(ctx context.Context) {
	cooldown := c.cfg.StageCooldown
	if cooldown <= 0 {
		return
	}
	for _, m := range c.members {
		if isFreeTier(m.Model()) {
			cooldown *= 2
			break
		}
	}
	select {
	case <-ctx.Done():
	case <-time.After(cooldown):
	}
}

func isFreeTier(model string) bool {
	return strings.Contains(model, ":free")
}

// waitGlobalCooldown spaces deliberations process-wide. The mutex is
// held while waiting so concurrent sessions queue.
func waitGlobalCooldown(ctx context.Context, gap time.Duration) error {
	cooldownMu.Lock()
	defer cooldownMu.Unlock()

	if gap > 0 {
		if wait := gap - time.Since(lastDeliberation); wait > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
	}
	lastDeliberation = time.Now()
	return nil
}

// Ensure Council satisfies the decision contract
var _ llm.Decider = (*Council)(nil)
