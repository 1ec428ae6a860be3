package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quantfold/agentsim/internal/council"
	"github.com/quantfold/agentsim/internal/db"
	"github.com/quantfold/agentsim/internal/llm"
	"github.com/quantfold/agentsim/internal/metrics"
	"github.com/quantfold/agentsim/internal/position"
	"github.com/quantfold/agentsim/internal/stream"
	"github.com/quantfold/agentsim/pkg/ohlcv"
)

// decide produces the decision for candle i. Scheduled calls while flat
// are skipped entirely in dead markets; everything else goes to the
// decider, which degrades to HOLD on its own failures.
func (rt *Runtime) decide(ctx context.Context, i int, candle ohlcv.Candle, vals map[string]*float64, reason string) *llm.Decision {
	if reason == "" && !rt.hasPosition() && rt.lowVolatility(i) {
		rt.log.Debug().Int("candle_index", i).Msg("Low volatility, decision skipped")
		return llm.HoldDecision("low volatility, decision skipped")
	}

	thinking := map[string]interface{}{
		"candle_index": i,
		"model":        rt.agent.Model,
		"council":      rt.agent.CouncilEnabled,
	}
	if reason != "" {
		thinking["forced_review"] = reason
	}
	rt.emit(stream.EventAIThinking, thinking)

	decision := rt.decider.Decide(ctx, rt.decideInput(i, candle, vals))
	metrics.RecordDecision(decision.Action)
	return decision
}

func (rt *Runtime) hasPosition() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.manager.HasPosition()
}

// decideInput assembles the market snapshot for one decide call: the
// current candle with its indicators, a bounded window of recent
// history, and the account state.
func (rt *Runtime) decideInput(i int, candle ohlcv.Candle, vals map[string]*float64) llm.DecideInput {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	start := i - recentWindow
	if start < 0 {
		start = 0
	}
	recent := make([]ohlcv.Candle, i-start)
	copy(recent, rt.candles[start:i])

	recentVals := make([]map[string]*float64, 0, len(recent))
	for j := start; j < i; j++ {
		if v, err := rt.pipeline.ValuesAt(j); err == nil {
			recentVals = append(recentVals, v)
		}
	}

	in := llm.DecideInput{
		Candle:           candle,
		Indicators:       vals,
		Equity:           rt.manager.EquityWithUnrealized(),
		RecentCandles:    recent,
		RecentIndicators: recentVals,
		Context: llm.DecisionContext{
			Mode:          rt.agent.Mode,
			SessionType:   string(rt.session.Type),
			AllowLeverage: rt.sc.AllowLeverage,
			MaxLeverage:   rt.sc.MaxLeverage,
		},
	}
	if p := rt.manager.Position(); p != nil {
		cp := *p
		in.Position = &cp
	}
	return in
}

// journalDecision appends the decision to the in-memory journal. Council
// transcripts ride along when the decider attached one.
func (rt *Runtime) journalDecision(i int, candle ohlcv.Candle, vals map[string]*float64, d *llm.Decision) *db.AiThought {
	candleJSON, _ := json.Marshal(candle)
	indicatorsJSON, _ := json.Marshal(vals)

	entry := &db.AiThought{
		ID:           uuid.New(),
		SessionID:    rt.sessionID,
		CandleNumber: i,
		Timestamp:    candle.Timestamp,
		Candle:       candleJSON,
		Indicators:   indicatorsJSON,
		Reasoning:    d.Reasoning,
		Decision:     d.Action,
		CreatedAt:    time.Now().UTC(),
	}

	if d.Action == llm.ActionLong || d.Action == llm.ActionShort {
		order := map[string]interface{}{
			"size_percentage": d.SizePercentage,
			"leverage":        d.Leverage,
		}
		if d.EntryPrice != nil {
			order["entry_price"] = *d.EntryPrice
		}
		if d.StopLossPrice != nil {
			order["stop_loss_price"] = *d.StopLossPrice
		}
		if d.TakeProfitPrice != nil {
			order["take_profit_price"] = *d.TakeProfitPrice
		}
		entry.OrderData, _ = json.Marshal(order)
	}

	if delib := deliberationOf(d); delib != nil {
		entry.CouncilStage1, _ = json.Marshal(delib.Stage1)
		entry.CouncilStage2, _ = json.Marshal(delib.Stage2)
		entry.CouncilMetadata, _ = json.Marshal(map[string]interface{}{
			"label_models":       delib.LabelModels,
			"aggregate_rankings": delib.AggregateRankings,
			"chairman":           delib.Chairman,
			"started_at":         delib.StartedAt,
			"completed_at":       delib.CompletedAt,
		})
	}

	rt.mu.Lock()
	rt.journal = append(rt.journal, entry)
	rt.mu.Unlock()
	return entry
}

// deliberationOf extracts the council transcript from a decision, if any.
func deliberationOf(d *llm.Decision) *council.Deliberation {
	raw, ok := d.Context[council.ContextKey]
	if !ok {
		return nil
	}
	delib, _ := raw.(*council.Deliberation)
	return delib
}

// emitDecision streams the decision with its journal id so consumers can
// correlate the stored entry.
func (rt *Runtime) emitDecision(i int, entry *db.AiThought, d *llm.Decision) {
	data := map[string]interface{}{
		"candle_index": i,
		"thought_id":   entry.ID.String(),
		"action":       d.Action,
		"reasoning":    d.Reasoning,
	}
	if d.Action == llm.ActionLong || d.Action == llm.ActionShort {
		data["size_percentage"] = d.SizePercentage
		data["leverage"] = d.Leverage
		if d.EntryPrice != nil {
			data["entry_price"] = *d.EntryPrice
		}
		if d.StopLossPrice != nil {
			data["stop_loss_price"] = *d.StopLossPrice
		}
		if d.TakeProfitPrice != nil {
			data["take_profit_price"] = *d.TakeProfitPrice
		}
	}
	if delib := deliberationOf(d); delib != nil {
		data["council"] = delib
	}
	rt.emit(stream.EventAIDecision, data)
}

// executeDecision applies the decision to position state. Entry decisions
// with an explicit price register a pending order instead of filling
// immediately; any non-HOLD decision supersedes a prior pending order.
func (rt *Runtime) executeDecision(ctx context.Context, i int, candle ohlcv.Candle, d *llm.Decision) error {
	switch d.Action {
	case llm.ActionHold:
		return nil

	case llm.ActionClose:
		rt.clearPending()
		return rt.closeOpenPosition(ctx, i, candle.Close, candle.Timestamp, position.CloseAIDecision)

	case llm.ActionLong, llm.ActionShort:
		rt.clearPending()
		if rt.hasPosition() {
			rt.log.Warn().
				Int("candle_index", i).
				Str("action", d.Action).
				Msg("Entry decision ignored, position already open")
			return nil
		}
		return rt.openFromDecision(i, candle, d)

	default:
		rt.log.Warn().Str("action", d.Action).Msg("Unknown decision action treated as HOLD")
		return nil
	}
}

func (rt *Runtime) clearPending() {
	rt.mu.Lock()
	rt.pending = nil
	rt.mu.Unlock()
}

func (rt *Runtime) openFromDecision(i int, candle ohlcv.Candle, d *llm.Decision) error {
	side := position.SideLong
	if d.Action == llm.ActionShort {
		side = position.SideShort
	}
	lev := rt.clampLeverage(d.Leverage)

	var sl, tp float64
	if d.StopLossPrice != nil {
		sl = *d.StopLossPrice
	}
	if d.TakeProfitPrice != nil {
		tp = *d.TakeProfitPrice
	}

	if d.EntryPrice != nil && *d.EntryPrice > 0 {
		pending := &PendingOrder{
			Side:        side,
			EntryPrice:  *d.EntryPrice,
			SizePct:     d.SizePercentage,
			Leverage:    lev,
			StopLoss:    sl,
			TakeProfit:  tp,
			CandleIndex: i,
			CreatedAt:   time.Now().UTC(),
		}
		rt.mu.Lock()
		rt.pending = pending
		rt.mu.Unlock()
		rt.log.Info().
			Int("candle_index", i).
			Str("side", string(side)).
			Float64("entry_price", pending.EntryPrice).
			Msg("Pending order registered")
		return nil
	}

	rt.mu.Lock()
	pos, err := rt.manager.Open(position.OpenParams{
		Side:       side,
		EntryPrice: candle.Close,
		SizePct:    d.SizePercentage,
		Leverage:   lev,
		StopLoss:   sl,
		TakeProfit: tp,
		Time:       candle.Timestamp,
	})
	rt.mu.Unlock()
	if err != nil {
		rt.log.Warn().Err(err).Int("candle_index", i).Msg("Entry decision rejected")
		return nil
	}
	rt.emitPositionOpened(i, pos, "ai_decision")
	return nil
}

// clampLeverage bounds a requested leverage to the session's policy.
func (rt *Runtime) clampLeverage(lev int) int {
	if lev < 1 {
		lev = 1
	}
	max := rt.sc.MaxLeverage
	if !rt.sc.AllowLeverage {
		max = 1
	}
	if lev > max {
		lev = max
	}
	return lev
}

// defaultDeciderFactory builds the session's decider from the agent's
// configuration: a single client, or a council when deliberation is
// enabled. The second return is the client used for journal embeddings.
func (e *Engine) defaultDeciderFactory(ctx context.Context, rt *Runtime) (llm.Decider, *llm.Client, error) {
	apiKey, err := e.resolveCredential(ctx, rt)
	if err != nil {
		return nil, nil, err
	}

	base := llm.ClientConfig{
		BaseURL:        e.cfg.LLM.BaseURL,
		APIKey:         apiKey,
		Mode:           rt.agent.Mode,
		Strategy:       rt.agent.StrategyPrompt,
		Temperature:    e.cfg.LLM.Temperature,
		MaxTokens:      e.cfg.LLM.MaxTokens,
		Timeout:        ms(e.cfg.LLM.Timeout),
		MaxRetries:     e.cfg.LLM.MaxRetries,
		RetryBaseDelay: ms(e.cfg.LLM.RetryBaseDelay),
		RetryMaxDelay:  ms(e.cfg.LLM.RetryMaxDelay),
	}

	model := rt.agent.Model
	if model == "" {
		model = e.cfg.LLM.DefaultModel
	}
	primaryCfg := base
	primaryCfg.Model = model
	primary := llm.NewClient(primaryCfg)

	if !rt.agent.CouncilEnabled {
		return primary, primary, nil
	}

	models := []string{model}
	for _, m := range rt.agent.CouncilModels {
		if m != "" && !containsString(models, m) {
			models = append(models, m)
		}
	}
	members := make([]*llm.Client, 0, len(models))
	for _, m := range models {
		mc := base
		mc.Model = m
		members = append(members, llm.NewClient(mc))
	}

	var chairman *llm.Client
	chairModel := ""
	if rt.agent.CouncilChairman != nil {
		chairModel = *rt.agent.CouncilChairman
	}
	if chairModel == "" {
		chairModel = e.cfg.Council.ChairmanModel
	}
	if chairModel != "" {
		for _, m := range members {
			if m.Model() == chairModel {
				chairman = m
				break
			}
		}
		if chairman == nil {
			cc := base
			cc.Model = chairModel
			chairman = llm.NewClient(cc)
		}
	}

	c := council.New(members, chairman, council.Config{
		Mode:           rt.agent.Mode,
		Strategy:       rt.agent.StrategyPrompt,
		StageStagger:   ms(e.cfg.Council.StageStagger),
		StageCooldown:  ms(e.cfg.Council.StageCooldown),
		GlobalCooldown: ms(e.cfg.Council.GlobalCooldown),
		Logger:         rt.log,
	})
	return c, primary, nil
}

// resolveCredential decrypts the agent's stored key, falling back to the
// service-level key when the agent references none.
func (e *Engine) resolveCredential(ctx context.Context, rt *Runtime) (string, error) {
	if rt.agent.ApiKeyID == nil {
		if e.cfg.LLM.APIKey == "" {
			return "", &ValidationError{
				Field:   "api_key",
				Message: "agent has no credential and no fallback key is configured",
			}
		}
		return e.cfg.LLM.APIKey, nil
	}

	row, err := e.store.GetApiKey(ctx, *rt.agent.ApiKeyID)
	if err != nil {
		return "", err
	}
	plain, err := e.cipher.Open(row.EncryptedBlob)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt credential: %w", err)
	}
	_ = e.store.TouchApiKey(ctx, row.ID)
	return string(plain), nil
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
