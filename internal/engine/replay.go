package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/quantfold/agentsim/internal/db"
	"github.com/quantfold/agentsim/internal/stream"
	"github.com/quantfold/agentsim/pkg/ohlcv"
)

// Replay streams a session's processed history to a fresh subscriber and
// then switches it live. Consumers joining a session mid-run see the
// chart and the decision trail rebuild before live events resume. With
// no active runtime there is nothing to replay.
func (e *Engine) Replay(ctx context.Context, sessionID string, sub *stream.Subscriber) error {
	id, err := uuid.Parse(sessionID)
	if err != nil {
		e.hub.Activate(sub)
		return nil
	}

	rt, ok := e.Runtime(id)
	if !ok {
		e.hub.Activate(sub)
		return nil
	}

	if err := rt.replayTo(ctx, sub); err != nil {
		return err
	}
	e.hub.Activate(sub)
	return nil
}

// replayTo sends the processed candles and the decision journal to one
// subscriber in batches. The snapshot is taken once; events published
// while the replay runs are held back by the hub until activation.
func (rt *Runtime) replayTo(ctx context.Context, sub *stream.Subscriber) error {
	rt.mu.Lock()
	n := rt.currentIndex
	if n > len(rt.candles) {
		n = len(rt.candles)
	}
	candles := make([]ohlcv.Candle, n)
	copy(candles, rt.candles[:n])
	pipeline := rt.pipeline
	journal := make([]*db.AiThought, len(rt.journal))
	copy(journal, rt.journal)
	total := len(rt.candles)
	rt.mu.Unlock()

	batch := rt.cfg.Engine.ReplayBatchSize
	if batch <= 0 {
		batch = 200
	}
	delay := ms(rt.cfg.Engine.ReplayBatchDelay)

	sent := 0
	pace := func() {
		sent++
		if sent%batch == 0 && delay > 0 {
			time.Sleep(delay)
		}
	}

	for i, candle := range candles {
		if err := ctx.Err(); err != nil {
			return err
		}
		data := map[string]interface{}{
			"index":  i,
			"total":  total,
			"candle": candle,
		}
		if pipeline != nil && i >= rt.decisionStart {
			if vals, err := pipeline.ValuesAt(i); err == nil {
				data["indicators"] = vals
			}
		}
		if err := rt.hub.SendTo(sub, stream.NewEvent(stream.EventCandle, data)); err != nil {
			return err
		}
		pace()
	}

	for _, entry := range journal {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := rt.hub.SendTo(sub, stream.NewEvent(stream.EventAIDecision, replayDecisionData(entry))); err != nil {
			return err
		}
		pace()
	}
	return nil
}

// replayDecisionData rebuilds the ai_decision payload from a journal row.
func replayDecisionData(entry *db.AiThought) map[string]interface{} {
	data := map[string]interface{}{
		"candle_index": entry.CandleNumber,
		"thought_id":   entry.ID.String(),
		"action":       entry.Decision,
		"reasoning":    entry.Reasoning,
	}
	if len(entry.OrderData) > 0 {
		var order map[string]interface{}
		if err := json.Unmarshal(entry.OrderData, &order); err == nil {
			for k, v := range order {
				data[k] = v
			}
		}
	}
	if len(entry.CouncilStage1) > 0 || len(entry.CouncilStage2) > 0 {
		c := map[string]interface{}{}
		if len(entry.CouncilStage1) > 0 {
			c["stage1"] = json.RawMessage(entry.CouncilStage1)
		}
		if len(entry.CouncilStage2) > 0 {
			c["stage2"] = json.RawMessage(entry.CouncilStage2)
		}
		if len(entry.CouncilMetadata) > 0 {
			c["metadata"] = json.RawMessage(entry.CouncilMetadata)
		}
		data["council"] = c
	}
	return data
}
