package council

import (
	"encoding/json"
	"fmt"
	"strings"
)

const rankingSystemPrompt = `You are evaluating trading decisions produced by a council of independent trading agents. Judge each decision strictly on how well it fits the market snapshot it was made for. You do not know which model produced which decision.`

const chairmanSystemPrompt = `You are the chairman of a council of trading agents. You have the council's independent decisions and their peer rankings. Weigh them, then issue the council's single final decision. You may side with the majority or overrule it when the data warrants.

Respond ONLY with valid JSON in the specified format. Do not include explanatory text outside the JSON.`

// buildRankingPrompt asks a member to rank the anonymized stage-one
// decisions, ending with the machine-parseable FINAL RANKING block
func buildRankingPrompt(userPrompt string, stage1 []StageOneResponse) string {
	var b strings.Builder
	b.WriteString("The council received this snapshot:\n\n")
	b.WriteString(userPrompt)
	b.WriteString("\n\nThe council produced these decisions:\n\n")
	b.WriteString(formatLabeledDecisions(stage1))
	b.WriteString(fmt.Sprintf(`
Rank every decision from best to worst for this snapshot. Briefly justify your ordering, then end your response with a line reading exactly "FINAL RANKING:" followed by a numbered list, best first, one decision per line:

FINAL RANKING:
1. Decision %s
2. Decision %s
...`, memberLabel(0), memberLabel(1)))
	return b.String()
}

// buildSynthesisPrompt hands the chairman both stages' transcripts
func buildSynthesisPrompt(userPrompt string, delib *Deliberation) string {
	var b strings.Builder
	b.WriteString("The council received this snapshot:\n\n")
	b.WriteString(userPrompt)
	b.WriteString("\n\nStage 1, independent decisions:\n\n")
	b.WriteString(formatLabeledDecisions(delib.Stage1))
	b.WriteString("\nStage 2, peer rankings (best first):\n\n")
	if len(delib.Stage2) == 0 {
		b.WriteString("  (no rankings were produced)\n")
	}
	for i, resp := range delib.Stage2 {
		if len(resp.Ranking) == 0 {
			b.WriteString(fmt.Sprintf("  Ranker %d: no usable ranking\n", i+1))
			continue
		}
		b.WriteString(fmt.Sprintf("  Ranker %d: %s\n", i+1, strings.Join(resp.Ranking, " > ")))
	}
	if len(delib.AggregateRankings) > 0 {
		b.WriteString("\nAggregate standing (average peer rank, lower is better):\n")
		for _, r := range delib.AggregateRankings {
			b.WriteString(fmt.Sprintf("  Decision %s: %.2f over %d votes\n", r.Label, r.AverageRank, r.Votes))
		}
	}
	b.WriteString(`
Issue the council's final decision as a JSON object of exactly this shape:
{
  "action": "LONG" | "SHORT" | "CLOSE" | "HOLD",
  "reasoning": "the council's synthesized rationale",
  "size_percentage": number between 0 and 1,
  "leverage": integer between 1 and 5,
  "entry_price": number (optional),
  "stop_loss_price": number (optional),
  "take_profit_price": number (optional)
}`)
	return b.String()
}

func formatLabeledDecisions(stage1 []StageOneResponse) string {
	var b strings.Builder
	for _, s := range stage1 {
		payload, err := json.Marshal(s.Decision)
		if err != nil {
			continue
		}
		b.WriteString(fmt.Sprintf("Decision %s:\n%s\n\n", s.Label, payload))
	}
	return b.String()
}
