package council

import (
	"regexp"
	"sort"
	"strings"
)

var (
	finalRankingRe = regexp.MustCompile(`(?i)FINAL RANKING:`)
	rankLineRe     = regexp.MustCompile(`(?i)\d+\.\s*Decision\s+([A-Z])`)
)

// memberLabel maps member index 0,1,2,... to A,B,C,...
func memberLabel(i int) string {
	label := string(rune('A' + i%26))
	for i >= 26 {
		i = i/26 - 1
		label = string(rune('A'+i%26)) + label
	}
	return label
}

// parseRanking extracts the ranking from the trailing FINAL RANKING
// section of a stage-two response. Only labels that were actually
// assigned count; duplicates keep their first position.
func parseRanking(raw string, valid map[string]string) []string {
	marks := finalRankingRe.FindAllStringIndex(raw, -1)
	if len(marks) == 0 {
		return nil
	}
	tail := raw[marks[len(marks)-1][0]:]

	var ranking []string
	seen := make(map[string]bool)
	for _, m := range rankLineRe.FindAllStringSubmatch(tail, -1) {
		label := strings.ToUpper(m[1])
		if _, ok := valid[label]; !ok || seen[label] {
			continue
		}
		seen[label] = true
		ranking = append(ranking, label)
	}
	return ranking
}

// aggregateRankings averages each label's peer-assigned position across
// all parsed rankings and orders labels best (lowest average) first.
// Ties break alphabetically so the report is deterministic.
func aggregateRankings(stage2 []StageTwoResponse, labelModels map[string]string) []AggregateRank {
	positions := make(map[string][]int)
	for _, resp := range stage2 {
		for pos, label := range resp.Ranking {
			positions[label] = append(positions[label], pos+1)
		}
	}

	var ranks []AggregateRank
	for label, ps := range positions {
		sum := 0
		for _, p := range ps {
			sum += p
		}
		ranks = append(ranks, AggregateRank{
			Label:       label,
			Model:       labelModels[label],
			AverageRank: float64(sum) / float64(len(ps)),
			Votes:       len(ps),
		})
	}

	sort.Slice(ranks, func(i, j int) bool {
		if ranks[i].AverageRank != ranks[j].AverageRank {
			return ranks[i].AverageRank < ranks[j].AverageRank
		}
		return ranks[i].Label < ranks[j].Label
	})
	return ranks
}
