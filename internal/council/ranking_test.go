package council

import (
	"testing"
)

func TestMemberLabel(t *testing.T) {
	tests := []struct {
		i    int
		want string
	}{
		{0, "A"},
		{1, "B"},
		{2, "C"},
		{25, "Z"},
		{26, "AA"},
		{27, "AB"},
	}
	for _, tt := range tests {
		if got := memberLabel(tt.i); got != tt.want {
			t.Errorf("memberLabel(%d): expected %s, got %s", tt.i, tt.want, got)
		}
	}
}

func TestParseRanking(t *testing.T) {
	valid := map[string]string{"A": "m1", "B": "m2", "C": "m3"}

	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{
			name: "Clean trailing ranking",
			raw:  "B fits the trend best.\n\nFINAL RANKING:\n1. Decision B\n2. Decision A\n3. Decision C",
			want: []string{"B", "A", "C"},
		},
		{
			name: "Case insensitive marker and labels",
			raw:  "analysis...\nfinal ranking:\n1. decision b\n2. decision a",
			want: []string{"B", "A"},
		},
		{
			name: "Last marker wins when restated",
			raw:  "FINAL RANKING:\n1. Decision A\n\nWait, revising.\n\nFINAL RANKING:\n1. Decision C\n2. Decision A",
			want: []string{"C", "A"},
		},
		{
			name: "Unknown labels skipped",
			raw:  "FINAL RANKING:\n1. Decision X\n2. Decision B\n3. Decision A",
			want: []string{"B", "A"},
		},
		{
			name: "Duplicates keep first position",
			raw:  "FINAL RANKING:\n1. Decision A\n2. Decision A\n3. Decision B",
			want: []string{"A", "B"},
		},
		{
			name: "No marker",
			raw:  "I rank B first, then A.",
			want: nil,
		},
		{
			name: "Marker with no parseable lines",
			raw:  "FINAL RANKING:\nthe best one is clearly B",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseRanking(tt.raw, valid)
			if len(got) != len(tt.want) {
				t.Fatalf("Expected %v, got %v", tt.want, got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("Expected %v, got %v", tt.want, got)
				}
			}
		})
	}
}

func TestAggregateRankings(t *testing.T) {
	labelModels := map[string]string{"A": "m1", "B": "m2", "C": "m3"}
	stage2 := []StageTwoResponse{
		{Model: "m1", Ranking: []string{"B", "A", "C"}},
		{Model: "m2", Ranking: []string{"B", "C", "A"}},
		{Model: "m3", Ranking: []string{"A", "B", "C"}},
	}

	ranks := aggregateRankings(stage2, labelModels)
	if len(ranks) != 3 {
		t.Fatalf("Expected 3 aggregate entries, got %d", len(ranks))
	}

	// B: (1+1+2)/3 = 1.33, A: (2+3+1)/3 = 2, C: (3+2+3)/3 = 2.67
	if ranks[0].Label != "B" {
		t.Errorf("Expected B first, got %s", ranks[0].Label)
	}
	if ranks[1].Label != "A" {
		t.Errorf("Expected A second, got %s", ranks[1].Label)
	}
	if ranks[2].Label != "C" {
		t.Errorf("Expected C third, got %s", ranks[2].Label)
	}
	if ranks[0].Votes != 3 {
		t.Errorf("Expected 3 votes for B, got %d", ranks[0].Votes)
	}
	if ranks[0].Model != "m2" {
		t.Errorf("Expected model m2 for label B, got %s", ranks[0].Model)
	}
}

func TestAggregateRankings_TieBreaksAlphabetically(t *testing.T) {
	labelModels := map[string]string{"A": "m1", "B": "m2"}
	stage2 := []StageTwoResponse{
		{Model: "m1", Ranking: []string{"A", "B"}},
		{Model: "m2", Ranking: []string{"B", "A"}},
	}

	ranks := aggregateRankings(stage2, labelModels)
	if ranks[0].Label != "A" || ranks[1].Label != "B" {
		t.Errorf("Expected alphabetical tie-break [A B], got [%s %s]", ranks[0].Label, ranks[1].Label)
	}
}

func TestAggregateRankings_EmptyStageTwo(t *testing.T) {
	if ranks := aggregateRankings(nil, map[string]string{"A": "m1"}); len(ranks) != 0 {
		t.Errorf("Expected no aggregate entries, got %d", len(ranks))
	}
}
