package intent

import (
	"reflect"
	"testing"
)

func TestClassifyPriority(t *testing.T) {
	c := NewClassifier(nil, nil)
	cases := []struct {
		text string
		want Path
	}{
		{"Launch a new token called BLOOM", PathCreation},
		{"create a prediction market on the ETH merge", PathCreation},
		{"bet on the Lakers tonight", PathEventBetting},
		{"Buy yes shares on polymarket", PathEventBetting},
		{"swap 100 USDC to ETH", PathExecution},
		{"open a long position on SOL", PathExecution},
		{"what if I rebalance into stables", PathPlanning},
		{"what is the price of ETH", PathResearch},
		{"", PathResearch},
	}
	for _, tc := range cases {
		if got := c.Classify(tc.text); got != tc.want {
			t.Errorf("Classify(%q) = %s, want %s", tc.text, got, tc.want)
		}
	}
}

func TestClassifyWithValidationLeverageInBet(t *testing.T) {
	c := NewClassifier(nil, nil)
	result := c.ClassifyWithValidation("Bet on BTC long 5x")
	if result.Path != PathResearch {
		t.Fatalf("expected research fallback, got %s", result.Path)
	}
	if result.Mismatch == nil {
		t.Fatal("expected mismatch")
	}
	if result.Mismatch.DetectedPath != PathEventBetting || result.Mismatch.SuggestedPath != PathPlanning {
		t.Fatalf("unexpected mismatch %+v", result.Mismatch)
	}
	if !reflect.DeepEqual(result.Mismatch.ConflictingKeywords, []string{"5x", "long"}) {
		t.Fatalf("unexpected keywords %v", result.Mismatch.ConflictingKeywords)
	}
}

func TestClassifyWithValidationBettingInExecution(t *testing.T) {
	c := NewClassifier(nil, nil)
	result := c.ClassifyWithValidation("buy ETH, the odds look good, wager 200")
	if result.Mismatch == nil || result.Mismatch.SuggestedPath != PathEventBetting {
		t.Fatalf("expected betting conflict, got %+v", result)
	}
	if !reflect.DeepEqual(result.Mismatch.ConflictingKeywords, []string{"wager", "odds"}) {
		t.Fatalf("unexpected keywords %v", result.Mismatch.ConflictingKeywords)
	}
}

func TestClassifyWithValidationCleanText(t *testing.T) {
	c := NewClassifier(nil, nil)
	result := c.ClassifyWithValidation("Swap 50 USDC for WETH on Base")
	if result.Path != PathExecution || result.Mismatch != nil {
		t.Fatalf("unexpected classification %+v", result)
	}
}

func TestCustomRules(t *testing.T) {
	rules := []Rule{{Path: PathPlanning, Patterns: compile(`\bdca\b`)}}
	c := NewClassifier(rules, map[Path]Blacklist{})
	if got := c.Classify("set up a DCA into ETH"); got != PathPlanning {
		t.Fatalf("expected planning, got %s", got)
	}
	if got := c.Classify("swap now"); got != PathResearch {
		t.Fatalf("custom table should replace defaults, got %s", got)
	}
}
