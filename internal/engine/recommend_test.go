package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/driftline/spotwatch/internal/models"
	"github.com/driftline/spotwatch/internal/utils"
)

func TestRuleEngineRecommend(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	if err := os.WriteFile(path, []byte(`rules:
  - id: night-stress
    match:
      features:
        family_stress_max: 0.7
      pools: ["p1"]
    recommendation: switch
  - id: panic
    match:
      min_risk: 0.99
    recommendation: emergency_failover
`), 0644); err != nil {
		t.Fatalf("write rules: %v", err)
	}

	engine, err := NewRuleEngine(path, utils.DiscardLogger())
	if err != nil {
		t.Fatalf("new rule engine: %v", err)
	}

	fv := models.FeatureVector{PoolID: "p1", FamilyStressMax: 0.75}
	if got := engine.Recommend(0.1, fv); got != models.RecommendSwitch {
		t.Fatalf("expected switch, got %s", got)
	}
	if got := engine.Recommend(0.995, fv); got != models.RecommendEmergencyFailover {
		t.Fatalf("most severe rule should win, got %s", got)
	}
	fv.PoolID = "p2"
	if got := engine.Recommend(0.1, fv); got != models.RecommendHold {
		t.Fatalf("pool filter ignored, got %s", got)
	}
}

func TestRuleEngineNoFileUsesDefaults(t *testing.T) {
	engine, err := NewRuleEngine("non-existent", utils.DiscardLogger())
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if got := engine.Recommend(0.2, models.FeatureVector{StressXShallowDiscount: 0.81}); got != models.RecommendSwitch {
		t.Fatalf("default pack should switch on shallow discount under stress, got %s", got)
	}
	if got := engine.Recommend(0.2, models.FeatureVector{}); got != models.RecommendHold {
		t.Fatalf("expected hold, got %s", got)
	}
}

func TestParseRulesRejectsUnknownFeature(t *testing.T) {
	_, err := ParseRules([]byte(`rules:
  - id: typo
    match:
      features:
        stress_x_typo: 0.5
    recommendation: switch
`))
	if err == nil {
		t.Fatalf("expected error for unknown feature")
	}
}

func TestShippedRulePackParses(t *testing.T) {
	engine, err := NewRuleEngine(filepath.Join("..", "..", "configs", "rules", "default.yaml"), utils.DiscardLogger())
	if err != nil {
		t.Fatalf("load shipped rules: %v", err)
	}
	if len(engine.rules) == 0 {
		t.Fatalf("shipped rule pack is empty")
	}
}
