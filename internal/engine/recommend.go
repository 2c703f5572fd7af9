package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/driftline/spotwatch/internal/models"
)

// RuleEngine maps a risk score and feature thresholds to a recommendation.
type RuleEngine struct {
	rules  []Rule
	logger *slog.Logger
}

// Rule represents a single recommendation rule. All populated match fields must hold.
type Rule struct {
	ID             string                `yaml:"id"`
	Match          RuleMatch             `yaml:"match"`
	Recommendation models.Recommendation `yaml:"recommendation"`
}

// RuleMatch defines optional conditions for rule matching.
type RuleMatch struct {
	MinRisk  *float64           `yaml:"min_risk"`
	Features map[string]float64 `yaml:"features"`
	Pools    []string           `yaml:"pools"`
}

// RuleConfigFile is the YAML root structure.
type RuleConfigFile struct {
	Rules []Rule `yaml:"rules"`
}

func threshold(v float64) *float64 { return &v }

// DefaultRules is used when no rule pack is configured or the file is absent.
func DefaultRules() []Rule {
	return []Rule{
		{ID: "emergency-extreme-risk", Match: RuleMatch{MinRisk: threshold(0.95)}, Recommendation: models.RecommendEmergencyFailover},
		{ID: "switch-high-risk", Match: RuleMatch{MinRisk: threshold(0.8)}, Recommendation: models.RecommendSwitch},
		{ID: "switch-shallow-discount-under-stress", Match: RuleMatch{Features: map[string]float64{"stress_x_shallow_discount": 0.8}}, Recommendation: models.RecommendSwitch},
		{ID: "switch-business-hours-stress", Match: RuleMatch{Features: map[string]float64{"stress_x_business": 0.9}}, Recommendation: models.RecommendSwitch},
	}
}

// NewRuleEngine loads rules from the provided path. An empty path or a missing
// file yields the built-in defaults.
func NewRuleEngine(path string, logger *slog.Logger) (*RuleEngine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		return &RuleEngine{rules: DefaultRules(), logger: logger}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("rule pack not found, using built-in rules", slog.String("path", path))
			return &RuleEngine{rules: DefaultRules(), logger: logger}, nil
		}
		return nil, err
	}
	rules, err := ParseRules(data)
	if err != nil {
		return nil, fmt.Errorf("rule pack %s: %w", path, err)
	}
	return &RuleEngine{rules: rules, logger: logger}, nil
}

// ParseRules decodes and validates a YAML rule pack.
func ParseRules(data []byte) ([]Rule, error) {
	var cfg RuleConfigFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	var empty models.FeatureVector
	for _, rule := range cfg.Rules {
		switch rule.Recommendation {
		case models.RecommendHold, models.RecommendSwitch, models.RecommendEmergencyFailover:
		default:
			return nil, fmt.Errorf("rule %s: unknown recommendation %q", rule.ID, rule.Recommendation)
		}
		for name := range rule.Match.Features {
			if _, ok := empty.Value(name); !ok {
				return nil, fmt.Errorf("rule %s: unknown feature %q", rule.ID, name)
			}
		}
	}
	return cfg.Rules, nil
}

// Recommend returns the most severe recommendation among matching rules, hold when none match.
func (e *RuleEngine) Recommend(risk float64, fv models.FeatureVector) models.Recommendation {
	if e == nil {
		return models.RecommendHold
	}

	best := models.RecommendHold
	for _, rule := range e.rules {
		if !ruleMatches(rule.Match, risk, fv) {
			continue
		}
		if severity(rule.Recommendation) > severity(best) {
			best = rule.Recommendation
			e.logger.Debug("recommendation rule matched",
				slog.String("rule", rule.ID),
				slog.String("pool_id", fv.PoolID),
				slog.String("recommendation", string(best)))
		}
	}
	return best
}

func ruleMatches(m RuleMatch, risk float64, fv models.FeatureVector) bool {
	if m.MinRisk == nil && len(m.Features) == 0 {
		return false
	}
	if m.MinRisk != nil && risk < *m.MinRisk {
		return false
	}
	if len(m.Pools) > 0 && !poolListed(m.Pools, fv.PoolID) {
		return false
	}
	for name, floor := range m.Features {
		v, ok := fv.Value(name)
		if !ok || v < floor {
			return false
		}
	}
	return true
}

func poolListed(pools []string, id string) bool {
	for _, p := range pools {
		if strings.EqualFold(p, id) {
			return true
		}
	}
	return false
}

func severity(r models.Recommendation) int {
	switch r {
	case models.RecommendEmergencyFailover:
		return 2
	case models.RecommendSwitch:
		return 1
	default:
		return 0
	}
}
