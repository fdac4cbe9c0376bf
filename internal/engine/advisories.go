package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Advisory metrics a rule may test.
const (
	MetricSampleCount      = "sampleCount"
	MetricCandidateSamples = "candidateSamples"
	MetricRateDeviationPpm = "rateDeviationPpm"
	MetricLookbackHours    = "lookbackHours"
	MetricOWLTSec          = "owltSec"
	MetricDriftMsPerDay    = "driftMsPerDay"
)

// AdvisoryEngine turns run statistics into warnings. Warnings never block a commit.
type AdvisoryEngine struct {
	rules  []AdvisoryRule
	logger *slog.Logger
}

// AdvisoryRule fires when metric compares true against threshold.
type AdvisoryRule struct {
	Name      string  `yaml:"name"`
	Metric    string  `yaml:"metric"`
	Operator  string  `yaml:"operator"`
	Threshold float64 `yaml:"threshold"`
	// Absolute compares the magnitude of the metric.
	Absolute bool   `yaml:"absolute"`
	Message  string `yaml:"message"`
}

// AdvisoryFile is the YAML root structure.
type AdvisoryFile struct {
	Rules []AdvisoryRule `yaml:"rules"`
}

// Stats are the run statistics rules are evaluated over.
type Stats map[string]float64

// DefaultAdvisoryRules is the rule pack used when no file is configured.
func DefaultAdvisoryRules() []AdvisoryRule {
	return []AdvisoryRule{
		{Name: "long-lookback", Metric: MetricLookbackHours, Operator: ">", Threshold: 24 * 14,
			Message: "computed rate spans more than two weeks of history"},
		{Name: "large-drift", Metric: MetricDriftMsPerDay, Operator: ">", Threshold: 50, Absolute: true,
			Message: "onboard clock drift exceeds 50 ms/day"},
		{Name: "zero-light-time", Metric: MetricOWLTSec, Operator: "<=", Threshold: 0,
			Message: "one-way light time is not positive"},
	}
}

// NewAdvisoryEngine loads rules from path, falling back to the defaults when path is empty
// or missing.
func NewAdvisoryEngine(path string, logger *slog.Logger) (*AdvisoryEngine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rules := DefaultAdvisoryRules()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			logger.Debug("advisory rule pack not found, using defaults", slog.String("path", path))
		case err != nil:
			return nil, err
		default:
			var file AdvisoryFile
			if err := yaml.Unmarshal(data, &file); err != nil {
				return nil, fmt.Errorf("parse advisory rules: %w", err)
			}
			rules = file.Rules
		}
	}
	for _, r := range rules {
		if _, ok := comparators[r.Operator]; !ok {
			return nil, fmt.Errorf("advisory rule %s: unknown operator %q", r.Name, r.Operator)
		}
	}
	return &AdvisoryEngine{rules: rules, logger: logger}, nil
}

var comparators = map[string]func(a, b float64) bool{
	">":  func(a, b float64) bool { return a > b },
	">=": func(a, b float64) bool { return a >= b },
	"<":  func(a, b float64) bool { return a < b },
	"<=": func(a, b float64) bool { return a <= b },
	"==": func(a, b float64) bool { return a == b },
	"!=": func(a, b float64) bool { return a != b },
}

// Evaluate returns the messages of every rule that fires, in rule order.
func (e *AdvisoryEngine) Evaluate(stats Stats) []string {
	if e == nil {
		return nil
	}
	var matched []string
	for _, rule := range e.rules {
		value, ok := stats[rule.Metric]
		if !ok {
			continue
		}
		if rule.Absolute {
			value = math.Abs(value)
		}
		if !comparators[rule.Operator](value, rule.Threshold) {
			continue
		}
		msg := rule.Message
		if msg == "" {
			msg = fmt.Sprintf("%s %s %g", rule.Metric, rule.Operator, rule.Threshold)
		}
		matched = appendUnique(matched, msg)
	}
	return matched
}

func appendUnique(existing []string, additions ...string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, w := range existing {
		seen[w] = struct{}{}
	}
	for _, item := range additions {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		existing = append(existing, item)
		seen[item] = struct{}{}
	}
	return existing
}
