// Package classify decides whether an element is a blocking overlay.
//
// Classification is a pure function of an ElementSnapshot and the current
// rules: a pre-filter rejects hidden, engine-owned and static elements,
// then an ordered list of independent rules is evaluated and the first
// match wins.
package classify

import (
	"errors"
	"fmt"

	"github.com/Rorqualx/popguard-go/internal/rules"
)

// ErrUnmeasurable is returned when an element could not be measured.
// Callers skip the element and continue.
var ErrUnmeasurable = errors.New("element could not be measured")

// Rule identifies which heuristic matched.
type Rule int

const (
	RuleNone Rule = iota
	RuleHighStack
	RuleFullBleed
	RuleKeyword
	RuleLargeFixed
	RuleEmbeddedFrame
)

// String returns the metric/log label for the rule.
func (r Rule) String() string {
	switch r {
	case RuleHighStack:
		return "high_stack"
	case RuleFullBleed:
		return "full_bleed"
	case RuleKeyword:
		return "keyword"
	case RuleLargeFixed:
		return "large_fixed"
	case RuleEmbeddedFrame:
		return "embedded_frame"
	default:
		return "none"
	}
}

// Verdict is the result of classifying one element.
type Verdict struct {
	IsOverlay bool
	Rule      Rule
	Coverage  float64
	ZIndex    int
	Reason    string
}

// RulesSource supplies the current rules. *rules.Manager satisfies it.
type RulesSource interface {
	Get() *rules.Rules
}

// Classifier evaluates snapshots against the rules from its source.
type Classifier struct {
	source RulesSource
}

// New creates a Classifier reading rules from source.
func New(source RulesSource) *Classifier {
	return &Classifier{source: source}
}

// Classify evaluates s against the current rules.
func (c *Classifier) Classify(s ElementSnapshot) (Verdict, error) {
	return Evaluate(s, c.source.Get())
}

type predicate struct {
	rule  Rule
	match func(s ElementSnapshot, coverage float64, z int, r *rules.Rules) (string, bool)
}

// predicates are evaluated in order; the first match decides.
var predicates = []predicate{
	{RuleHighStack, highStack},
	{RuleFullBleed, fullBleed},
	{RuleKeyword, keyword},
	{RuleLargeFixed, largeFixed},
	{RuleEmbeddedFrame, embeddedFrame},
}

// Evaluate classifies s under r. It has no side effects.
func Evaluate(s ElementSnapshot, r *rules.Rules) (Verdict, error) {
	if s.MeasureError != "" {
		return Verdict{Reason: "measure error"}, fmt.Errorf("%w: %s", ErrUnmeasurable, s.MeasureError)
	}
	if s.Viewport.Width <= 0 || s.Viewport.Height <= 0 {
		return Verdict{Reason: "no viewport"}, ErrUnmeasurable
	}

	coverage := s.Coverage()
	z := s.StackingOrder()
	v := Verdict{Coverage: coverage, ZIndex: z}

	if s.InsideEngineUI {
		v.Reason = "engine ui"
		return v, nil
	}
	if s.Hidden(r.Thresholds.MinOpacity) {
		v.Reason = "hidden"
		return v, nil
	}
	if !s.Positioned() {
		v.Reason = "not positioned"
		return v, nil
	}

	for _, p := range predicates {
		if reason, ok := p.match(s, coverage, z, r); ok {
			v.IsOverlay = true
			v.Rule = p.rule
			v.Reason = reason
			return v, nil
		}
	}
	v.Reason = "no rule matched"
	return v, nil
}

func highStack(_ ElementSnapshot, coverage float64, z int, r *rules.Rules) (string, bool) {
	t := r.Thresholds
	if z >= t.HighStackZIndex && coverage > t.HighStackCoverage {
		return fmt.Sprintf("z-index %d covering %.0f%%", z, coverage), true
	}
	return "", false
}

func fullBleed(s ElementSnapshot, coverage float64, _ int, r *rules.Rules) (string, bool) {
	if coverage > r.Thresholds.FullBleedCoverage && s.HasBackground() {
		return fmt.Sprintf("filled scrim covering %.0f%%", coverage), true
	}
	return "", false
}

func keyword(s ElementSnapshot, coverage float64, z int, r *rules.Rules) (string, bool) {
	t := r.Thresholds
	if z <= t.KeywordZIndex || coverage <= t.KeywordCoverage {
		return "", false
	}
	if kw, ok := r.MatchKeyword(s.Identifiers()); ok {
		return fmt.Sprintf("keyword %q at z-index %d", kw, z), true
	}
	return "", false
}

func largeFixed(s ElementSnapshot, _ float64, z int, r *rules.Rules) (string, bool) {
	t := r.Thresholds
	if !s.Fixed() || z <= t.LargeFixedZIndex {
		return "", false
	}
	if exceeds(s.Width, s.Viewport.Width, t.LargeFixedRatio) &&
		exceeds(s.Height, s.Viewport.Height, t.LargeFixedRatio) {
		return fmt.Sprintf("fixed %sx%s at z-index %d", s.Width, s.Height, z), true
	}
	return "", false
}

func embeddedFrame(s ElementSnapshot, coverage float64, z int, r *rules.Rules) (string, bool) {
	t := r.Thresholds
	if !s.IsFrame() {
		return "", false
	}
	if z > t.FrameZIndex || coverage > t.FrameCoverage {
		return fmt.Sprintf("iframe at z-index %d covering %.0f%%", z, coverage), true
	}
	return "", false
}
