// Package rules provides the tunable overlay and interception heuristics.
package rules

import (
	"embed"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var defaultRulesFS embed.FS

// Thresholds are the numeric cut-offs used by the overlay classifier.
// Coverage values are percentages of the viewport area.
type Thresholds struct {
	HighStackZIndex   int     `yaml:"high_stack_z_index"`
	HighStackCoverage float64 `yaml:"high_stack_coverage"`
	FullBleedCoverage float64 `yaml:"full_bleed_coverage"`
	KeywordZIndex     int     `yaml:"keyword_z_index"`
	KeywordCoverage   float64 `yaml:"keyword_coverage"`
	LargeFixedZIndex  int     `yaml:"large_fixed_z_index"`
	LargeFixedRatio   float64 `yaml:"large_fixed_ratio"`
	FrameZIndex       int     `yaml:"frame_z_index"`
	FrameCoverage     float64 `yaml:"frame_coverage"`
	MinOpacity        float64 `yaml:"min_opacity"`
}

// Rules contains every tunable used by the guard.
type Rules struct {
	Thresholds         Thresholds `yaml:"thresholds"`
	Keywords           []string   `yaml:"keywords"`
	SweepSelectors     []string   `yaml:"sweep_selectors"`
	MaxSweepCandidates int        `yaml:"max_sweep_candidates"`
	RestrictedSchemes  []string   `yaml:"restricted_schemes"`
	HijackHrefs        []string   `yaml:"hijack_hrefs"`
	Marker             string     `yaml:"marker"`
	SourceTag          string     `yaml:"source_tag"`
}

var (
	instance *Rules
	once     sync.Once
	loadErr  error
)

// Get returns the singleton embedded Rules instance.
func Get() *Rules {
	once.Do(func() {
		instance, loadErr = load()
		if loadErr != nil {
			log.Error().Err(loadErr).Msg("Failed to load embedded rules, using defaults")
			instance = defaultRules()
		}
	})
	return instance
}

// load reads rules from the embedded YAML file.
func load() (*Rules, error) {
	data, err := defaultRulesFS.ReadFile("rules.yaml")
	if err != nil {
		return nil, err
	}

	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}

	log.Debug().
		Int("keywords", len(r.Keywords)).
		Int("sweep_selectors", len(r.SweepSelectors)).
		Int("restricted_schemes", len(r.RestrictedSchemes)).
		Msg("Rules loaded")

	return &r, nil
}

// defaultRules returns hardcoded fallback rules.
func defaultRules() *Rules {
	return &Rules{
		Thresholds: Thresholds{
			HighStackZIndex:   999,
			HighStackCoverage: 50,
			FullBleedCoverage: 95,
			KeywordZIndex:     99,
			KeywordCoverage:   30,
			LargeFixedZIndex:  500,
			LargeFixedRatio:   0.7,
			FrameZIndex:       999,
			FrameCoverage:     80,
			MinOpacity:        0.1,
		},
		Keywords: []string{
			"modal", "popup", "popover", "overlay", "backdrop", "lightbox",
			"dialog", "subscribe", "newsletter", "interstitial", "takeover", "splash",
		},
		SweepSelectors: []string{
			`div[class*="modal"]`, `div[class*="popup"]`, `div[class*="overlay"]`,
			`div[id*="modal"]`, `div[id*="popup"]`, `div[id*="overlay"]`,
			`div[class*="backdrop"]`, `div[class*="lightbox"]`, `div[class*="dialog"]`,
			`iframe[style*="position"][style*="fixed"]`,
			`iframe[style*="position"][style*="absolute"]`,
		},
		MaxSweepCandidates: 2000,
		RestrictedSchemes: []string{
			"chrome:", "chrome-extension:", "edge:", "about:",
			"view-source:", "data:", "file:", "devtools:",
		},
		HijackHrefs: []string{"", "#", "javascript:void(0)", "javascript:void(0);", "javascript:;", "javascript:"},
		Marker:      "popguard",
		SourceTag:   "popguard-interceptor",
	}
}

// Validate checks that the Rules are usable.
func (r *Rules) Validate() error {
	t := r.Thresholds
	for name, v := range map[string]float64{
		"high_stack_coverage": t.HighStackCoverage,
		"full_bleed_coverage": t.FullBleedCoverage,
		"keyword_coverage":    t.KeywordCoverage,
		"frame_coverage":      t.FrameCoverage,
	} {
		if v < 0 || v > 100 {
			return fmt.Errorf("%s must be within 0-100, got %v", name, v)
		}
	}
	if t.LargeFixedRatio < 0 || t.LargeFixedRatio > 1 {
		return fmt.Errorf("large_fixed_ratio must be within 0-1, got %v", t.LargeFixedRatio)
	}
	if t.MinOpacity < 0 || t.MinOpacity > 1 {
		return fmt.Errorf("min_opacity must be within 0-1, got %v", t.MinOpacity)
	}
	if r.MaxSweepCandidates < 0 {
		return fmt.Errorf("max_sweep_candidates cannot be negative")
	}
	if strings.ContainsAny(r.Marker, " \"'<>") {
		return fmt.Errorf("marker must be a plain identifier, got %q", r.Marker)
	}
	return nil
}

// Injectable reports whether a page at rawURL may receive the page script.
func (r *Rules) Injectable(rawURL string) bool {
	if rawURL == "" {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" {
		return false
	}
	scheme := strings.ToLower(u.Scheme) + ":"
	for _, restricted := range r.RestrictedSchemes {
		if scheme == strings.ToLower(restricted) {
			return false
		}
	}
	return true
}

// IsHijackHref reports whether an anchor destination is a fake target.
func (r *Rules) IsHijackHref(href string) bool {
	normalized := NormalizeHref(href)
	for _, h := range r.HijackHrefs {
		if normalized == h {
			return true
		}
	}
	return false
}

// NormalizeHref lower-cases an href attribute and strips whitespace so
// "javascript: void(0)" and "JavaScript:void(0)" compare equal.
func NormalizeHref(href string) string {
	return strings.ToLower(strings.Join(strings.Fields(href), ""))
}

// MatchKeyword returns the first overlay keyword contained in text.
func (r *Rules) MatchKeyword(text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, kw := range r.Keywords {
		if kw != "" && strings.Contains(lower, kw) {
			return kw, true
		}
	}
	return "", false
}
