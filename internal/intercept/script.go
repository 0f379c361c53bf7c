package intercept

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"text/template"
)

//go:embed interceptor.js
var interceptorSource string

var scriptTemplate = template.Must(template.New("interceptor").Parse(interceptorSource))

// gestureReportInterval throttles gesture reports sent to the bridge.
const gestureReportInterval = 100

// ScriptConfig parameterises the page script.
type ScriptConfig struct {
	Policy       Policy
	SourceTag    string
	Token        string
	DisableToken string
	Binding      string
	Marker       string
	MarkerGlobal string
	HijackHrefs  []string
}

// pageConfig is the object literal handed to the page script.
type pageConfig struct {
	Source          string   `json:"source"`
	Token           string   `json:"token"`
	DisableToken    string   `json:"disableToken"`
	Binding         string   `json:"binding"`
	Marker          string   `json:"marker"`
	MarkerGlobal    string   `json:"markerGlobal"`
	OpenWindowMs    int64    `json:"openWindowMs"`
	DialogWindowMs  int64    `json:"dialogWindowMs"`
	GestureReportMs int64    `json:"gestureReportMs"`
	HijackHrefs     []string `json:"hijackHrefs"`
}

// RenderScript returns the page script for cfg. Every value reaches the
// script as a JSON literal, never as raw source text.
func RenderScript(cfg ScriptConfig) (string, error) {
	if cfg.SourceTag == "" || cfg.Token == "" || cfg.DisableToken == "" || cfg.Binding == "" || cfg.MarkerGlobal == "" {
		return "", fmt.Errorf("script config incomplete: source tag, tokens, binding and marker global are required")
	}
	hrefs := cfg.HijackHrefs
	if hrefs == nil {
		hrefs = []string{}
	}

	payload, err := json.Marshal(pageConfig{
		Source:          cfg.SourceTag,
		Token:           cfg.Token,
		DisableToken:    cfg.DisableToken,
		Binding:         cfg.Binding,
		Marker:          cfg.Marker,
		MarkerGlobal:    cfg.MarkerGlobal,
		OpenWindowMs:    cfg.Policy.OpenGestureWindow.Milliseconds(),
		DialogWindowMs:  cfg.Policy.DialogGestureWindow.Milliseconds(),
		GestureReportMs: gestureReportInterval,
		HijackHrefs:     hrefs,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode script config: %w", err)
	}

	var buf bytes.Buffer
	if err := scriptTemplate.Execute(&buf, struct{ Config string }{string(payload)}); err != nil {
		return "", fmt.Errorf("failed to render page script: %w", err)
	}
	return buf.String(), nil
}
