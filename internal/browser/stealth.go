package browser

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog/log"
)

// Default viewport of a guarded tab.
const (
	viewportWidth  = 1920
	viewportHeight = 1080
)

// NewPage opens a blank page on b with the stealth patches registered for
// every document, so pages cannot detect the automation and change what
// they show. The page is not navigated.
func NewPage(ctx context.Context, b *rod.Browser) (*rod.Page, error) {
	page, err := stealth.Page(b.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to create stealth page: %w", err)
	}

	if err := SetViewport(page, viewportWidth, viewportHeight); err != nil {
		log.Warn().Err(err).Msg("Failed to set viewport")
	}

	// Strip the context so the page outlives the call that created it.
	return page.Context(context.Background()), nil
}

// SetViewport sets the page viewport size.
func SetViewport(page *rod.Page, width, height int) error {
	return page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             width,
		Height:            height,
		DeviceScaleFactor: 1,
		Mobile:            false,
	})
}

// scriptError converts an exception raised by an evaluated script into an
// error. Syntax and reference errors mean the script itself is broken;
// anything else is usually a page state race and is also logged.
func scriptError(what string, details *proto.RuntimeExceptionDetails) error {
	if details == nil {
		return nil
	}

	msg := details.Text
	if details.Exception != nil && details.Exception.Description != "" {
		msg = details.Exception.Description
	}

	if strings.Contains(msg, "SyntaxError") || strings.Contains(msg, "ReferenceError") {
		return fmt.Errorf("%s script error: %s", what, msg)
	}

	log.Debug().Str("script", what).Str("exception", msg).Msg("Script raised a non-fatal exception")
	return fmt.Errorf("%s: %s", what, msg)
}
