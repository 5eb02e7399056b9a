// Package telemetry reports failed turns to Sentry when a DSN is configured.
package telemetry

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"
)

const serviceName = "compactbot"

// Init initializes Sentry and returns a function that flushes pending events.
// An empty DSN gives a no-op; Sentry failing to start is logged, not fatal.
func Init(dsn, environment string, debug bool) func() {
	if dsn == "" {
		return func() {}
	}
	if environment == "" {
		environment = "development"
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
		Debug:       debug,
		ServerName:  serviceName,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize sentry, continuing without error reporting")
		return func() {}
	}

	log.Info().Str("environment", environment).Msg("Sentry error reporting enabled")
	return func() {
		sentry.Flush(5 * time.Second)
	}
}

// CaptureError captures an error to Sentry, tagged with tags.
func CaptureError(ctx context.Context, err error, tags map[string]string) {
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		hub.CaptureException(err)
	})
}

// AddBreadcrumb adds a breadcrumb to the current scope.
func AddBreadcrumb(ctx context.Context, category, message string) {
	breadcrumb := &sentry.Breadcrumb{
		Type:      "default",
		Category:  category,
		Message:   message,
		Level:     sentry.LevelInfo,
		Timestamp: time.Now(),
	}

	if hub := sentry.GetHubFromContext(ctx); hub != nil {
		hub.AddBreadcrumb(breadcrumb, nil)
	} else {
		sentry.AddBreadcrumb(breadcrumb)
	}
}
