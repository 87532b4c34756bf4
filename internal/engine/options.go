package engine

import (
	"time"

	"chronicle/internal/logging"
	"chronicle/internal/metrics"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const DefaultMaxRetries = 3

type Options struct {
	SessionID  string
	Executor   TurnExecutor
	Visibility Visibility
	Pacing     Pacing
	Speed      Speed
	MaxRetries int
	// MaxRounds stops autopilot after that many rounds; zero means unlimited.
	MaxRounds   int
	RoundPause  time.Duration
	TurnTimeout time.Duration
	Logger      *logging.Logger
	Metrics     *metrics.Registry
	Tracer      trace.Tracer
	Now         func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Visibility == nil {
		o.Visibility = SharedLogVisibility
	}
	o.Pacing = o.Pacing.withDefaults()
	if o.Speed == "" {
		o.Speed = SpeedNormal
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.MaxRounds < 0 {
		o.MaxRounds = 0
	}
	if o.RoundPause < 0 {
		o.RoundPause = 0
	}
	if o.Logger == nil {
		o.Logger = logging.NewDiscardLogger()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.Default
	}
	if o.Tracer == nil {
		o.Tracer = otel.Tracer("chronicle/engine")
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	return o
}
