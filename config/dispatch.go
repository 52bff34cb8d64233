package config

import (
	"strings"
	"time"
)

// WorkerConfig controls the dispatch worker pool.
type WorkerConfig struct {
	// Concurrency is the number of worker goroutines reserving from the queue.
	Concurrency int `env:"CONCURRENCY" envDefault:"4"`

	// Lease is how long a reservation stays valid between heartbeats.
	Lease time.Duration `env:"LEASE" envDefault:"30s"`

	// StallTimeout is the tolerance past an expired lease before an entry is declared stalled.
	StallTimeout time.Duration `env:"STALL_TIMEOUT" envDefault:"30s"`

	// PollInterval is the idle wait between empty reservations.
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"500ms"`

	// StallCheckInterval is how often the worker sweeps for stalled entries.
	StallCheckInterval time.Duration `env:"STALL_CHECK_INTERVAL" envDefault:"15s"`
}

// Sanitize applies guardrails to worker configuration values.
func (w *WorkerConfig) Sanitize() {
	if w.Concurrency < 1 {
		w.Concurrency = 1
	}
	if w.Lease < 5*time.Second {
		w.Lease = 5 * time.Second
	}
	if w.StallTimeout < 0 {
		w.StallTimeout = 0
	}
	if w.PollInterval < 10*time.Millisecond {
		w.PollInterval = 10 * time.Millisecond
	}
	if w.StallCheckInterval < time.Second {
		w.StallCheckInterval = time.Second
	}
}

// DispatchTargetConfig configures the HTTP adapter for the external calling provider.
type DispatchTargetConfig struct {
	BaseURL string        `env:"BASE_URL" envDefault:"http://localhost:8090"`
	Path    string        `env:"PATH"     envDefault:"/calls"`
	Timeout time.Duration `env:"TIMEOUT"  envDefault:"15s"`

	// OAuth2 client credentials. Authentication is disabled when TokenURL is empty.
	TokenURL     string   `env:"TOKEN_URL"`
	ClientID     string   `env:"CLIENT_ID"`
	ClientSecret string   `env:"CLIENT_SECRET"`
	Scopes       []string `env:"SCOPES"`

	// JMESPath expressions used to map the provider response into a call descriptor.
	SIDExpr         string `env:"SID_EXPR"          envDefault:"sid"`
	StatusExpr      string `env:"STATUS_EXPR"       envDefault:"status"`
	DurationExpr    string `env:"DURATION_EXPR"     envDefault:"duration"`
	PriceExpr       string `env:"PRICE_EXPR"        envDefault:"price"`
	DirectionExpr   string `env:"DIRECTION_EXPR"    envDefault:"direction"`
	StartTimeExpr   string `env:"START_TIME_EXPR"   envDefault:"start_time"`
	EndTimeExpr     string `env:"END_TIME_EXPR"     envDefault:"end_time"`
	DateCreatedExpr string `env:"DATE_CREATED_EXPR" envDefault:"date_created"`

	// MaxResponseBytes caps how much of the provider response is read.
	MaxResponseBytes int64 `env:"MAX_RESPONSE_BYTES" envDefault:"1048576"`
}

// Sanitize applies guardrails to dispatch target configuration values.
func (d *DispatchTargetConfig) Sanitize() {
	d.BaseURL = strings.TrimRight(strings.TrimSpace(d.BaseURL), "/")
	if d.Path == "" {
		d.Path = "/calls"
	}
	if !strings.HasPrefix(d.Path, "/") {
		d.Path = "/" + d.Path
	}
	if d.Timeout <= 0 {
		d.Timeout = 15 * time.Second
	}
	d.TokenURL = strings.TrimSpace(d.TokenURL)
	if d.MaxResponseBytes <= 0 {
		d.MaxResponseBytes = 1 << 20
	}
}

// AuthEnabled reports whether client-credentials authentication is configured.
func (d *DispatchTargetConfig) AuthEnabled() bool {
	return d.TokenURL != "" && d.ClientID != ""
}
