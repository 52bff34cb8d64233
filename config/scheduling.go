package config

import "time"

// SchedulingConfig holds the temporal contract of the engine.
//
// MinLeadTime and MaxLeadTime bound how far ahead a job or campaign may be
// scheduled. SyncLookahead is the window mirrored into the delay queue by each
// sync pass, and ResyncInterval is the period between passes.
type SchedulingConfig struct {
	MinLeadTime    time.Duration `env:"MIN_LEAD"        envDefault:"1m"`
	MaxLeadTime    time.Duration `env:"MAX_LEAD"        envDefault:"336h"`
	SyncLookahead  time.Duration `env:"LOOKAHEAD"       envDefault:"7h"`
	ResyncInterval time.Duration `env:"RESYNC_INTERVAL" envDefault:"6h"`

	// MissedGrace widens the lower bound of the sync window so jobs whose run_at
	// slipped into the past while no pass ran are still picked up.
	MissedGrace time.Duration `env:"MISSED_GRACE" envDefault:"0s"`

	// DefaultPriority applies when a request does not specify one (1 highest, 10 lowest).
	DefaultPriority int `env:"DEFAULT_PRIORITY" envDefault:"5"`

	// MaxSlotChecks caps the collision-avoidance check per job.
	MaxSlotChecks int `env:"MAX_SLOT_CHECKS" envDefault:"10000"`

	// TokenGrace is added to the time-until-run when minting access tokens.
	TokenGrace time.Duration `env:"TOKEN_GRACE" envDefault:"1h"`
}

// Sanitize applies guardrails to scheduling configuration values.
func (s *SchedulingConfig) Sanitize() {
	if s.MinLeadTime < 0 {
		s.MinLeadTime = 0
	}
	if s.MaxLeadTime <= 0 {
		s.MaxLeadTime = 14 * 24 * time.Hour
	}
	if s.SyncLookahead <= 0 {
		s.SyncLookahead = 7 * time.Hour
	}
	if s.ResyncInterval < time.Minute {
		s.ResyncInterval = time.Minute
	}
	if s.MissedGrace < 0 {
		s.MissedGrace = 0
	}
	if s.DefaultPriority < 1 || s.DefaultPriority > 10 {
		s.DefaultPriority = 5
	}
	if s.MaxSlotChecks < 1 {
		s.MaxSlotChecks = 1
	}
	if s.TokenGrace < 0 {
		s.TokenGrace = 0
	}
}
