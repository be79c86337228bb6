package config

import "time"

// Limits bounds request rates and long-running operations.
type Limits struct {
	HTTPRequestsPerMinute int           `yaml:"http_requests_per_minute" validate:"min=1,max=10000"`
	LLMTimeout            time.Duration `yaml:"llm_timeout" validate:"min=10s,max=1h"`
	LLMMaxRetries         int           `yaml:"llm_max_retries" validate:"min=0,max=10"`
	MaxResearchRounds     int           `yaml:"max_research_rounds" validate:"min=1,max=10"`
	SessionTimeout        time.Duration `yaml:"session_timeout" validate:"min=1m,max=6h"`
}

// DefaultLimits returns the production defaults.
func DefaultLimits() Limits {
	return Limits{
		HTTPRequestsPerMinute: 200,
		LLMTimeout:            15 * time.Minute,
		LLMMaxRetries:         5,
		MaxResearchRounds:     5,
		SessionTimeout:        2 * time.Hour,
	}
}

// applyDefaults fills each unset field, so a partial limits section keeps
// its explicit values and defaults the rest. LLMMaxRetries zero is a valid
// setting and is left alone.
func (l *Limits) applyDefaults() {
	defaults := DefaultLimits()
	if l.HTTPRequestsPerMinute == 0 {
		l.HTTPRequestsPerMinute = defaults.HTTPRequestsPerMinute
	}
	if l.LLMTimeout == 0 {
		l.LLMTimeout = defaults.LLMTimeout
	}
	if l.MaxResearchRounds == 0 {
		l.MaxResearchRounds = defaults.MaxResearchRounds
	}
	if l.SessionTimeout == 0 {
		l.SessionTimeout = defaults.SessionTimeout
	}
}
