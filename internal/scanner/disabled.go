package scanner

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// disabled is the no-op substitute used when no API key could be resolved or
// the feature flag is off. Every call returns absent and is recorded as a
// failure, which keeps the rest of the cascade fully functional.
type disabled struct {
	log      *slog.Logger
	failures atomic.Uint64
}

// NewDisabled returns a Client that always answers absent.
func NewDisabled(log *slog.Logger) Client {
	return &disabled{log: log}
}

func (d *disabled) Lookup(_ context.Context, ip string) (*Result, error) {
	d.failures.Add(1)
	d.log.Debug("scanner: client disabled, returning absent", "ip", ip)
	return nil, nil
}

func (d *disabled) RemainingQuota() int { return 0 }

func (d *disabled) Stats() Stats {
	return Stats{Lookups: d.failures.Load(), APIFailure: d.failures.Load()}
}

func (d *disabled) ResetStats() { d.failures.Store(0) }
