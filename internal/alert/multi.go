package alert

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/cache"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/metrics"
)

const maxCooldownKeys = 4096

// MultiAlerter fans an alert out to every channel in parallel. Repeats of
// the same type for the same subject are dropped for the cooldown period.
type MultiAlerter struct {
	channels []Channel
	cooldown time.Duration
	recent   *cache.LRU[string, struct{}]
	logger   *slog.Logger
}

func NewMultiAlerter(cooldown time.Duration, logger *slog.Logger, channels ...Channel) *MultiAlerter {
	m := &MultiAlerter{
		channels: channels,
		cooldown: cooldown,
		logger:   logger.With("component", "alerter"),
	}
	if cooldown > 0 {
		m.recent = cache.NewLRU[string, struct{}](maxCooldownKeys, cooldown)
	}
	return m
}

func (m *MultiAlerter) Send(ctx context.Context, a Alert) error {
	if m.recent != nil {
		key := string(a.Type) + "|" + a.Subject()
		if _, seen := m.recent.Get(key); seen {
			metrics.AlertsCooldownSkipped.WithLabelValues(string(a.Type)).Inc()
			m.logger.Debug("alert suppressed", "type", a.Type, "subject", a.Subject())
			return nil
		}
		m.recent.Put(key, struct{}{})
	}

	errs := make([]error, len(m.channels))
	var g errgroup.Group
	for i, ch := range m.channels {
		g.Go(func() error {
			if err := ch.Send(ctx, a); err != nil {
				metrics.AlertsFailedTotal.WithLabelValues(ch.Name(), string(a.Type)).Inc()
				m.logger.Warn("alert delivery failed", "channel", ch.Name(), "type", a.Type, "error", err)
				errs[i] = err
				return nil
			}
			metrics.AlertsSentTotal.WithLabelValues(ch.Name(), string(a.Type)).Inc()
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
