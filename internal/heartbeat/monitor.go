// Package heartbeat implements the liveness sweep over the active-connection
// registry. Idle servers are pinged over the out-of-band channel; servers
// that do not acknowledge a ping in time are evicted.
package heartbeat

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-server-broker/internal/handshake"
	"github.com/tinywideclouds/go-server-broker/internal/registry"
	"github.com/tinywideclouds/go-server-broker/pkg/broker"
)

// Options configures the sweep thresholds. Zero values fall back to the
// defaults below.
type Options struct {
	// Interval is the fixed delay between sweep ticks.
	Interval time.Duration
	// IdleAfter is how long a server may go without a successful ack before
	// it is pinged.
	IdleAfter time.Duration
	// AckTimeout is how long a pinged server has to acknowledge before it is
	// deemed frozen or disconnected and evicted.
	AckTimeout time.Duration
	// PendingTTL bounds how long an unverified registration may wait for its
	// Verify before being evicted from the pending store.
	PendingTTL time.Duration
}

const (
	defaultInterval   = 10 * time.Second
	defaultIdleAfter  = 10 * time.Second
	defaultAckTimeout = 10 * time.Second
	defaultPendingTTL = 60 * time.Second
)

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = defaultInterval
	}
	if o.IdleAfter <= 0 {
		o.IdleAfter = defaultIdleAfter
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = defaultAckTimeout
	}
	if o.PendingTTL <= 0 {
		o.PendingTTL = defaultPendingTTL
	}
	return o
}

// Monitor is the heartbeat failure detector. One long-lived Run loop sweeps
// the registry on a fixed cadence, concurrently with the request handlers.
type Monitor struct {
	servers *registry.Registry
	pending *registry.PendingStore
	channel broker.ChannelPublisher
	opts    Options
	logger  zerolog.Logger
	now     func() time.Time
}

// NewMonitor creates a heartbeat monitor over the given registry and pending
// store.
func NewMonitor(
	servers *registry.Registry,
	pending *registry.PendingStore,
	channel broker.ChannelPublisher,
	opts Options,
	logger zerolog.Logger,
) *Monitor {
	return &Monitor{
		servers: servers,
		pending: pending,
		channel: channel,
		opts:    opts.withDefaults(),
		logger:  logger.With().Str("component", "Heartbeat").Logger(),
		now:     time.Now,
	}
}

// Run executes the sweep loop until ctx is cancelled. Each iteration races
// the fixed delay against cancellation; on cancellation the loop exits
// without draining in-flight state.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info().Dur("interval", m.opts.Interval).Msg("Heartbeat monitor started")
	for {
		m.sweep(ctx)

		select {
		case <-time.After(m.opts.Interval):
		case <-ctx.Done():
			m.logger.Info().Msg("Heartbeat monitor stopping")
			return
		}
	}
}

// sweep performs one tick. The registry pass uses a non-blocking lock
// attempt: if the registry is contended the whole tick is skipped and the
// next attempt happens after the fixed delay. The out-of-band publish for a
// ping happens while the write lock is held, mirroring the single-writer
// discipline on each record's heartbeat fields.
func (m *Monitor) sweep(ctx context.Context) bool {
	now := m.now()

	swept := m.servers.TrySweep(func(token string, server *broker.Server) bool {
		if server.AckToken != "" {
			if now.Sub(server.LastPingSentAt) >= m.opts.AckTimeout {
				m.logger.Info().
					Str("server", server.ID.String()).
					Msg("Server did not acknowledge ping, deeming as frozen or closed")
				return true
			}
			return false
		}

		if now.Sub(server.LastAckAt) >= m.opts.IdleAfter {
			ackToken := broker.NewToken()
			topic := server.SecretTopic + handshake.HeartbeatTopicSuffix
			if err := m.channel.Publish(ctx, &server.Experience, topic, ackToken); err != nil {
				m.logger.Error().Err(err).
					Str("server", server.ID.String()).
					Msg("Failed to publish heartbeat ping")
			}
			server.AckToken = ackToken
			server.LastPingSentAt = now
		}
		return false
	})
	if !swept {
		m.logger.Debug().Msg("Registry contended, skipping sweep tick")
	}

	if evicted := m.pending.EvictBefore(now.Add(-m.opts.PendingTTL)); evicted > 0 {
		m.logger.Info().Int("count", evicted).Msg("Evicted expired pending connections")
	}

	return swept
}
