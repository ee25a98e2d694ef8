package dispatcher

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"relayhub/internal/registry"
	"relayhub/internal/streambus"
)

// tenantLoop is one (subsystem, tenant_id) consumer-group loop.
type tenantLoop struct {
	tenantID string
	consumer string
	group    string
	cfg      Config
	bus      streambus.Adapter
	registry *registry.Registry
	logger   *logrus.Logger
	onIdle   func(tenantID string)

	quit chan struct{}
	done chan struct{}
}

func newTenantLoop(tenantID string, cfg Config, bus streambus.Adapter, reg *registry.Registry, logger *logrus.Logger, onIdle func(string)) *tenantLoop {
	return &tenantLoop{
		tenantID: tenantID,
		consumer: "dispatcher-" + tenantID,
		group:    groupName(cfg.Subsystem, tenantID),
		cfg:      cfg,
		bus:      bus,
		registry: reg,
		logger:   logger,
		onIdle:   onIdle,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (l *tenantLoop) start(ctx context.Context) {
	for _, topic := range l.cfg.Topics {
		if err := l.bus.EnsureGroup(ctx, topic, l.group, false); err != nil {
			l.logger.WithError(err).WithFields(logrus.Fields{
				"tenant_id": l.tenantID,
				"topic":     topic,
			}).Error("dispatcher: failed to ensure consumer group")
		}
	}
	go l.run(ctx)
}

func (l *tenantLoop) stop() {
	close(l.quit)
	<-l.done
}

func (l *tenantLoop) run(ctx context.Context) {
	defer close(l.done)

	reclaimTicker := time.NewTicker(l.cfg.ReclaimInterval)
	defer reclaimTicker.Stop()

	idleSince := time.Time{}

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.quit:
			return
		case <-reclaimTicker.C:
			l.reclaimStale(ctx)
		default:
		}

		entries, err := l.bus.Read(ctx, l.group, l.consumer, l.cfg.Topics, l.cfg.ReadCount, l.cfg.ReadBlock)
		if err != nil {
			l.logger.WithError(err).WithField("tenant_id", l.tenantID).Warn("dispatcher: read failed, backing off")
			select {
			case <-time.After(time.Second):
			case <-l.quit:
				return
			case <-ctx.Done():
				return
			}
			continue
		}

		if len(entries) == 0 {
			if l.registry.TenantConnectionCount(l.tenantID) == 0 {
				if idleSince.IsZero() {
					idleSince = time.Now()
				} else if time.Since(idleSince) >= l.cfg.IdleGracePeriod {
					l.logger.WithField("tenant_id", l.tenantID).Info("dispatcher: tearing down idle tenant loop")
					l.onIdle(l.tenantID)
					return
				}
			} else {
				idleSince = time.Time{}
			}
			continue
		}
		idleSince = time.Time{}

		for _, entry := range entries {
			l.deliver(ctx, entry)
		}
	}
}

// deliver fans an entry out to every live matching connection for this
// tenant and acknowledges per the configured ack policy. A defensive
// tenant_id check guards against the dispatcher being handed an entry from
// a topic it shouldn't see (streams are topic-scoped, not tenant-scoped).
func (l *tenantLoop) deliver(ctx context.Context, entry streambus.Entry) {
	if entry.Envelope.TenantID != l.tenantID {
		return
	}

	allAccepted := true
	delivered := 0
	l.registry.ForEach(l.tenantID, entry.Envelope.EventType, func(record *registry.Record) {
		delivered++
		if ok := l.registry.Enqueue(ctx, record, entry.Envelope); ok {
			record.SetLastEventID(entry.Topic, entry.Envelope.EventID)
		} else {
			allAccepted = false
		}
	})

	shouldAck := l.cfg.AckPolicy == AckBestEffort || delivered == 0 || allAccepted
	if shouldAck {
		if err := l.bus.Ack(ctx, l.group, entry.Topic, entry.StreamID); err != nil {
			l.logger.WithError(err).WithFields(logrus.Fields{
				"tenant_id": l.tenantID,
				"stream_id": entry.StreamID,
			}).Warn("dispatcher: ack failed")
		}
	}
}

func (l *tenantLoop) reclaimStale(ctx context.Context) {
	for _, topic := range l.cfg.Topics {
		entries, err := l.bus.ClaimStale(ctx, l.group, topic, l.consumer, l.cfg.ClaimMinIdle)
		if err != nil {
			l.logger.WithError(err).WithFields(logrus.Fields{
				"tenant_id": l.tenantID,
				"topic":     topic,
			}).Warn("dispatcher: claim stale failed")
			continue
		}
		for _, entry := range entries {
			l.deliver(ctx, entry)
		}
	}
}
