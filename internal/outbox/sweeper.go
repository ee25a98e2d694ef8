package outbox

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Sweeper periodically purges processed rows older than RetentionPeriod,
// matching the stream bus's replay window (default 24h, see SPEC_FULL.md
// open-question decision on outbox retention).
type Sweeper struct {
	db              *gorm.DB
	retentionPeriod time.Duration
	sweepInterval   time.Duration
	logger          *logrus.Logger

	quit chan struct{}
	done chan struct{}
}

// NewSweeper constructs a Sweeper.
func NewSweeper(db *gorm.DB, retentionPeriod, sweepInterval time.Duration, logger *logrus.Logger) *Sweeper {
	return &Sweeper{
		db:              db,
		retentionPeriod: retentionPeriod,
		sweepInterval:   sweepInterval,
		logger:          logger,
		quit:            make(chan struct{}),
		done:            make(chan struct{}),
	}
}

// Start runs the sweep loop until ctx is cancelled or Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	go s.loop(ctx)
}

// Stop signals the loop to exit and waits for it to do so.
func (s *Sweeper) Stop() {
	close(s.quit)
	<-s.done
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.quit:
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.retentionPeriod)
	result := s.db.WithContext(ctx).
		Where("processed_at IS NOT NULL AND processed_at < ?", cutoff).
		Delete(&Row{})
	if result.Error != nil {
		s.logger.WithError(result.Error).Error("outbox sweeper: purge failed")
		return
	}
	if result.RowsAffected > 0 {
		s.logger.WithField("rows_purged", result.RowsAffected).Info("outbox sweeper: purged processed rows past retention")
	}
}
