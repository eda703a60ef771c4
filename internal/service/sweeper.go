package service

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"collect-service/config"
	"collect-service/internal/models"
	"collect-service/internal/util"
)

const sweepBatchSize = 200

// Sweeper periodically resolves reservations stuck in a non-terminal state.
// Rows with no signature never reached the chain and are forced to failed,
// freeing the (user, post) slot without any client intervention. Rows with a
// signature may have landed, so they are only re-checked on-chain.
type Sweeper struct {
	store      Store
	reconciler *Reconciler
	cfg        config.StalenessConfig
	cron       *cron.Cron
	logger     *zap.Logger
	now        func() time.Time
}

// NewSweeper creates a new staleness sweeper
func NewSweeper(store Store, reconciler *Reconciler, cfg config.StalenessConfig) *Sweeper {
	return &Sweeper{
		store:      store,
		reconciler: reconciler,
		cfg:        cfg,
		cron:       cron.New(),
		logger:     util.GetLogger(),
		now:        time.Now,
	}
}

// Start schedules the sweep on the configured cadence.
func (s *Sweeper) Start() error {
	_, err := s.cron.AddFunc(s.cfg.SweepSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		s.Sweep(ctx)
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("Staleness sweeper started", zap.String("schedule", s.cfg.SweepSchedule))
	return nil
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Sweep runs one pass over both tables.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := s.now()
	s.sweepUnsigned(ctx, now)
	s.recheckSigned(ctx, now)
}

func (s *Sweeper) sweepUnsigned(ctx context.Context, now time.Time) {
	cutoff := now.Add(-s.cfg.PendingAfter)

	cols, err := s.store.ListStaleCollections(ctx, cutoff, sweepBatchSize)
	if err != nil {
		s.logger.Error("Failed to list stale collections", zap.Error(err))
	}
	for _, col := range cols {
		failed, err := s.store.FailCollection(ctx, col.ID)
		if err != nil {
			s.logger.Error("Failed to sweep collection",
				zap.String("reservation_id", col.ID),
				zap.Error(err))
			continue
		}
		if !failed {
			continue
		}
		util.StaleReservationsSweptTotal.WithLabelValues(string(models.KindCollection)).Inc()
		s.reconciler.publishFailed(ctx, col.ID, models.KindCollection, "stale")
	}

	purchases, err := s.store.ListStalePurchases(ctx, cutoff, sweepBatchSize)
	if err != nil {
		s.logger.Error("Failed to list stale purchases", zap.Error(err))
	}
	for _, purchase := range purchases {
		failed, err := s.store.FailPurchase(ctx, purchase.ID)
		if err != nil {
			s.logger.Error("Failed to sweep purchase",
				zap.String("reservation_id", purchase.ID),
				zap.Error(err))
			continue
		}
		if !failed {
			continue
		}
		util.StaleReservationsSweptTotal.WithLabelValues(string(models.KindPurchase)).Inc()
		s.reconciler.publishFailed(ctx, purchase.ID, models.KindPurchase, "stale")
	}

	if len(cols) > 0 || len(purchases) > 0 {
		s.logger.Info("Swept stale unsigned reservations",
			zap.Int("collections", len(cols)),
			zap.Int("purchases", len(purchases)))
	}
}

func (s *Sweeper) recheckSigned(ctx context.Context, now time.Time) {
	cutoff := now.Add(-s.cfg.SubmittedAfter)

	cols, err := s.store.ListUnresolvedCollections(ctx, cutoff, sweepBatchSize)
	if err != nil {
		s.logger.Error("Failed to list unresolved collections", zap.Error(err))
	}
	for i := range cols {
		post, err := s.store.GetPostByID(ctx, cols[i].PostID)
		if err != nil || post == nil {
			s.logger.Error("Failed to load post for recheck", zap.Error(err))
			continue
		}
		if _, _, err := s.reconciler.RecheckCollection(ctx, post, &cols[i]); err != nil {
			s.logger.Warn("Collection recheck failed",
				zap.String("reservation_id", cols[i].ID),
				zap.Error(err))
		}
	}

	purchases, err := s.store.ListUnresolvedPurchases(ctx, cutoff, sweepBatchSize)
	if err != nil {
		s.logger.Error("Failed to list unresolved purchases", zap.Error(err))
	}
	for i := range purchases {
		post, err := s.store.GetPostByID(ctx, purchases[i].PostID)
		if err != nil || post == nil {
			s.logger.Error("Failed to load post for recheck", zap.Error(err))
			continue
		}
		if _, _, err := s.reconciler.RecheckPurchase(ctx, post, &purchases[i]); err != nil {
			s.logger.Warn("Purchase recheck failed",
				zap.String("reservation_id", purchases[i].ID),
				zap.Error(err))
		}
	}
}
