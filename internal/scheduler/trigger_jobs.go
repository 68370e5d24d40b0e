package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/parosfi/rebalancer/internal/domain"
	"github.com/parosfi/rebalancer/internal/events"
	"github.com/parosfi/rebalancer/internal/modules/rebalancing"
	"github.com/parosfi/rebalancer/internal/modules/strategy"
)

// evaluation runs against live state and can take a while per user
const triggerJobTimeout = 5 * time.Minute

// ThresholdTriggerJob evaluates all active threshold strategies and starts
// an operation for each one whose drift exceeds its tolerance.
type ThresholdTriggerJob struct {
	strategies *strategy.Repository
	snapshots  rebalancing.SnapshotProvider
	rebalancer *rebalancing.Service
	bus        *events.Bus
	log        zerolog.Logger
}

// NewThresholdTriggerJob creates the threshold evaluation job.
func NewThresholdTriggerJob(
	strategies *strategy.Repository,
	snapshots rebalancing.SnapshotProvider,
	rebalancer *rebalancing.Service,
	bus *events.Bus,
	log zerolog.Logger,
) *ThresholdTriggerJob {
	return &ThresholdTriggerJob{
		strategies: strategies,
		snapshots:  snapshots,
		rebalancer: rebalancer,
		bus:        bus,
		log:        log.With().Str("job", "threshold_trigger").Logger(),
	}
}

// Name implements Job.
func (j *ThresholdTriggerJob) Name() string { return "threshold_trigger" }

// Run implements Job.
func (j *ThresholdTriggerJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), triggerJobTimeout)
	defer cancel()

	strategies, err := j.strategies.ListActiveByTrigger(strategy.TriggerThreshold)
	if err != nil {
		return err
	}

	var evaluator strategy.ThresholdEvaluator
	for _, s := range strategies {
		snapshot, err := j.snapshots.ComputeSnapshot(ctx, s.UserID, s.Dimension)
		if err != nil {
			j.log.Warn().Err(err).Str("strategy_id", s.ID).Msg("Snapshot unavailable, skipping strategy")
			continue
		}

		eval := evaluator.Evaluate(s, snapshot)
		if !eval.Eligible {
			continue
		}

		j.bus.PublishData("scheduler", &events.TriggerMatchedData{
			StrategyID:   s.ID,
			UserID:       s.UserID,
			TriggerType:  string(strategy.TriggerThreshold),
			DeviationPct: eval.MaxDrift,
		})

		startOperation(ctx, j.rebalancer, j.strategies, s, rebalancing.InitiatedByThreshold, j.log)
	}
	return nil
}

// PeriodicTriggerJob starts operations for periodic strategies whose
// schedule has come due.
type PeriodicTriggerJob struct {
	strategies *strategy.Repository
	rebalancer *rebalancing.Service
	bus        *events.Bus
	now        func() time.Time
	log        zerolog.Logger
}

// NewPeriodicTriggerJob creates the periodic evaluation job.
func NewPeriodicTriggerJob(
	strategies *strategy.Repository,
	rebalancer *rebalancing.Service,
	bus *events.Bus,
	log zerolog.Logger,
) *PeriodicTriggerJob {
	return &PeriodicTriggerJob{
		strategies: strategies,
		rebalancer: rebalancer,
		bus:        bus,
		now:        time.Now,
		log:        log.With().Str("job", "periodic_trigger").Logger(),
	}
}

// Name implements Job.
func (j *PeriodicTriggerJob) Name() string { return "periodic_trigger" }

// Run implements Job.
func (j *PeriodicTriggerJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), triggerJobTimeout)
	defer cancel()

	strategies, err := j.strategies.ListActiveByTrigger(strategy.TriggerPeriodic)
	if err != nil {
		return err
	}

	var evaluator strategy.PeriodicEvaluator
	now := j.now().UTC()
	for _, s := range strategies {
		if !evaluator.Evaluate(s, now) {
			continue
		}

		j.bus.PublishData("scheduler", &events.TriggerMatchedData{
			StrategyID:  s.ID,
			UserID:      s.UserID,
			TriggerType: string(strategy.TriggerPeriodic),
		})

		startOperation(ctx, j.rebalancer, j.strategies, s, rebalancing.InitiatedByPeriodic, j.log)
	}
	return nil
}

// startOperation creates and advances one operation for a triggered
// strategy. The schedule only advances when the operation was actually
// created; an already-running operation leaves it untouched.
func startOperation(
	ctx context.Context,
	rebalancer *rebalancing.Service,
	strategies *strategy.Repository,
	s *strategy.Strategy,
	initiatedBy rebalancing.InitiatedBy,
	log zerolog.Logger,
) {
	op, err := rebalancer.Create(ctx, rebalancing.CreateRequest{
		UserID:           s.UserID,
		StrategyID:       s.ID,
		Dimension:        s.Dimension,
		TargetAllocation: s.TargetAllocation,
		InitiatedBy:      initiatedBy,
		SimulateFirst:    s.SimulateBeforeExecution,
		ApprovalRequired: s.ManualApprovalRequired,
	})
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyExecuting) {
			log.Debug().Str("strategy_id", s.ID).Msg("User already has an active operation")
		} else {
			log.Error().Err(err).Str("strategy_id", s.ID).Msg("Failed to create operation")
		}
		return
	}

	if err := strategies.RecordRebalanceAttempt(s.ID, time.Now().UTC()); err != nil {
		log.Warn().Err(err).Str("strategy_id", s.ID).Msg("Failed to record rebalance attempt")
	}

	if op.Status.Terminal() {
		return
	}
	if _, err := rebalancer.Advance(ctx, op.ID); err != nil {
		log.Error().Err(err).Str("operation_id", op.ID).Msg("Failed to advance operation")
	}
}

// CachePruneJob deletes expired risk score cache rows.
type CachePruneJob struct {
	pruner interface{ PruneExpired() (int64, error) }
	log    zerolog.Logger
}

// NewCachePruneJob creates the cache pruning job.
func NewCachePruneJob(pruner interface{ PruneExpired() (int64, error) }, log zerolog.Logger) *CachePruneJob {
	return &CachePruneJob{pruner: pruner, log: log.With().Str("job", "cache_prune").Logger()}
}

// Name implements Job.
func (j *CachePruneJob) Name() string { return "cache_prune" }

// Run implements Job.
func (j *CachePruneJob) Run() error {
	pruned, err := j.pruner.PruneExpired()
	if err != nil {
		return err
	}
	if pruned > 0 {
		j.log.Debug().Int64("pruned", pruned).Msg("Expired risk scores removed")
	}
	return nil
}
