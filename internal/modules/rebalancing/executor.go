package rebalancing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"

	"github.com/parosfi/rebalancer/internal/config"
	"github.com/parosfi/rebalancer/internal/domain"
)

// ExecutionSummary is what one execution pass produced.
type ExecutionSummary struct {
	Executed    int
	Succeeded   int
	Failed      int
	GasCostUSD  float64
	SlippagePct float64
	Duration    time.Duration
}

// Executor runs an operation's pending transactions through their adapters.
// Transactions on different chains run in parallel; within one chain they
// run sequentially to keep nonce ordering simple. A failed transaction
// never aborts the pass - the rest of the plan still executes.
type Executor struct {
	adapters AdapterResolver
	ledger   domain.LedgerRecorder
	cfg      config.ExecutionConfig
	now      func() time.Time
	log      zerolog.Logger
}

// NewExecutor creates an executor.
func NewExecutor(adapters AdapterResolver, ledger domain.LedgerRecorder, cfg config.ExecutionConfig, log zerolog.Logger) *Executor {
	return &Executor{
		adapters: adapters,
		ledger:   ledger,
		cfg:      cfg,
		now:      time.Now,
		log:      log.With().Str("service", "executor").Logger(),
	}
}

// Execute runs every pending transaction of the operation, mutating the
// transactions in place. Already-completed transactions are skipped, which
// makes a resumed pass idempotent.
func (e *Executor) Execute(ctx context.Context, op *Operation) ExecutionSummary {
	start := e.now()

	pending := op.PendingTransactions()
	byChain := make(map[string][]*domain.Transaction)
	for _, tx := range pending {
		byChain[tx.Chain()] = append(byChain[tx.Chain()], tx)
	}

	var wg sync.WaitGroup
	for _, group := range byChain {
		wg.Add(1)
		go func(txs []*domain.Transaction) {
			defer wg.Done()
			for _, tx := range txs {
				e.executeOne(ctx, op, tx)
			}
		}(group)
	}
	wg.Wait()

	summary := ExecutionSummary{Executed: len(pending), Duration: e.now().Sub(start)}
	for _, tx := range pending {
		switch tx.Status {
		case domain.TxCompleted:
			summary.Succeeded++
			summary.GasCostUSD += tx.GasCostUSD
			summary.SlippagePct += tx.SlippagePct
		case domain.TxFailed:
			summary.Failed++
		}
	}
	return summary
}

// executeOne drives a single transaction through the retry policy. The
// transaction ends in TxCompleted or TxFailed, never pending.
func (e *Executor) executeOne(ctx context.Context, op *Operation, tx *domain.Transaction) {
	adapter, err := e.adapters.Resolve(tx.FromProtocol, tx.Chain())
	if err != nil {
		tx.Status = domain.TxFailed
		tx.Error = fmt.Sprintf("no adapter for protocol %q chain %q", tx.FromProtocol, tx.Chain())
		return
	}

	retry := &backoff.Backoff{
		Min:    e.cfg.RetryMinBackoff,
		Max:    e.cfg.RetryMaxBackoff,
		Factor: 2,
		Jitter: true,
	}

	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		tx.Attempts = attempt

		result, err := e.dispatch(ctx, adapter, op.UserID, tx)
		if err == nil && result.Success {
			tx.Status = domain.TxCompleted
			tx.TxRef = result.TxRef
			tx.GasCostUSD = result.GasCostUSD
			tx.SlippagePct = result.SlippagePct
			tx.Error = ""
			e.record(op, tx)
			return
		}

		if err != nil {
			tx.Error = err.Error()
		} else {
			tx.Error = result.Error
		}

		e.log.Warn().
			Str("operation_id", op.ID).
			Str("transaction_id", tx.ID).
			Int("attempt", attempt).
			Str("error", tx.Error).
			Msg("Transaction attempt failed")

		if ctx.Err() != nil || attempt == e.cfg.MaxAttempts {
			break
		}

		select {
		case <-time.After(retry.Duration()):
		case <-ctx.Done():
			tx.Status = domain.TxFailed
			tx.Error = ctx.Err().Error()
			return
		}
	}

	tx.Status = domain.TxFailed
}

// dispatch calls the adapter method matching the transaction type, bounded
// by the per-transaction timeout.
func (e *Executor) dispatch(ctx context.Context, adapter domain.ExecutionAdapter, userID string, tx *domain.Transaction) (*domain.ExecutionResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.TxTimeout)
	defer cancel()

	switch tx.Type {
	case domain.TxSwap:
		return adapter.ExecuteSwap(callCtx, domain.SwapRequest{
			UserID:    userID,
			FromAsset: tx.FromAsset,
			ToAsset:   tx.ToAsset,
			AmountUSD: tx.FromAmount,
			Protocol:  tx.FromProtocol,
			Chain:     tx.Chain(),
		})
	case domain.TxDeposit:
		return adapter.ExecuteDeposit(callCtx, domain.DepositRequest{
			UserID:    userID,
			Asset:     tx.ToAsset,
			AmountUSD: tx.ToAmount,
			Protocol:  tx.ToProtocol,
			Chain:     tx.Chain(),
		})
	case domain.TxWithdrawal:
		return adapter.ExecuteWithdrawal(callCtx, domain.WithdrawalRequest{
			UserID:    userID,
			Asset:     tx.FromAsset,
			AmountUSD: tx.FromAmount,
			Protocol:  tx.FromProtocol,
			Chain:     tx.Chain(),
		})
	default:
		return nil, fmt.Errorf("unknown transaction type %q", tx.Type)
	}
}

// record appends the executed transaction to the audit ledger. Ledger
// failures are logged, never raised: the transaction already settled.
func (e *Executor) record(op *Operation, tx *domain.Transaction) {
	if e.ledger == nil {
		return
	}
	err := e.ledger.RecordTransaction(domain.LedgerEntry{
		OperationID:   op.ID,
		TransactionID: tx.ID,
		UserID:        op.UserID,
		TxType:        tx.Type,
		FromAsset:     tx.FromAsset,
		ToAsset:       tx.ToAsset,
		AmountUSD:     tx.FromAmount,
		GasCostUSD:    tx.GasCostUSD,
		SlippagePct:   tx.SlippagePct,
		TxRef:         tx.TxRef,
		RecordedAt:    e.now().UTC(),
	})
	if err != nil {
		e.log.Error().
			Err(err).
			Str("operation_id", op.ID).
			Str("transaction_id", tx.ID).
			Msg("Failed to record ledger entry")
	}
}
