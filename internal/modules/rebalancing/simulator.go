package rebalancing

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/parosfi/rebalancer/internal/domain"
)

// AdapterResolver finds the execution adapter for a protocol/chain pair.
// The simulator and executor share one resolver so a plan simulates against
// the adapters it will execute on.
type AdapterResolver interface {
	Resolve(protocol, chain string) (domain.ExecutionAdapter, error)
}

// Per-type fallback gas costs used when an adapter cannot produce an
// estimate. Deliberately pessimistic for swaps.
const (
	fallbackSwapGasUSD       = 12.0
	fallbackDepositGasUSD    = 5.0
	fallbackWithdrawalGasUSD = 5.0

	// Per-type slippage assumptions, in percent of the moved amount.
	// Deposits and withdrawals move one asset and slip far less than swaps;
	// cross-chain routing adds bridge spread on top.
	slippageSwapPct       = 0.3
	slippageTransferPct   = 0.05
	slippageCrossChainPct = 0.2

	// Per-transaction latency assumptions for the projected duration.
	sameChainLatency  = 15 * time.Second
	crossChainLatency = 3 * time.Minute
)

// Simulator produces a dry-run projection of an operation's transaction
// plan without touching any chain.
type Simulator struct {
	adapters AdapterResolver
	now      func() time.Time
	log      zerolog.Logger
}

// NewSimulator creates a simulator.
func NewSimulator(adapters AdapterResolver, log zerolog.Logger) *Simulator {
	return &Simulator{
		adapters: adapters,
		now:      time.Now,
		log:      log.With().Str("service", "simulator").Logger(),
	}
}

// Simulate walks the transaction plan, collecting gas and slippage
// projections and warnings. A transaction with no resolvable adapter or a
// non-positive amount is a blocking error; estimate failures degrade to
// fixed fallbacks with a warning.
func (s *Simulator) Simulate(ctx context.Context, op *Operation) *SimulationResult {
	result := &SimulationResult{SimulatedAt: s.now().UTC()}

	var movedUSD, slippageUSD float64
	for i := range op.Transactions {
		tx := &op.Transactions[i]

		if tx.FromAmount <= 0 {
			result.BlockingErrors = append(result.BlockingErrors,
				fmt.Sprintf("transaction %s has non-positive amount %.2f", tx.ID, tx.FromAmount))
			continue
		}

		adapter, err := s.adapters.Resolve(tx.FromProtocol, tx.Chain())
		if err != nil {
			result.BlockingErrors = append(result.BlockingErrors,
				fmt.Sprintf("transaction %s: no adapter for protocol %q chain %q", tx.ID, tx.FromProtocol, tx.Chain()))
			continue
		}

		estimate, err := adapter.EstimateGas(ctx, tx)
		if err != nil {
			fallback := fallbackGasUSD(tx.Type)
			s.log.Warn().
				Err(err).
				Str("transaction_id", tx.ID).
				Float64("fallback_usd", fallback).
				Msg("Gas estimate failed, using fallback")
			result.ProjectedGasCostUSD += fallback
			result.Warnings = append(result.Warnings, SimulationWarning{
				TransactionID: tx.ID,
				Message:       fmt.Sprintf("gas estimate unavailable, assuming $%.2f", fallback),
			})
		} else {
			result.ProjectedGasCostUSD += estimate.CostUSD
		}

		slipPct := slippagePct(tx.Type)
		latency := sameChainLatency
		if tx.CrossChain() {
			latency = crossChainLatency
			slipPct += slippageCrossChainPct
			result.Warnings = append(result.Warnings, SimulationWarning{
				TransactionID: tx.ID,
				Message:       fmt.Sprintf("cross-chain transfer %s to %s, settlement may take minutes", tx.FromChain, tx.ToChain),
			})
		}
		movedUSD += tx.FromAmount
		slippageUSD += tx.FromAmount * slipPct / 100
		result.ProjectedDurationMS += latency.Milliseconds()
	}

	if movedUSD > 0 {
		result.ProjectedSlippagePct = slippageUSD / movedUSD * 100
	}
	if op.CurrentAllocation != nil {
		result.ProjectedValueAfterUSD = op.CurrentAllocation.TotalValueUSD - result.ProjectedGasCostUSD - slippageUSD
	}

	switch {
	case len(result.BlockingErrors) > 0:
		result.Result = SimulationFailed
	case len(result.Warnings) > 0:
		result.Result = SimulationPartial
	default:
		result.Result = SimulationOK
	}

	s.log.Debug().
		Int("transactions", len(op.Transactions)).
		Int("warnings", len(result.Warnings)).
		Int("blocking", len(result.BlockingErrors)).
		Float64("projected_gas_usd", result.ProjectedGasCostUSD).
		Float64("projected_slippage_pct", result.ProjectedSlippagePct).
		Str("result", string(result.Result)).
		Msg("Simulation complete")

	return result
}

func slippagePct(txType domain.TxType) float64 {
	switch txType {
	case domain.TxSwap:
		return slippageSwapPct
	default:
		return slippageTransferPct
	}
}

func fallbackGasUSD(txType domain.TxType) float64 {
	switch txType {
	case domain.TxSwap:
		return fallbackSwapGasUSD
	case domain.TxDeposit:
		return fallbackDepositGasUSD
	case domain.TxWithdrawal:
		return fallbackWithdrawalGasUSD
	default:
		return fallbackSwapGasUSD
	}
}
