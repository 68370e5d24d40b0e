package allocation

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/parosfi/rebalancer/internal/domain"
)

// SnapshotService computes the current allocation of a user's holdings
// along a dimension, valuing positions through the market data source.
type SnapshotService struct {
	holdings domain.HoldingsRepository
	market   domain.MarketDataSource
	now      func() time.Time
	log      zerolog.Logger
}

// NewSnapshotService creates a new allocation snapshot service.
func NewSnapshotService(holdings domain.HoldingsRepository, market domain.MarketDataSource, log zerolog.Logger) *SnapshotService {
	return &SnapshotService{
		holdings: holdings,
		market:   market,
		now:      time.Now,
		log:      log.With().Str("service", "allocation").Logger(),
	}
}

// ComputeSnapshot values all holdings and groups them along the requested
// dimension. A holding whose price cannot be resolved is valued at zero and
// logged; a missing price never fails the snapshot.
func (s *SnapshotService) ComputeSnapshot(ctx context.Context, userID string, dimension domain.Dimension) (*domain.AllocationSnapshot, error) {
	holdings, err := s.holdings.GetHoldings(userID)
	if err != nil {
		return nil, err
	}

	type bucket struct {
		name  string
		value float64
	}
	buckets := make(map[string]*bucket)
	order := make([]string, 0)
	totalValue := 0.0

	for _, holding := range holdings {
		price, err := s.market.AssetPriceUSD(ctx, holding.Asset)
		if err != nil {
			s.log.Warn().
				Err(err).
				Str("asset", holding.Asset).
				Msg("Price unavailable, valuing holding at zero")
			price = 0
		}
		value := holding.Amount * price
		totalValue += value

		key, name := dimensionKey(holding, dimension)
		if b, ok := buckets[key]; ok {
			b.value += value
			continue
		}
		buckets[key] = &bucket{name: name, value: value}
		order = append(order, key)
	}

	snapshot := &domain.AllocationSnapshot{
		Dimension:     dimension,
		TotalValueUSD: roundUSD(totalValue),
		ComputedAt:    s.now().UTC(),
	}

	// Zero total value means an empty entry list.
	if totalValue <= 0 {
		return snapshot, nil
	}

	for _, key := range order {
		b := buckets[key]
		snapshot.Entries = append(snapshot.Entries, domain.AllocationEntry{
			Dimension:  dimension,
			ID:         key,
			Name:       b.name,
			AmountUSD:  roundUSD(b.value),
			Percentage: b.value / totalValue * 100,
		})
	}

	sort.SliceStable(snapshot.Entries, func(i, j int) bool {
		return snapshot.Entries[i].AmountUSD > snapshot.Entries[j].AmountUSD
	})

	roundPercentages(snapshot.Entries)
	return snapshot, nil
}

// dimensionKey returns the grouping key and display name of a holding along
// a dimension. Holdings without a protocol/chain fall into a "wallet"
// bucket.
func dimensionKey(holding domain.Holding, dimension domain.Dimension) (string, string) {
	switch dimension {
	case domain.DimensionProtocol:
		if holding.ProtocolID == "" {
			return "wallet", "Wallet"
		}
		return holding.ProtocolID, holding.ProtocolID
	case domain.DimensionChain:
		if holding.Chain == "" {
			return "unknown", "Unknown"
		}
		return holding.Chain, holding.Chain
	default:
		return holding.Asset, holding.Asset
	}
}

// roundPercentages rounds entries to 2 decimal places and absorbs the
// rounding residual into the largest entry so the list always sums to 100.
func roundPercentages(entries []domain.AllocationEntry) {
	if len(entries) == 0 {
		return
	}

	sum := decimal.Zero
	for i := range entries {
		rounded := decimal.NewFromFloat(entries[i].Percentage).Round(2)
		entries[i].Percentage = rounded.InexactFloat64()
		sum = sum.Add(rounded)
	}

	residual := decimal.NewFromInt(100).Sub(sum)
	if !residual.IsZero() {
		// Entries are sorted by value descending, the largest is first.
		entries[0].Percentage = decimal.NewFromFloat(entries[0].Percentage).
			Add(residual).Round(2).InexactFloat64()
	}
}
