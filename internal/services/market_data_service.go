// Package services holds cross-module application services.
package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/parosfi/rebalancer/internal/domain"
)

// PriceFeed is the upstream source of prices and protocol metadata.
type PriceFeed interface {
	FetchPriceUSD(ctx context.Context, asset string) (float64, error)
	FetchProtocol(ctx context.Context, protocolID string) (*domain.Protocol, error)
}

// Cache lifetimes: prices move fast, protocol metadata barely moves.
const (
	priceTTL    = 30 * time.Second
	protocolTTL = 10 * time.Minute

	// staleTolerance bounds how old a cached value may be when it is served
	// because the upstream is down.
	staleTolerance = 15 * time.Minute
)

type cachedPrice struct {
	value     float64
	fetchedAt time.Time
}

type cachedProtocol struct {
	value     *domain.Protocol
	fetchedAt time.Time
}

// MarketDataService caches a price feed with stale-serving fallback. A
// fresh cache hit never touches the feed; on feed failure a stale entry
// inside the tolerance window is served instead of the error.
type MarketDataService struct {
	feed PriceFeed
	now  func() time.Time
	log  zerolog.Logger

	mu        sync.RWMutex
	prices    map[string]cachedPrice
	protocols map[string]cachedProtocol
}

// NewMarketDataService creates a caching market data source.
func NewMarketDataService(feed PriceFeed, log zerolog.Logger) *MarketDataService {
	return &MarketDataService{
		feed:      feed,
		now:       time.Now,
		prices:    make(map[string]cachedPrice),
		protocols: make(map[string]cachedProtocol),
		log:       log.With().Str("service", "market_data").Logger(),
	}
}

// AssetPriceUSD returns the USD price of an asset.
func (s *MarketDataService) AssetPriceUSD(ctx context.Context, asset string) (float64, error) {
	s.mu.RLock()
	cached, ok := s.prices[asset]
	s.mu.RUnlock()

	now := s.now()
	if ok && now.Sub(cached.fetchedAt) < priceTTL {
		return cached.value, nil
	}

	price, err := s.feed.FetchPriceUSD(ctx, asset)
	if err != nil {
		if ok && now.Sub(cached.fetchedAt) < staleTolerance {
			s.log.Warn().
				Err(err).
				Str("asset", asset).
				Dur("age", now.Sub(cached.fetchedAt)).
				Msg("Price feed unavailable, serving stale price")
			return cached.value, nil
		}
		return 0, fmt.Errorf("failed to fetch price for %s: %w", asset, err)
	}

	s.mu.Lock()
	s.prices[asset] = cachedPrice{value: price, fetchedAt: now}
	s.mu.Unlock()
	return price, nil
}

// GetProtocol returns protocol metadata.
func (s *MarketDataService) GetProtocol(ctx context.Context, protocolID string) (*domain.Protocol, error) {
	s.mu.RLock()
	cached, ok := s.protocols[protocolID]
	s.mu.RUnlock()

	now := s.now()
	if ok && now.Sub(cached.fetchedAt) < protocolTTL {
		return cached.value, nil
	}

	protocol, err := s.feed.FetchProtocol(ctx, protocolID)
	if err != nil {
		if ok && now.Sub(cached.fetchedAt) < staleTolerance {
			s.log.Warn().
				Err(err).
				Str("protocol_id", protocolID).
				Msg("Metadata feed unavailable, serving stale protocol")
			return cached.value, nil
		}
		return nil, fmt.Errorf("failed to fetch protocol %s: %w", protocolID, err)
	}

	s.mu.Lock()
	s.protocols[protocolID] = cachedProtocol{value: protocol, fetchedAt: now}
	s.mu.Unlock()
	return protocol, nil
}

// StaticFeed is a compile-time price feed used in dev mode and tests.
type StaticFeed struct {
	mu        sync.RWMutex
	Prices    map[string]float64
	Protocols map[string]*domain.Protocol
}

// NewStaticFeed seeds a feed with a plausible dev-mode universe.
func NewStaticFeed() *StaticFeed {
	launched := time.Now().AddDate(-3, 0, 0)
	return &StaticFeed{
		Prices: map[string]float64{
			"ETH": 2500, "BTC": 60000, "SOL": 150, "USDC": 1, "USDT": 1, "DAI": 1,
		},
		Protocols: map[string]*domain.Protocol{
			"aave-v3": {
				ID: "aave-v3", Name: "Aave V3", Category: domain.CategoryLending,
				Chain: "ethereum", TVLUSD: 11_000_000_000, AuditCount: 4, Audited: true,
				LaunchedAt: launched, GitHubStars: 5200, TwitterFollowers: 600000,
			},
			"lido": {
				ID: "lido", Name: "Lido", Category: domain.CategoryStaking,
				Chain: "ethereum", TVLUSD: 24_000_000_000, AuditCount: 5, Audited: true,
				LaunchedAt: launched, GitHubStars: 1800, TwitterFollowers: 400000,
			},
		},
	}
}

// FetchPriceUSD returns the static price.
func (f *StaticFeed) FetchPriceUSD(ctx context.Context, asset string) (float64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	price, ok := f.Prices[asset]
	if !ok {
		return 0, domain.ErrNotFound
	}
	return price, nil
}

// FetchProtocol returns the static protocol record.
func (f *StaticFeed) FetchProtocol(ctx context.Context, protocolID string) (*domain.Protocol, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	protocol, ok := f.Protocols[protocolID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return protocol, nil
}
