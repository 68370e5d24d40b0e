// Package risk provides the risk scoring engine: weighted multi-factor
// protocol scoring, opportunity scoring, tier assignment and an injected
// bounded-TTL score cache.
package risk

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/parosfi/rebalancer/internal/domain"
)

// neutralScore is returned by any factor that cannot resolve its input data.
// A single missing signal must never abort scoring.
const neutralScore = 50.0

// Factor names used in score breakdowns.
const (
	FactorTVL        = "tvl"
	FactorAudit      = "audit_coverage"
	FactorAge        = "age"
	FactorVolatility = "yield_volatility"
	FactorComplexity = "complexity"
	FactorCommunity  = "community"

	FactorProtocol  = "protocol"
	FactorILRisk    = "impermanent_loss"
	FactorLiquidity = "liquidity"
)

// tvlScore maps total value locked onto risk. Inverse relationship: deeper
// TVL means more battle-tested capital, hence lower risk.
func tvlScore(tvlUSD float64) float64 {
	switch {
	case tvlUSD <= 0:
		return neutralScore // unknown
	case tvlUSD >= 1_000_000_000:
		return 10
	case tvlUSD >= 500_000_000:
		return 20
	case tvlUSD >= 100_000_000:
		return 35
	case tvlUSD >= 10_000_000:
		return 55
	case tvlUSD >= 1_000_000:
		return 75
	default:
		return 95
	}
}

// auditScore maps audit coverage onto risk. Unaudited code is the single
// strongest red flag the engine knows about.
func auditScore(p *domain.Protocol) float64 {
	if !p.Audited && p.AuditCount == 0 {
		return 100
	}

	switch {
	case p.AuditCount >= 3:
		return 15
	case p.AuditCount == 2:
		return 35
	default:
		return 60
	}
}

// ageScore maps days since protocol inception onto risk.
func ageScore(ageDays float64) float64 {
	switch {
	case ageDays <= 0:
		return neutralScore // launch date unknown
	case ageDays >= 1095: // 3 years
		return 10
	case ageDays >= 730: // 2 years
		return 20
	case ageDays >= 365:
		return 35
	case ageDays >= 180:
		return 55
	case ageDays >= 90:
		return 75
	default:
		return 90
	}
}

// volatilityScore maps the coefficient of variation of an APY history onto
// risk. With fewer than two observations it falls back to a category-based
// estimate.
func volatilityScore(apyHistory []float64, category string) float64 {
	if len(apyHistory) < 2 {
		return categoryVolatilityEstimate(category)
	}

	mean, std := stat.MeanStdDev(apyHistory, nil)
	if mean <= 0 || math.IsNaN(std) {
		return categoryVolatilityEstimate(category)
	}

	cov := std / mean
	switch {
	case cov < 0.1:
		return 15
	case cov < 0.25:
		return 30
	case cov < 0.5:
		return 50
	case cov < 1.0:
		return 70
	default:
		return 90
	}
}

// categoryVolatilityEstimate approximates yield volatility when no APY
// history exists.
func categoryVolatilityEstimate(category string) float64 {
	switch category {
	case domain.CategoryStaking:
		return 30
	case domain.CategoryLending:
		return 35
	case domain.CategoryDEX:
		return 55
	case domain.CategoryYieldAggregator:
		return 60
	case domain.CategoryDerivatives:
		return 75
	default:
		return neutralScore
	}
}

// complexityScore is a fixed structural-complexity estimate per protocol
// category. More moving parts, more ways to break.
func complexityScore(category string) float64 {
	switch category {
	case domain.CategoryStaking:
		return 25
	case domain.CategoryLending:
		return 30
	case domain.CategoryDEX:
		return 45
	case domain.CategoryYieldAggregator:
		return 65
	case domain.CategoryDerivatives:
		return 80
	default:
		return neutralScore
	}
}

// communityScore blends GitHub and social signals. When neither is
// available it proxies through TVL (a protocol holding real capital has a
// de-facto community).
func communityScore(p *domain.Protocol) float64 {
	stars := githubStarsScore(p.GitHubStars)
	social := socialScore(p.TwitterFollowers)

	switch {
	case stars >= 0 && social >= 0:
		return stars*0.6 + social*0.4
	case stars >= 0:
		return stars
	case social >= 0:
		return social
	case p.TVLUSD > 0:
		return tvlScore(p.TVLUSD)
	default:
		return neutralScore
	}
}

// githubStarsScore returns -1 when the signal is missing.
func githubStarsScore(stars int) float64 {
	switch {
	case stars <= 0:
		return -1
	case stars >= 5000:
		return 10
	case stars >= 2000:
		return 25
	case stars >= 500:
		return 45
	case stars >= 100:
		return 65
	default:
		return 85
	}
}

// socialScore returns -1 when the signal is missing.
func socialScore(followers int) float64 {
	switch {
	case followers <= 0:
		return -1
	case followers >= 100_000:
		return 10
	case followers >= 25_000:
		return 30
	case followers >= 5_000:
		return 50
	default:
		return 75
	}
}

// liquidityScore maps available liquidity of an opportunity onto risk.
func liquidityScore(liquidityUSD float64) float64 {
	switch {
	case liquidityUSD <= 0:
		return neutralScore // unknown
	case liquidityUSD >= 100_000_000:
		return 10
	case liquidityUSD >= 10_000_000:
		return 25
	case liquidityUSD >= 1_000_000:
		return 45
	case liquidityUSD >= 100_000:
		return 70
	default:
		return 90
	}
}

// impermanentLossScore maps an LP exposure fraction onto risk. Nil exposure
// (not an LP position, or unknown) is neutral.
func impermanentLossScore(exposure *float64) float64 {
	if exposure == nil {
		return neutralScore
	}
	return domain.ClampScore(*exposure * 100)
}
