package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/parosfi/rebalancer/internal/domain"
)

func TestTVLScore_Buckets(t *testing.T) {
	tests := []struct {
		name string
		tvl  float64
		want float64
	}{
		{"unknown", 0, 50},
		{"billion plus", 2_000_000_000, 10},
		{"half billion", 600_000_000, 20},
		{"hundred million", 150_000_000, 35},
		{"ten million", 25_000_000, 55},
		{"one million", 3_000_000, 75},
		{"tiny", 400_000, 95},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tvlScore(tt.tvl))
		})
	}
}

func TestAuditScore(t *testing.T) {
	assert.Equal(t, 100.0, auditScore(&domain.Protocol{}))
	assert.Equal(t, 60.0, auditScore(&domain.Protocol{Audited: true, AuditCount: 1}))
	assert.Equal(t, 35.0, auditScore(&domain.Protocol{Audited: true, AuditCount: 2}))
	assert.Equal(t, 15.0, auditScore(&domain.Protocol{Audited: true, AuditCount: 3}))
	assert.Equal(t, 15.0, auditScore(&domain.Protocol{Audited: true, AuditCount: 7}))
}

func TestAgeScore(t *testing.T) {
	assert.Equal(t, 50.0, ageScore(0)) // unknown
	assert.Equal(t, 90.0, ageScore(30))
	assert.Equal(t, 75.0, ageScore(100))
	assert.Equal(t, 55.0, ageScore(200))
	assert.Equal(t, 35.0, ageScore(400))
	assert.Equal(t, 20.0, ageScore(800))
	assert.Equal(t, 10.0, ageScore(1200))
}

func TestVolatilityScore_CoV(t *testing.T) {
	// Near-constant APY history -> low volatility risk
	stable := []float64{5.0, 5.1, 4.9, 5.0, 5.05}
	assert.Equal(t, 15.0, volatilityScore(stable, domain.CategoryLending))

	// Wildly swinging APY -> high volatility risk
	wild := []float64{2.0, 40.0, 5.0, 80.0, 1.0}
	assert.Equal(t, 90.0, volatilityScore(wild, domain.CategoryLending))
}

func TestVolatilityScore_FallsBackToCategory(t *testing.T) {
	assert.Equal(t, 35.0, volatilityScore(nil, domain.CategoryLending))
	assert.Equal(t, 75.0, volatilityScore([]float64{5.0}, domain.CategoryDerivatives))
	assert.Equal(t, 50.0, volatilityScore(nil, "something_new"))
}

func TestComplexityScore(t *testing.T) {
	assert.Equal(t, 25.0, complexityScore(domain.CategoryStaking))
	assert.Equal(t, 80.0, complexityScore(domain.CategoryDerivatives))
	assert.Equal(t, 50.0, complexityScore("unknown"))
}

func TestCommunityScore(t *testing.T) {
	// Both signals present: 0.6 stars + 0.4 social
	p := &domain.Protocol{GitHubStars: 6000, TwitterFollowers: 200_000}
	assert.InDelta(t, 10.0, communityScore(p), 0.001)

	// Stars only
	starsOnly := &domain.Protocol{GitHubStars: 300}
	assert.Equal(t, 65.0, communityScore(starsOnly))

	// Neither signal: TVL proxy
	tvlProxy := &domain.Protocol{TVLUSD: 2_000_000_000}
	assert.Equal(t, 10.0, communityScore(tvlProxy))

	// Nothing at all: neutral
	assert.Equal(t, 50.0, communityScore(&domain.Protocol{}))
}

func TestLiquidityScore(t *testing.T) {
	assert.Equal(t, 50.0, liquidityScore(0))
	assert.Equal(t, 10.0, liquidityScore(200_000_000))
	assert.Equal(t, 90.0, liquidityScore(50_000))
}

func TestImpermanentLossScore(t *testing.T) {
	assert.Equal(t, 50.0, impermanentLossScore(nil))

	exposure := 0.4
	assert.Equal(t, 40.0, impermanentLossScore(&exposure))

	over := 1.5
	assert.Equal(t, 100.0, impermanentLossScore(&over))
}
