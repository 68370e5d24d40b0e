package risk

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/parosfi/rebalancer/internal/config"
	"github.com/parosfi/rebalancer/internal/domain"
	"github.com/parosfi/rebalancer/internal/events"
)

// Opportunity blend weights: the protocol score dominates, the
// opportunity-specific sub-factors share the remainder 0.4/0.3/0.3.
const (
	protocolBlendWeight    = 0.7
	opportunityBlendWeight = 0.3

	subWeightYieldVolatility = 0.4
	subWeightImpermanentLoss = 0.3
	subWeightLiquidity       = 0.3
)

// ScoreCache is the injected bounded-TTL cache abstraction. Concurrent
// recomputation races are tolerated (last-writer-wins); scores are advisory.
type ScoreCache interface {
	Get(subjectID string) (*domain.RiskScore, bool)
	Put(score domain.RiskScore, ttl time.Duration) error
}

// Predictor is the optional remote ML enhancement. A failing predictor must
// never fail scoring.
type Predictor interface {
	Predict(ctx context.Context, subjectID string, base domain.RiskScore) (*Prediction, error)
}

// Prediction is a remote model's risk estimate with its confidence.
type Prediction struct {
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
}

// Scorer computes risk scores for protocols and opportunities.
type Scorer struct {
	cfg       config.RiskConfig
	cache     ScoreCache
	predictor Predictor
	bus       *events.Bus
	now       func() time.Time
	log       zerolog.Logger
}

// NewScorer creates a new risk scorer. cache, predictor and bus may be nil.
func NewScorer(cfg config.RiskConfig, cache ScoreCache, predictor Predictor, bus *events.Bus, log zerolog.Logger) *Scorer {
	return &Scorer{
		cfg:       cfg,
		cache:     cache,
		predictor: predictor,
		bus:       bus,
		now:       time.Now,
		log:       log.With().Str("service", "risk").Logger(),
	}
}

// ScoreProtocol computes the weighted six-factor risk score of a protocol.
// Missing signals degrade to neutral sub-scores; the call itself never fails.
func (s *Scorer) ScoreProtocol(ctx context.Context, p *domain.Protocol) domain.RiskScore {
	if cached, ok := s.cacheGet(p.ID); ok {
		return *cached
	}

	w := s.cfg.Weights
	breakdown := map[string]domain.FactorScore{
		FactorTVL:        {Score: tvlScore(p.TVLUSD), Weight: w.TVL},
		FactorAudit:      {Score: auditScore(p), Weight: w.Audit},
		FactorAge:        {Score: ageScore(p.AgeDays(s.now())), Weight: w.Age},
		FactorVolatility: {Score: volatilityScore(p.APYHistory, p.Category), Weight: w.Volatility},
		FactorComplexity: {Score: complexityScore(p.Category), Weight: w.Complexity},
		FactorCommunity:  {Score: communityScore(p), Weight: w.Community},
	}

	score := s.finalize(ctx, p.ID, domain.SubjectProtocol, breakdown)
	s.cachePut(score)
	s.publish(score)
	return score
}

// ScoreOpportunity blends the protocol score with the opportunity-specific
// yield-volatility, impermanent-loss and liquidity sub-factors.
func (s *Scorer) ScoreOpportunity(ctx context.Context, opp *domain.Opportunity) domain.RiskScore {
	if cached, ok := s.cacheGet(opp.ID); ok {
		return *cached
	}

	protocolScore := neutralScore
	category := ""
	if opp.Protocol != nil {
		// The protocol component reuses the full protocol scoring path
		// (including its own cache entry).
		protocolScore = s.ScoreProtocol(ctx, opp.Protocol).OverallScore
		category = opp.Protocol.Category
	}

	history := opp.APYHistory
	if len(history) < 2 && opp.Protocol != nil {
		history = opp.Protocol.APYHistory
	}

	breakdown := map[string]domain.FactorScore{
		FactorProtocol:   {Score: protocolScore, Weight: protocolBlendWeight},
		FactorVolatility: {Score: volatilityScore(history, category), Weight: opportunityBlendWeight * subWeightYieldVolatility},
		FactorILRisk:     {Score: impermanentLossScore(opp.ILExposure), Weight: opportunityBlendWeight * subWeightImpermanentLoss},
		FactorLiquidity:  {Score: liquidityScore(opp.LiquidityUSD), Weight: opportunityBlendWeight * subWeightLiquidity},
	}

	score := s.finalize(ctx, opp.ID, domain.SubjectOpportunity, breakdown)
	s.cachePut(score)
	s.publish(score)
	return score
}

// finalize computes the weighted sum, applies the optional ML blend and
// assigns the tier.
func (s *Scorer) finalize(ctx context.Context, subjectID string, subjectType domain.SubjectType, breakdown map[string]domain.FactorScore) domain.RiskScore {
	weighted := 0.0
	for _, factor := range breakdown {
		weighted += domain.ClampScore(factor.Score) * factor.Weight
	}

	score := domain.RiskScore{
		SubjectID:    subjectID,
		SubjectType:  subjectType,
		OverallScore: domain.ClampScore(weighted),
		Breakdown:    breakdown,
		ComputedAt:   s.now().UTC(),
	}

	score = s.enhance(ctx, score)
	score.Tier = domain.TierForScore(score.OverallScore)
	return score
}

// enhance blends a remote ML prediction into the base score. Any remote
// failure falls back silently to the base score; low-confidence predictions
// are discarded.
func (s *Scorer) enhance(ctx context.Context, base domain.RiskScore) domain.RiskScore {
	if s.predictor == nil {
		return base
	}

	prediction, err := s.predictor.Predict(ctx, base.SubjectID, base)
	if err != nil {
		s.log.Debug().Err(err).Str("subject", base.SubjectID).Msg("ML prediction unavailable, using base score")
		return base
	}

	if prediction.Confidence < s.cfg.MLMinConfidence {
		s.log.Debug().
			Str("subject", base.SubjectID).
			Float64("confidence", prediction.Confidence).
			Msg("Discarding low-confidence ML prediction")
		return base
	}

	blend := s.cfg.MLBlendWeight
	base.OverallScore = domain.ClampScore(prediction.Score*blend + base.OverallScore*(1-blend))
	base.Confidence = prediction.Confidence
	base.MLEnhanced = true
	return base
}

func (s *Scorer) cacheGet(subjectID string) (*domain.RiskScore, bool) {
	if s.cache == nil {
		return nil, false
	}
	return s.cache.Get(subjectID)
}

func (s *Scorer) cachePut(score domain.RiskScore) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Put(score, s.cfg.CacheTTL); err != nil {
		s.log.Warn().Err(err).Str("subject", score.SubjectID).Msg("Failed to cache risk score")
	}
}

func (s *Scorer) publish(score domain.RiskScore) {
	if s.bus == nil {
		return
	}
	s.bus.PublishData("risk", &events.ScoreUpdatedData{
		SubjectID:   score.SubjectID,
		SubjectType: string(score.SubjectType),
		Score:       score.OverallScore,
		Tier:        string(score.Tier),
	})
}
