package adapters

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parosfi/rebalancer/internal/domain"
)

func TestRegistryResolveExactMatch(t *testing.T) {
	exact := NewPaperAdapter(zerolog.Nop())
	chainWide := NewPaperAdapter(zerolog.Nop())

	reg := NewRegistry(nil)
	reg.Register("aave-v3", "ethereum", exact)
	reg.Register("", "ethereum", chainWide)

	got, err := reg.Resolve("aave-v3", "ethereum")
	require.NoError(t, err)
	assert.Same(t, exact, got.(*PaperAdapter))

	got, err = reg.Resolve("lido", "ethereum")
	require.NoError(t, err)
	assert.Same(t, chainWide, got.(*PaperAdapter))
}

func TestRegistryFallback(t *testing.T) {
	fallback := NewPaperAdapter(zerolog.Nop())
	reg := NewRegistry(fallback)

	got, err := reg.Resolve("unknown", "nowhere")
	require.NoError(t, err)
	assert.Same(t, fallback, got.(*PaperAdapter))
}

func TestRegistryNoMatchNoFallback(t *testing.T) {
	reg := NewRegistry(nil)

	_, err := reg.Resolve("unknown", "nowhere")
	assert.Error(t, err)
}

func TestPaperSwapTracksBalances(t *testing.T) {
	adapter := NewPaperAdapter(zerolog.Nop())

	result, err := adapter.ExecuteSwap(context.Background(), domain.SwapRequest{
		UserID: "u1", FromAsset: "ETH", ToAsset: "USDC", AmountUSD: 1000,
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.NotEmpty(t, result.TxRef)

	eth, err := adapter.GetBalance(context.Background(), "u1", "ETH")
	require.NoError(t, err)
	assert.Equal(t, -1000.0, eth)

	usdc, err := adapter.GetBalance(context.Background(), "u1", "USDC")
	require.NoError(t, err)
	assert.Equal(t, 1000.0, usdc)
}

func TestPaperResultsDeterministic(t *testing.T) {
	a := NewPaperAdapter(zerolog.Nop())
	b := NewPaperAdapter(zerolog.Nop())

	req := domain.SwapRequest{UserID: "u1", FromAsset: "ETH", ToAsset: "USDC", AmountUSD: 500}
	first, err := a.ExecuteSwap(context.Background(), req)
	require.NoError(t, err)
	second, err := b.ExecuteSwap(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.TxRef, second.TxRef)
	assert.Equal(t, first.GasCostUSD, second.GasCostUSD)
	assert.Equal(t, first.SlippagePct, second.SlippagePct)
}

func TestPaperGasEstimateCrossChainCostsMore(t *testing.T) {
	adapter := NewPaperAdapter(zerolog.Nop())

	same := &domain.Transaction{ID: "t1", FromAsset: "ETH", ToAsset: "USDC", FromChain: "ethereum", ToChain: "ethereum"}
	cross := &domain.Transaction{ID: "t1", FromAsset: "ETH", ToAsset: "USDC", FromChain: "ethereum", ToChain: "arbitrum"}

	sameEst, err := adapter.EstimateGas(context.Background(), same)
	require.NoError(t, err)
	crossEst, err := adapter.EstimateGas(context.Background(), cross)
	require.NoError(t, err)

	assert.Greater(t, crossEst.CostUSD, sameEst.CostUSD)
}
