package allocation

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/parosfi/rebalancer/internal/domain"
)

const holdingsTestSchema = `
CREATE TABLE holdings (
    user_id     TEXT NOT NULL,
    asset       TEXT NOT NULL,
    protocol_id TEXT NOT NULL DEFAULT '',
    chain       TEXT NOT NULL DEFAULT '',
    amount      REAL NOT NULL,
    updated_at  INTEGER NOT NULL,
    PRIMARY KEY (user_id, asset, protocol_id, chain)
);
`

func setupHoldingsDB(t *testing.T) *sql.DB {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)

	_, err = db.Exec(holdingsTestSchema)
	require.NoError(t, err)

	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestHoldingsRepositoryUpsertAndGet(t *testing.T) {
	repo := NewSQLiteHoldingsRepository(setupHoldingsDB(t))

	require.NoError(t, repo.UpsertHolding(domain.Holding{
		UserID: "u1", Asset: "ETH", ProtocolID: "lido", Chain: "ethereum", Amount: 2,
	}))
	require.NoError(t, repo.UpsertHolding(domain.Holding{
		UserID: "u1", Asset: "USDC", ProtocolID: "aave-v3", Chain: "ethereum", Amount: 500,
	}))
	require.NoError(t, repo.UpsertHolding(domain.Holding{
		UserID: "u2", Asset: "ETH", Chain: "arbitrum", Amount: 1,
	}))

	holdings, err := repo.GetHoldings("u1")
	require.NoError(t, err)
	require.Len(t, holdings, 2)
	assert.Equal(t, "ETH", holdings[0].Asset)
	assert.Equal(t, 2.0, holdings[0].Amount)
	assert.Equal(t, "USDC", holdings[1].Asset)
}

func TestHoldingsRepositoryUpsertReplacesAmount(t *testing.T) {
	repo := NewSQLiteHoldingsRepository(setupHoldingsDB(t))

	h := domain.Holding{UserID: "u1", Asset: "ETH", ProtocolID: "lido", Chain: "ethereum", Amount: 2}
	require.NoError(t, repo.UpsertHolding(h))

	h.Amount = 3.5
	require.NoError(t, repo.UpsertHolding(h))

	holdings, err := repo.GetHoldings("u1")
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	assert.Equal(t, 3.5, holdings[0].Amount)
}

func TestHoldingsRepositoryZeroAmountDeletes(t *testing.T) {
	repo := NewSQLiteHoldingsRepository(setupHoldingsDB(t))

	h := domain.Holding{UserID: "u1", Asset: "ETH", ProtocolID: "lido", Chain: "ethereum", Amount: 2}
	require.NoError(t, repo.UpsertHolding(h))

	h.Amount = 0
	require.NoError(t, repo.UpsertHolding(h))

	holdings, err := repo.GetHoldings("u1")
	require.NoError(t, err)
	assert.Empty(t, holdings)
}

func TestHoldingsRepositoryEmptyUser(t *testing.T) {
	repo := NewSQLiteHoldingsRepository(setupHoldingsDB(t))

	holdings, err := repo.GetHoldings("nobody")
	require.NoError(t, err)
	assert.Empty(t, holdings)
}
