package bootstrap

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chaingive/settlement-service/internal/config"
	"github.com/chaingive/settlement-service/internal/domain"
)

func TestMemoryStoreEngine(t *testing.T) {
	ctx := context.Background()
	cfg := config.Config{StoreDriver: config.StoreDriverMemory, ForfeitSinkAccountID: "community-pool"}

	st, err := OpenStore(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	defer st.Close()

	redisClient, closeRedis := OpenRedis(ctx, cfg, zap.NewNop())
	defer closeRedis()
	assert.Nil(t, redisClient)

	engine := NewEngine(st.Repository, redisClient, cfg, zap.NewNop())
	assert.Len(t, engine.Pruners, 2)

	_, created, err := engine.Ledger.Deposit(ctx, domain.DepositRequest{UserID: "u1", Amount: 50, Proof: "p"})
	require.NoError(t, err)
	assert.True(t, created)
	balance, err := engine.Ledger.BalanceOf(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), balance)
}

func TestRedisURLParseFailureFallsBack(t *testing.T) {
	client, closeFn := OpenRedis(context.Background(), config.Config{RedisURL: "::not a url"}, zap.NewNop())
	defer closeFn()
	assert.Nil(t, client)
}

func TestRemoteRankerIsOptional(t *testing.T) {
	cfg := config.Config{RankerURL: "http://ranker.internal"}
	engine := NewEngine(nil, nil, cfg, zap.NewNop())
	assert.NotNil(t, engine.Matcher)
}
