package credentials

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pscheid92/twitchsub/internal/adapter/metrics"
	"github.com/pscheid92/twitchsub/internal/domain"
)

func TestInstrument_RecordsStoreRoundTrips(t *testing.T) {
	store, _, rdb := newTestRedisStore(t, nil)
	m := metrics.NewStoreMetrics(prometheus.NewRegistry())
	Instrument(rdb, m)
	ctx := context.Background()

	_, _, err := store.Load(ctx)
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, domain.Credentials{AccessToken: "access"}))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Ops.WithLabelValues("hgetall", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Ops.WithLabelValues("hset", "success")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ConnectFails))
}

func TestInstrument_CountsConnectionErrors(t *testing.T) {
	m := metrics.NewStoreMetrics(prometheus.NewRegistry())
	rdb := goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	Instrument(rdb, m)

	_, _, err := NewRedisStore(rdb, "twitchsub:credentials", nil).Load(context.Background())
	require.Error(t, err)

	assert.GreaterOrEqual(t, testutil.ToFloat64(m.ConnectFails), 1.0)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Ops.WithLabelValues("hgetall", "error")))
}
