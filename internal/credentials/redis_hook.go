package credentials

import (
	"context"
	"errors"
	"net"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/pscheid92/twitchsub/internal/adapter/metrics"
)

// metricsHook records every Redis round trip of the store.
type metricsHook struct {
	m *metrics.StoreMetrics
}

var _ goredis.Hook = (*metricsHook)(nil)

// Instrument attaches store metrics to rdb.
func Instrument(rdb *goredis.Client, m *metrics.StoreMetrics) {
	rdb.AddHook(&metricsHook{m: m})
}

func (h *metricsHook) DialHook(next goredis.DialHook) goredis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := next(ctx, network, addr)
		if err != nil {
			h.m.ConnectFailed()
		}
		return conn, err
	}
}

func (h *metricsHook) ProcessHook(next goredis.ProcessHook) goredis.ProcessHook {
	return func(ctx context.Context, cmd goredis.Cmder) error {
		start := time.Now()
		err := next(ctx, cmd)
		h.m.Observe(cmd.Name(), err == nil || errors.Is(err, goredis.Nil), time.Since(start))
		return err
	}
}

func (h *metricsHook) ProcessPipelineHook(next goredis.ProcessPipelineHook) goredis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []goredis.Cmder) error {
		start := time.Now()
		err := next(ctx, cmds)
		h.m.Observe("pipeline", err == nil, time.Since(start))
		return err
	}
}
