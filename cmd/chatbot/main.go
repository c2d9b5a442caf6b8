package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"

	"github.com/pscheid92/twitchsub/internal/adapter/httpserver"
	"github.com/pscheid92/twitchsub/internal/adapter/metrics"
	"github.com/pscheid92/twitchsub/internal/app"
	"github.com/pscheid92/twitchsub/internal/credentials"
	"github.com/pscheid92/twitchsub/internal/domain"
	"github.com/pscheid92/twitchsub/internal/eventsub"
	"github.com/pscheid92/twitchsub/internal/platform/config"
	"github.com/pscheid92/twitchsub/internal/platform/correlation"
	"github.com/pscheid92/twitchsub/internal/platform/logging"
	"github.com/pscheid92/twitchsub/internal/platform/version"
)

const shutdownTimeout = 10 * time.Second

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

// setupStore also returns the readiness checks for the store's backend.
func setupStore(ctx context.Context, cfg *config.Config, reg prometheus.Registerer) (domain.CredentialStore, []httpserver.HealthCheck, func()) {
	sealer, err := credentials.NewSealer(cfg.TokenEncryptionKey)
	if err != nil {
		slog.Error("Failed to create token sealer", "error", err)
		os.Exit(1)
	}

	if cfg.TokenStore != config.TokenStoreRedis {
		return credentials.NewFileStore(cfg.AccessTokenPath, cfg.RefreshTokenPath, credentials.WithSealer(sealer)), nil, func() {}
	}

	opts, err := goredis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("Failed to parse redis URL", "error", err)
		os.Exit(1)
	}
	rdb := goredis.NewClient(opts)
	credentials.Instrument(rdb, metrics.NewStoreMetrics(reg))
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	check := httpserver.HealthCheck{
		Name:  "token_store",
		Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	}
	return credentials.NewRedisStore(rdb, cfg.RedisKey, sealer), []httpserver.HealthCheck{check}, func() { _ = rdb.Close() }
}

func buildAPI(ctx context.Context, cfg *config.Config, store domain.CredentialStore, reg prometheus.Registerer) (*app.API, error) {
	b := app.NewBuilder(cfg.TwitchClientID, cfg.TwitchClientSecret).
		RedirectURL(cfg.TwitchRedirectURL).
		CredentialStore(store).
		GenerateTokenIfNone(true).
		GenerateTokenIfInsufficientScope(true).
		GenerateTokenOnExpire(true).
		AddScopes(domain.ScopeUserWriteChat).
		AddSubscription(domain.TopicChatMessage).
		BroadcasterUserID(cfg.BroadcasterUserID).
		MetricsRegisterer(reg)

	if cfg.RunRemotely {
		b = b.RunRemotely()
	}
	if cfg.DeviceFlow {
		b = b.UseDeviceFlow()
	}
	return b.Build(ctx)
}

func startOpsServer(cfg *config.Config, reg *prometheus.Registry, api *app.API, checks []httpserver.HealthCheck) *httpserver.Server {
	if cfg.MetricsAddr == "" {
		return nil
	}

	srv := httpserver.NewServer(cfg.MetricsAddr,
		httpserver.WithMetrics(metrics.Handler(reg)),
		httpserver.WithSessionStatus(func() httpserver.SessionStatus {
			state := api.State()
			return httpserver.SessionStatus{
				State:         state.String(),
				SessionID:     api.SessionID(),
				Subscriptions: len(api.Subscriptions()),
				Active:        state == eventsub.StateActive,
			}
		}),
		httpserver.WithHealthChecks(checks...),
	)
	go func() {
		if err := srv.Start(); err != nil {
			slog.Error("Ops server error", "error", err)
		}
	}()
	return srv
}

// run drains the session until ctx is cancelled, answering every chat
// message that contains the trigger.
func run(ctx context.Context, cfg *config.Config, api *app.API) error {
	for ctx.Err() == nil {
		responses, err := api.Drain(cfg.DrainInterval)
		if err != nil {
			if errors.Is(err, domain.ErrCancelled) && ctx.Err() != nil {
				return nil
			}
			return err
		}

		for _, r := range responses {
			handle(ctx, cfg, api, r)
		}
	}
	return nil
}

func handle(ctx context.Context, cfg *config.Config, api *app.API, r domain.Response) {
	switch r := r.(type) {
	case domain.EventResponse:
		msg, ok := r.Event.(domain.ChatMessage)
		if !ok {
			return
		}
		msgCtx := correlation.WithID(ctx, r.Metadata.MessageID)
		slog.InfoContext(msgCtx, "Chat message", "chatter", msg.Chatter.Login, "text", msg.Message.Text)

		if !strings.Contains(msg.Message.Text, cfg.Trigger) {
			return
		}
		ack, err := api.Send(msgCtx, domain.SendChatMessage{Text: cfg.Reply, ReplyParentMessageID: msg.MessageID})
		if err != nil {
			slog.WarnContext(msgCtx, "Failed to reply", "error", err)
			return
		}
		slog.InfoContext(msgCtx, "Replied to trigger", "message_id", ack.MessageID)
	case domain.ReadyResponse:
		slog.InfoContext(ctx, "Session ready", "session_id", r.SessionID, "subscriptions", len(r.Subscriptions), "resubscribed", r.Resubscribed)
	case domain.CloseResponse:
		slog.WarnContext(ctx, "Server requested close", "code", r.Code, "reason", r.Reason)
	case domain.RevocationResponse:
		slog.WarnContext(ctx, "Subscription revoked", "topic", r.Subscription.Topic, "reason", r.Reason)
	case domain.ErrorResponse:
		slog.ErrorContext(ctx, "Session error", "error", r.Err)
	case domain.UnknownResponse:
		slog.DebugContext(ctx, "Unhandled message", "message_type", r.MessageType, "subscription_type", r.SubscriptionType)
	}
}

func main() {
	cfg := setupConfig()

	// Initialize structured logging
	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Chat bot starting", "version", version.Get().Version, "token_store", cfg.TokenStore, "trigger", cfg.Trigger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := metrics.NewRegistry()
	store, storeChecks, closeStore := setupStore(ctx, cfg, reg)
	defer closeStore()

	api, err := buildAPI(ctx, cfg, store, reg)
	if err != nil {
		if scopeErr, ok := errors.AsType[*domain.InsufficientScopeError](err); ok {
			slog.Error("Token lacks required scopes", "missing", scopeErr.Missing)
		}
		slog.Error("Failed to start session", "error", err)
		os.Exit(1)
	}

	srv := startOpsServer(cfg, reg, api, storeChecks)

	if err := run(ctx, cfg, api); err != nil {
		slog.Error("Session ended", "error", err)
	}

	slog.Info("Shutdown signal received, cleaning up...")
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}
	}
	if err := api.Close(); err != nil {
		slog.Error("Failed to close session", "error", err)
	}
	slog.Info("Chat bot stopped")
}
