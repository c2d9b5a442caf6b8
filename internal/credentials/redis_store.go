package credentials

import (
	"context"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/pscheid92/twitchsub/internal/domain"
)

const (
	fieldAccessToken  = "access_token"
	fieldRefreshToken = "refresh_token"
	fieldExpiry       = "expiry"
	fieldScopes       = "scopes"
	fieldUserID       = "user_id"
	fieldLogin        = "login"
)

// RedisStore keeps the full credential record in one Redis hash.
type RedisStore struct {
	rdb    goredis.Cmdable
	key    string
	sealer Sealer
}

func NewRedisStore(rdb goredis.Cmdable, key string, sealer Sealer) *RedisStore {
	if sealer == nil {
		sealer = NoopSealer{}
	}
	return &RedisStore{rdb: rdb, key: key, sealer: sealer}
}

func (s *RedisStore) Load(ctx context.Context) (domain.Credentials, bool, error) {
	fields, err := s.rdb.HGetAll(ctx, s.key).Result()
	if err != nil {
		return domain.Credentials{}, false, fmt.Errorf("failed to read credentials hash: %w", err)
	}
	if fields[fieldAccessToken] == "" {
		return domain.Credentials{}, false, nil
	}

	access, err := s.sealer.Open(fields[fieldAccessToken])
	if err != nil {
		return domain.Credentials{}, false, fmt.Errorf("failed to open access token: %w", err)
	}
	refresh, err := s.sealer.Open(fields[fieldRefreshToken])
	if err != nil {
		return domain.Credentials{}, false, fmt.Errorf("failed to open refresh token: %w", err)
	}

	creds := domain.Credentials{
		AccessToken:  access,
		RefreshToken: refresh,
		UserID:       fields[fieldUserID],
		Login:        fields[fieldLogin],
	}
	if raw := fields[fieldExpiry]; raw != "" {
		expiry, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return domain.Credentials{}, false, fmt.Errorf("failed to parse expiry: %w", err)
		}
		creds.Expiry = expiry
	}
	for scope := range strings.FieldsSeq(fields[fieldScopes]) {
		creds.Scopes = append(creds.Scopes, domain.Scope(scope))
	}

	return creds, true, nil
}

func (s *RedisStore) Save(ctx context.Context, creds domain.Credentials) error {
	access, err := s.sealer.Seal(creds.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to seal access token: %w", err)
	}
	refresh, err := s.sealer.Seal(creds.RefreshToken)
	if err != nil {
		return fmt.Errorf("failed to seal refresh token: %w", err)
	}

	expiry := ""
	if !creds.Expiry.IsZero() {
		expiry = creds.Expiry.UTC().Format(time.RFC3339Nano)
	}
	scopes := make([]string, len(creds.Scopes))
	for i, sc := range creds.Scopes {
		scopes[i] = string(sc)
	}

	values := map[string]any{
		fieldAccessToken:  access,
		fieldRefreshToken: refresh,
		fieldExpiry:       expiry,
		fieldScopes:       strings.Join(scopes, " "),
		fieldUserID:       creds.UserID,
		fieldLogin:        creds.Login,
	}
	if err := s.rdb.HSet(ctx, s.key, values).Err(); err != nil {
		return fmt.Errorf("failed to write credentials hash: %w", err)
	}
	return nil
}
