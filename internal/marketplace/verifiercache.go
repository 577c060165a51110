package marketplace

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	id "carbonledger/pkg/domain"
)

// CachedVerifier is a read-through cache in front of a ProjectVerifier.
// Only positive answers are cached: a project that is not yet verified may
// become verified at any moment, and a challenged verification must be
// observed promptly. Cache failures degrade to the underlying verifier.
type CachedVerifier struct {
	inner  ProjectVerifier
	client *redis.Client
	ttl    time.Duration
	group  singleflight.Group
	logger *slog.Logger
}

func NewCachedVerifier(inner ProjectVerifier, client *redis.Client, ttl time.Duration, logger *slog.Logger) *CachedVerifier {
	return &CachedVerifier{inner: inner, client: client, ttl: ttl, logger: logger}
}

func (v *CachedVerifier) IsProjectVerified(ctx context.Context, project id.ProjectID) (bool, error) {
	key := "verified:" + project.String()

	cached, err := v.client.Get(ctx, key).Result()
	if err == nil {
		return cached == "1", nil
	}
	if !errors.Is(err, redis.Nil) {
		v.logger.WarnContext(ctx, "verifier cache read failed", "project_id", project, "error", err)
	}

	// Collapse concurrent lookups for the same project into one call.
	result, err, _ := v.group.Do(key, func() (any, error) {
		verified, err := v.inner.IsProjectVerified(ctx, project)
		if err != nil {
			return false, err
		}
		if verified {
			if err := v.client.Set(ctx, key, "1", v.ttl).Err(); err != nil {
				v.logger.WarnContext(ctx, "verifier cache write failed", "project_id", project, "error", err)
			}
		}
		return verified, nil
	})
	if err != nil {
		return false, err
	}
	return result.(bool), nil
}

// Invalidate drops the cached answer for a project, for callers that learn
// a verification was challenged.
func (v *CachedVerifier) Invalidate(ctx context.Context, project id.ProjectID) {
	if err := v.client.Del(ctx, "verified:"+project.String()).Err(); err != nil {
		v.logger.WarnContext(ctx, "verifier cache invalidation failed", "project_id", project, "error", err)
	}
}
