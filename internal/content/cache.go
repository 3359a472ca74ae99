// internal/content/cache.go
package content

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/civiform/formflow/internal/common/database"
	"github.com/civiform/formflow/internal/common/logger"
	"github.com/civiform/formflow/internal/common/metrics"
	"github.com/civiform/formflow/internal/models"
)

// RevisionCache is a version-keyed Redis read cache for published
// revisions. Revisions are immutable once their version is no longer the
// draft, so entries never go stale; TTL bounds memory for obsolete
// versions. Cache failures degrade to store reads.
type RevisionCache struct {
	redis  *database.RedisClient
	ttl    time.Duration
	logger logger.Logger
}

// NewRevisionCache creates a RevisionCache with the given entry TTL.
func NewRevisionCache(rdb *database.RedisClient, ttl time.Duration, log logger.Logger) *RevisionCache {
	return &RevisionCache{
		redis:  rdb,
		ttl:    ttl,
		logger: log.WithFields(map[string]interface{}{"component": "revision-cache"}),
	}
}

func questionKey(versionID, name string) string {
	return fmt.Sprintf("content:%s:question:%s", versionID, name)
}

func programKey(versionID, slug string) string {
	return fmt.Sprintf("content:%s:program:%s", versionID, slug)
}

// GetQuestion returns a cached question revision, or false on miss or
// cache failure.
func (c *RevisionCache) GetQuestion(ctx context.Context, versionID, name string) (*models.QuestionRevision, bool) {
	raw, err := c.redis.Get(ctx, questionKey(versionID, name))
	if err != nil {
		c.miss(err)
		return nil, false
	}
	var rev models.QuestionRevision
	if err := json.Unmarshal([]byte(raw), &rev); err != nil {
		c.miss(err)
		return nil, false
	}
	metrics.RevisionCacheHits.WithLabelValues("hit").Inc()
	return &rev, true
}

// SetQuestion caches a question revision. Failures are logged and dropped.
func (c *RevisionCache) SetQuestion(ctx context.Context, rev *models.QuestionRevision) {
	raw, err := json.Marshal(rev)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, questionKey(rev.VersionID, rev.Name), raw, c.ttl); err != nil {
		c.logger.Warn("cache write failed", map[string]interface{}{"error": err.Error()})
	}
}

// GetProgram returns a cached program revision, or false on miss or cache
// failure.
func (c *RevisionCache) GetProgram(ctx context.Context, versionID, slug string) (*models.ProgramRevision, bool) {
	raw, err := c.redis.Get(ctx, programKey(versionID, slug))
	if err != nil {
		c.miss(err)
		return nil, false
	}
	var rev models.ProgramRevision
	if err := json.Unmarshal([]byte(raw), &rev); err != nil {
		c.miss(err)
		return nil, false
	}
	metrics.RevisionCacheHits.WithLabelValues("hit").Inc()
	return &rev, true
}

// SetProgram caches a program revision.
func (c *RevisionCache) SetProgram(ctx context.Context, rev *models.ProgramRevision) {
	raw, err := json.Marshal(rev)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, programKey(rev.VersionID, rev.Slug), raw, c.ttl); err != nil {
		c.logger.Warn("cache write failed", map[string]interface{}{"error": err.Error()})
	}
}

// InvalidateVersion drops every cached revision of a version. Called after
// publish for the newly obsoleted version; version-keyed entries for other
// versions stay valid.
func (c *RevisionCache) InvalidateVersion(ctx context.Context, versionID string) {
	if err := c.redis.DelPattern(ctx, fmt.Sprintf("content:%s:*", versionID)); err != nil {
		c.logger.Warn("cache invalidation failed", map[string]interface{}{
			"versionId": versionID,
			"error":     err.Error(),
		})
	}
}

func (c *RevisionCache) miss(err error) {
	if err == redis.Nil {
		metrics.RevisionCacheHits.WithLabelValues("miss").Inc()
		return
	}
	metrics.RevisionCacheHits.WithLabelValues("error").Inc()
}
