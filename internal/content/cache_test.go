// internal/content/cache_test.go
package content

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civiform/formflow/internal/common/database"
	"github.com/civiform/formflow/internal/common/logger"
	"github.com/civiform/formflow/internal/models"
)

// ==========================
// Test Helper Functions
// ==========================

func newTestCache(t *testing.T) (*RevisionCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := &database.RedisClient{Client: redis.NewClient(&redis.Options{Addr: mr.Addr()})}
	t.Cleanup(func() { rdb.Close() })
	return NewRevisionCache(rdb, time.Minute, logger.NewTestLogger(t)), mr
}

// ==========================
// Cache Tests
// ==========================

func TestRevisionCache_QuestionRoundTrip(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	rev := &models.QuestionRevision{
		Name:      "applicant-name",
		VersionID: "v1",
		Type:      models.QuestionText,
		Text:      "What is your name?",
	}
	cache.SetQuestion(ctx, rev)

	got, ok := cache.GetQuestion(ctx, "v1", "applicant-name")
	require.True(t, ok)
	assert.Equal(t, rev, got)
}

func TestRevisionCache_Miss(t *testing.T) {
	cache, _ := newTestCache(t)

	_, ok := cache.GetQuestion(context.Background(), "v1", "nope")
	assert.False(t, ok)
	_, ok = cache.GetProgram(context.Background(), "v1", "nope")
	assert.False(t, ok)
}

func TestRevisionCache_ProgramRoundTrip(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	rev := &models.ProgramRevision{
		Slug:        "food-assistance",
		VersionID:   "v1",
		Name:        "Food Assistance",
		DisplayMode: models.DisplayPublic,
		Blocks: []models.BlockDefinition{
			{ID: "b1", Name: "Block 1"},
		},
	}
	cache.SetProgram(ctx, rev)

	got, ok := cache.GetProgram(ctx, "v1", "food-assistance")
	require.True(t, ok)
	assert.Equal(t, rev, got)
}

func TestRevisionCache_InvalidateVersion_ScopedToVersion(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	cache.SetQuestion(ctx, &models.QuestionRevision{Name: "q", VersionID: "v1", Type: models.QuestionText})
	cache.SetQuestion(ctx, &models.QuestionRevision{Name: "q", VersionID: "v2", Type: models.QuestionText})
	cache.SetProgram(ctx, &models.ProgramRevision{Slug: "p", VersionID: "v1"})

	cache.InvalidateVersion(ctx, "v1")

	_, ok := cache.GetQuestion(ctx, "v1", "q")
	assert.False(t, ok)
	_, ok = cache.GetProgram(ctx, "v1", "p")
	assert.False(t, ok)

	// Entries for other versions survive the sweep.
	_, ok = cache.GetQuestion(ctx, "v2", "q")
	assert.True(t, ok)
}

func TestRevisionCache_Expiry(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()

	cache.SetQuestion(ctx, &models.QuestionRevision{Name: "q", VersionID: "v1", Type: models.QuestionText})
	mr.FastForward(2 * time.Minute)

	_, ok := cache.GetQuestion(ctx, "v1", "q")
	assert.False(t, ok)
}
