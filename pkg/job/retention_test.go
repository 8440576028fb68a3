package job

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/enkore/borgcube/pkg/types"
)

func dailyArchives(n int) []*types.Archive {
	base := time.Date(2025, 6, 30, 2, 0, 0, 0, time.UTC)
	out := make([]*types.Archive, n)
	for i := 0; i < n; i++ {
		out[i] = &types.Archive{
			Name: fmt.Sprintf("host1-a%02d", i),
			Time: base.AddDate(0, 0, -i),
		}
	}
	return out
}

func TestApplyRetentionKeepDaily(t *testing.T) {
	policy := &types.RetentionPolicy{Name: "short", KeepDaily: 3}
	keep, remove := ApplyRetention(policy, dailyArchives(10))

	assert.Len(t, keep, 3)
	assert.Len(t, remove, 7)
	// Newest three survive.
	assert.Equal(t, "host1-a00", keep[0].Name)
	assert.Equal(t, "host1-a02", keep[2].Name)
}

func TestApplyRetentionUnlimitedBucket(t *testing.T) {
	policy := &types.RetentionPolicy{Name: "all", KeepDaily: -1}
	keep, remove := ApplyRetention(policy, dailyArchives(10))

	assert.Len(t, keep, 10)
	assert.Empty(t, remove)
}

func TestApplyRetentionDisabledPolicyRemovesAll(t *testing.T) {
	policy := &types.RetentionPolicy{Name: "none"}
	keep, remove := ApplyRetention(policy, dailyArchives(4))

	assert.Empty(t, keep)
	assert.Len(t, remove, 4)
}

func TestApplyRetentionBucketsOverlap(t *testing.T) {
	// 14 daily archives; weekly keeps the newest of each ISO week,
	// daily the newest 2 days. Kept sets union.
	policy := &types.RetentionPolicy{Name: "mix", KeepDaily: 2, KeepWeekly: 2}
	archives := dailyArchives(14)
	keep, _ := ApplyRetention(policy, archives)

	names := make(map[string]bool)
	for _, a := range keep {
		names[a.Name] = true
	}
	assert.True(t, names["host1-a00"])
	assert.True(t, names["host1-a01"])
	// At least one archive from an older week survives via the
	// weekly bucket.
	assert.GreaterOrEqual(t, len(keep), 3)
}

func TestApplyRetentionOnlyNewestPerPeriod(t *testing.T) {
	// Two archives on the same day: only the newer counts for the
	// daily bucket.
	day := time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC)
	archives := []*types.Archive{
		{Name: "host1-morning", Time: day.Add(6 * time.Hour)},
		{Name: "host1-evening", Time: day.Add(20 * time.Hour)},
	}
	policy := &types.RetentionPolicy{Name: "one", KeepDaily: 1}
	keep, remove := ApplyRetention(policy, archives)

	assert.Len(t, keep, 1)
	assert.Equal(t, "host1-evening", keep[0].Name)
	assert.Equal(t, "host1-morning", remove[0].Name)
}
