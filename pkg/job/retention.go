package job

import (
	"fmt"
	"sort"
	"time"

	"github.com/enkore/borgcube/pkg/types"
)

type bucketFunc func(time.Time) string

var retentionBuckets = []struct {
	keep   func(p *types.RetentionPolicy) int
	bucket bucketFunc
}{
	{func(p *types.RetentionPolicy) int { return p.KeepHourly }, func(t time.Time) string { return t.Format("2006-01-02 15") }},
	{func(p *types.RetentionPolicy) int { return p.KeepDaily }, func(t time.Time) string { return t.Format("2006-01-02") }},
	{func(p *types.RetentionPolicy) int { return p.KeepWeekly }, func(t time.Time) string { y, w := t.ISOWeek(); return fmt.Sprintf("%04d-W%02d", y, w) }},
	{func(p *types.RetentionPolicy) int { return p.KeepMonthly }, func(t time.Time) string { return t.Format("2006-01") }},
	{func(p *types.RetentionPolicy) int { return p.KeepYearly }, func(t time.Time) string { return t.Format("2006") }},
}

// ApplyRetention partitions a client's archives into the set to keep
// and the set to delete under policy. Semantics follow borg's prune:
// per bucket, the most recent archive of each period is kept, newest
// periods first, up to the bucket's keep count. A keep count of -1
// keeps everything in that bucket, 0 disables the bucket. Archives
// kept by any bucket are kept.
func ApplyRetention(policy *types.RetentionPolicy, archives []*types.Archive) (keep, remove []*types.Archive) {
	sorted := make([]*types.Archive, len(archives))
	copy(sorted, archives)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Time.After(sorted[j].Time) })

	kept := make(map[string]bool)
	for _, b := range retentionBuckets {
		n := b.keep(policy)
		if n == 0 {
			continue
		}
		seen := make(map[string]bool)
		count := 0
		for _, a := range sorted {
			period := b.bucket(a.Time)
			if seen[period] {
				continue
			}
			seen[period] = true
			kept[a.Name] = true
			count++
			if n > 0 && count >= n {
				break
			}
		}
	}

	for _, a := range sorted {
		if kept[a.Name] {
			keep = append(keep, a)
		} else {
			remove = append(remove, a)
		}
	}
	return keep, remove
}
