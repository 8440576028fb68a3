package metrics

import (
	"time"

	"github.com/enkore/borgcube/pkg/storage"
	"github.com/enkore/borgcube/pkg/types"
)

// QueueStats is the view of the daemon's runtime queue the collector
// samples. Satisfied by *daemon.Daemon.
type QueueStats interface {
	QueueDepth() int
	RunningCount() int
}

// Collector samples the store and the daemon into the prometheus
// gauges at a fixed interval.
type Collector struct {
	store  storage.Store
	queue  QueueStats
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(store storage.Store, queue QueueStats) *Collector {
	return &Collector{
		store:  store,
		queue:  queue,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectJobMetrics()
	c.collectArchiveMetrics()

	if c.queue != nil {
		QueueDepth.Set(float64(c.queue.QueueDepth()))
		RunningJobs.Set(float64(c.queue.RunningCount()))
	}
}

func (c *Collector) collectJobMetrics() {
	jobs, err := c.store.ListJobs()
	if err != nil {
		return
	}
	counts := make(map[types.JobKind]map[types.JobState]int)
	for _, j := range jobs {
		if counts[j.Kind] == nil {
			counts[j.Kind] = make(map[types.JobState]int)
		}
		counts[j.Kind][j.State]++
	}
	JobsTotal.Reset()
	for kind, states := range counts {
		for state, n := range states {
			JobsTotal.WithLabelValues(string(kind), string(state)).Set(float64(n))
		}
	}
}

func (c *Collector) collectArchiveMetrics() {
	repos, err := c.store.ListRepositories()
	if err != nil {
		return
	}
	for _, repo := range repos {
		archives, err := c.store.ListArchivesByRepository(repo.ID)
		if err != nil {
			continue
		}
		ArchivesTotal.WithLabelValues(repo.ID).Set(float64(len(archives)))
	}
}
