package metrics

import (
	"time"

	"github.com/vantage6/vantage6/pkg/manager"
	"github.com/vantage6/vantage6/pkg/types"
)

// Collector exports coordinator state gauges on a fixed tick.
type Collector struct {
	manager *manager.Manager
	stopCh  chan struct{}
}

// NewCollector creates a new metrics collector.
func NewCollector(mgr *manager.Manager) *Collector {
	return &Collector{
		manager: mgr,
		stopCh:  make(chan struct{}),
	}
}

// Start begins collecting metrics.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
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

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectNodes()
	c.collectSessions()
	c.collectTasksAndRuns()
	c.collectRaft()
}

func (c *Collector) collectNodes() {
	nodes, err := c.manager.Store().ListNodes()
	if err != nil {
		return
	}

	counts := map[types.NodeStatus]int{
		types.NodeOnline:  0,
		types.NodeOffline: 0,
	}
	for _, node := range nodes {
		counts[node.Status]++
	}
	for status, count := range counts {
		NodesTotal.WithLabelValues(string(status)).Set(float64(count))
	}
}

func (c *Collector) collectSessions() {
	sessions, err := c.manager.Store().ListSessions()
	if err != nil {
		return
	}
	SessionsTotal.Set(float64(len(sessions)))
}

func (c *Collector) collectTasksAndRuns() {
	tasks, err := c.manager.Store().ListTasks()
	if err != nil {
		return
	}

	taskCounts := make(map[types.TaskStatus]int)
	runCounts := make(map[types.RunStatus]int)
	for _, task := range tasks {
		runs, err := c.manager.Store().ListRunsByTask(task.ID)
		if err != nil {
			continue
		}
		taskCounts[types.RollUpStatus(runs)]++
		for _, run := range runs {
			runCounts[run.Status]++
		}
	}

	TasksTotal.Reset()
	for status, count := range taskCounts {
		TasksTotal.WithLabelValues(string(status)).Set(float64(count))
	}
	RunsTotal.Reset()
	for status, count := range runCounts {
		RunsTotal.WithLabelValues(string(status)).Set(float64(count))
	}
}

func (c *Collector) collectRaft() {
	if c.manager.IsLeader() {
		RaftLeader.Set(1)
	} else {
		RaftLeader.Set(0)
	}

	stats := c.manager.RaftStats()
	if stats == nil {
		return
	}
	if lastIndex, ok := stats["last_log_index"].(uint64); ok {
		RaftLogIndex.Set(float64(lastIndex))
	}
	if appliedIndex, ok := stats["applied_index"].(uint64); ok {
		RaftAppliedIndex.Set(float64(appliedIndex))
	}
}
