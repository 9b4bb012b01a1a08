package health

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/glimte/amqpjobs"
)

// DefaultMessageThreshold is the queue depth above which a queue is
// reported degraded.
const DefaultMessageThreshold = 10000

// ManagerChecker checks that every registered connection still has an open
// connection and channel.
type ManagerChecker struct {
	m *amqpjobs.Manager
}

// NewManagerChecker creates a checker over the registry m
func NewManagerChecker(m *amqpjobs.Manager) *ManagerChecker {
	return &ManagerChecker{m: m}
}

func (c *ManagerChecker) Name() string {
	return "managers"
}

// CheckEach returns one result per registered name, sorted by name.
func (c *ManagerChecker) CheckEach(ctx context.Context) []CheckResult {
	entries := c.m.ListManagers()
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make([]CheckResult, 0, len(names))
	for _, name := range names {
		results = append(results, checkEntry(entries[name]))
	}
	return results
}

func checkEntry(e amqpjobs.Entry) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      e.Name,
		Timestamp: start,
		Details: map[string]interface{}{
			"connection_open": e.ConnectionOpen,
			"channel_open":    e.ChannelOpen,
			"consumer_state":  e.State.String(),
		},
	}
	if e.ConsumerTag != "" {
		result.Details["consumer_tag"] = e.ConsumerTag
	}

	switch {
	case !e.ConnectionOpen:
		result.Status = StatusUnhealthy
		result.Message = "Connection is closed"
	case !e.ChannelOpen:
		result.Status = StatusUnhealthy
		result.Message = "Channel is closed"
	case e.State == amqpjobs.StateError:
		result.Status = StatusDegraded
		result.Message = "Consumer stopped with an error"
	default:
		result.Status = StatusHealthy
		result.Message = "Connection is healthy"
	}

	result.Duration = time.Since(start)
	return result
}

// Check folds the per-name results into one.
func (c *ManagerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	var failing []string
	for _, r := range c.CheckEach(ctx) {
		result.Details[r.Name] = r.Status
		result.Status = Worst(result.Status, r.Status)
		if r.Status != StatusHealthy {
			failing = append(failing, r.Name)
		}
	}

	switch {
	case len(result.Details) == 0:
		result.Message = "No connections registered"
	case len(failing) == 0:
		result.Message = fmt.Sprintf("%d connections healthy", len(result.Details))
	default:
		result.Message = fmt.Sprintf("Connections not healthy: %v", failing)
	}

	result.Duration = time.Since(start)
	return result
}

// QueueChecker checks that the queue of a registered job exists and is
// being drained.
type QueueChecker struct {
	m         *amqpjobs.Manager
	name      string
	threshold int
}

// QueueOption configures a QueueChecker
type QueueOption func(*QueueChecker)

// WithMessageThreshold sets the depth above which the queue is degraded
func WithMessageThreshold(n int) QueueOption {
	return func(c *QueueChecker) {
		c.threshold = n
	}
}

// NewQueueChecker creates a checker for the queue of the job registered
// under name.
func NewQueueChecker(m *amqpjobs.Manager, name string, options ...QueueOption) *QueueChecker {
	c := &QueueChecker{
		m:         m,
		name:      name,
		threshold: DefaultMessageThreshold,
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

func (c *QueueChecker) Name() string {
	return fmt.Sprintf("queue_%s", c.name)
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	h, err := c.m.Connection(c.name)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Connection not registered"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	queue, err := h.InspectQueue()
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Queue not accessible"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	result.Details["queue_name"] = queue.Name
	result.Details["message_count"] = queue.Messages
	result.Details["consumer_count"] = queue.Consumers

	switch {
	case queue.Consumers == 0 && queue.Messages > 0:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("No consumers for %d messages", queue.Messages)
	case queue.Messages > c.threshold:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Queue %s has high message count", queue.Name)
	default:
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("Queue %s is accessible", queue.Name)
	}

	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}
