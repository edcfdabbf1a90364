package health

import (
	"context"
	"time"
)

// Status is the outcome of a health check.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult carries the outcome of one check.
type CheckResult struct {
	Name      string
	Status    Status
	Message   string
	Error     string
	Timestamp time.Time
	Duration  time.Duration
	Details   map[string]interface{}
}

// Checker is a single named health check.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// BrokerState is the connection surface the broker checker probes. The
// event bus facade satisfies it.
type BrokerState interface {
	IsConnected() bool
	TryConnect(ctx context.Context) bool
}

// BrokerChecker reports broker connectivity. A disconnected broker counts
// as degraded, not unhealthy, when the reconnect attempt succeeds within
// the check.
type BrokerChecker struct {
	broker BrokerState
}

// NewBrokerChecker creates a broker connectivity checker.
func NewBrokerChecker(broker BrokerState) *BrokerChecker {
	return &BrokerChecker{broker: broker}
}

func (c *BrokerChecker) Name() string {
	return "rabbitmq"
}

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	if c.broker.IsConnected() {
		result.Status = StatusHealthy
		result.Message = "Connection is open"
	} else if c.broker.TryConnect(ctx) {
		result.Status = StatusDegraded
		result.Message = "Connection was down and has been re-established"
	} else {
		result.Status = StatusUnhealthy
		result.Message = "Broker is unreachable"
	}

	result.Duration = time.Since(start)
	result.Details["connected"] = c.broker.IsConnected()
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// TopologyValidator is the passive-validation surface the topology checker
// probes. The event bus facade satisfies it.
type TopologyValidator interface {
	ValidateTopology(ctx context.Context) error
}

// TopologyChecker verifies that the exchanges and queues still exist, via
// passive declares that never create anything.
type TopologyChecker struct {
	topology TopologyValidator
}

// NewTopologyChecker creates a topology checker.
func NewTopologyChecker(topology TopologyValidator) *TopologyChecker {
	return &TopologyChecker{topology: topology}
}

func (c *TopologyChecker) Name() string {
	return "topology"
}

func (c *TopologyChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	if err := c.topology.ValidateTopology(ctx); err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Topology validation failed"
		result.Error = err.Error()
	} else {
		result.Status = StatusHealthy
		result.Message = "Topology is in place"
	}

	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}
