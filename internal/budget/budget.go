package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// Limits holds the configured spend ceilings in account currency.
type Limits struct {
	Daily     float64
	Weekly    float64
	Monthly   float64
	Emergency float64
}

// Decision is the outcome of a budget check.
type Decision struct {
	Allowed  bool
	Reason   string
	Readings []Reading
}

// Alerter receives budget warnings and escalations. The formatter's
// console alerter and the test fake both satisfy it.
type Alerter interface {
	Warn(message string)
	Escalate(message string)
}

// warnThreshold is the fraction of a limit at which a warning fires.
const warnThreshold = 0.8

// Gate decides whether an estimated-cost operation may proceed. It
// combines oracle readings with spend the gate itself has recorded today,
// because oracle figures lag behind calls made moments ago.
//
// Unknown readings deny: if actual spend cannot be established the safe
// assumption is that the limit may already be blown.
type Gate struct {
	mu       sync.Mutex
	oracle   *CachedOracle
	limits   Limits
	alerter  Alerter
	logger   *log.Logger
	recorded float64
	recDay   time.Time

	now func() time.Time
}

// NewGate creates a budget gate over the cached oracle.
func NewGate(oracle *CachedOracle, limits Limits, alerter Alerter, logger *log.Logger) *Gate {
	return &Gate{
		oracle:  oracle,
		limits:  limits,
		alerter: alerter,
		logger:  logger,
		now:     time.Now,
	}
}

// CheckAndRecord checks estimatedCost against every limit and, when the
// operation is allowed, records the estimate into today's local spend so
// back-to-back calls cannot slip under a lagging oracle.
func (g *Gate) CheckAndRecord(ctx context.Context, opKind string, estimatedCost float64) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if !sameDay(g.recDay, now) {
		g.recDay = now
		g.recorded = 0
	}

	daily := g.oracle.Read(ctx, PeriodDaily)
	weekly := g.oracle.Read(ctx, PeriodWeekly)
	monthly := g.oracle.Read(ctx, PeriodMonthly)
	readings := []Reading{daily, weekly, monthly}

	deny := func(reason string) Decision {
		g.logger.Warn("budget check denied", "op", opKind, "reason", reason)
		return Decision{Allowed: false, Reason: reason, Readings: readings}
	}

	checks := []struct {
		reading Reading
		limit   float64
		local   float64
	}{
		{daily, g.limits.Daily, g.recorded},
		{weekly, g.limits.Weekly, g.recorded},
		{monthly, g.limits.Monthly, g.recorded},
	}

	for _, c := range checks {
		if c.limit <= 0 {
			continue
		}
		if c.reading.Confidence == ConfidenceUnknown {
			return deny(fmt.Sprintf("%s spend unknown, cannot verify limit", c.reading.Period))
		}

		projected := c.reading.Amount + c.local + estimatedCost
		if projected > c.limit {
			return deny(fmt.Sprintf("%s limit exceeded: %.2f + %.2f would pass %.2f",
				c.reading.Period, c.reading.Amount+c.local, estimatedCost, c.limit))
		}
		if projected >= c.limit*warnThreshold {
			g.alerter.Warn(fmt.Sprintf("%s spend at %.2f of %.2f limit", c.reading.Period, projected, c.limit))
		}
	}

	// The emergency ceiling is an independent tripwire over monthly spend.
	// Crossing it is loud even when the monthly limit itself was not set.
	if g.limits.Emergency > 0 && monthly.Confidence != ConfidenceUnknown {
		if monthly.Amount+g.recorded+estimatedCost > g.limits.Emergency {
			g.alerter.Escalate(fmt.Sprintf("emergency spend ceiling %.2f breached at %.2f",
				g.limits.Emergency, monthly.Amount+g.recorded))
			return deny("emergency spend ceiling breached")
		}
	}

	g.recorded += estimatedCost
	return Decision{Allowed: true, Readings: readings}
}

// RecordedToday returns spend recorded locally since midnight.
func (g *Gate) RecordedToday() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !sameDay(g.recDay, g.now()) {
		return 0
	}
	return g.recorded
}
