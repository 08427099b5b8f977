package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/urfave/cli/v3"

	"github.com/desertthunder/podsync/internal/budget"
)

// BudgetStatus reports oracle readings against configured limits plus
// recorded local spend and recent audited call totals.
func (r *Runner) BudgetStatus(ctx context.Context, cmd *cli.Command) error {
	a, closer, err := r.bootstrap(cmd.String("config"))
	if err != nil {
		return err
	}
	defer closer()

	if cmd.Bool("categories") {
		return r.budgetCategories(ctx, a, cmd)
	}

	// A zero-cost check pulls the current readings without moving spend.
	decision := a.gate.CheckAndRecord(ctx, "budget status", 0)

	type reading struct {
		Period     string  `json:"period"`
		Amount     float64 `json:"amount"`
		Confidence string  `json:"confidence"`
		Limit      float64 `json:"limit"`
	}

	limits := map[budget.Period]float64{
		budget.PeriodDaily:   a.config.Budget.DailyLimit,
		budget.PeriodWeekly:  a.config.Budget.WeeklyLimit,
		budget.PeriodMonthly: a.config.Budget.MonthlyLimit,
	}

	readings := make([]reading, 0, len(decision.Readings))
	for _, rd := range decision.Readings {
		readings = append(readings, reading{
			Period:     string(rd.Period),
			Amount:     rd.Amount,
			Confidence: rd.Confidence.String(),
			Limit:      limits[rd.Period],
		})
	}

	payload := struct {
		Allowed       bool      `json:"allowed"`
		Reason        string    `json:"reason,omitempty"`
		Readings      []reading `json:"readings"`
		RecordedToday float64   `json:"recorded_today"`
		Emergency     float64   `json:"emergency_limit"`
	}{
		Allowed:       decision.Allowed,
		Reason:        decision.Reason,
		Readings:      readings,
		RecordedToday: a.gate.RecordedToday(),
		Emergency:     a.config.Budget.EmergencyLimit,
	}

	if cmd.Bool("json") {
		return r.writeJSON(payload, true)
	}

	r.writePlain("Budget status\n")
	for _, rd := range readings {
		r.writePlain("  %-8s %.2f / %.2f (%s)\n", rd.Period, rd.Amount, rd.Limit, rd.Confidence)
	}
	r.writePlain("  recorded today: %.2f\n", payload.RecordedToday)
	r.writePlain("  emergency ceiling: %.2f\n", payload.Emergency)
	if !decision.Allowed {
		r.writePlain("  calls currently denied: %s\n", decision.Reason)
	}

	return nil
}

// budgetCategories reports per-category spend over the trailing days.
func (r *Runner) budgetCategories(ctx context.Context, a *app, cmd *cli.Command) error {
	days := int(cmd.Int("days"))

	categories, err := a.oracle.SpendByCategory(ctx, days)
	if err != nil {
		return fmt.Errorf("failed to fetch category spend: %w", err)
	}

	if cmd.Bool("json") {
		return r.writeJSON(categories, true)
	}

	names := make([]string, 0, len(categories))
	for name := range categories {
		names = append(names, name)
	}
	sort.Strings(names)

	r.writePlain("Spend by category (last %d days)\n", days)
	for _, name := range names {
		r.writePlain("  %-24s %.2f\n", name, categories[name])
	}

	return nil
}
