package tools

import (
	"context"
	"fmt"

	"github.com/ashureev/folio-agent/internal/domain"
	"github.com/ashureev/folio-agent/internal/tooling"
)

// GoalAction is the dividend_goal_manager payload.
type GoalAction struct {
	Meta
	Action string                `json:"action"`
	Goal   *domain.DividendGoal  `json:"goal,omitempty"`
	Goals  []domain.DividendGoal `json:"goals,omitempty"`
	Count  int                   `json:"count"`
}

func dividendGoalManagerTool(deps Deps) tooling.Tool {
	return tooling.Tool{
		Name: "dividend_goal_manager",
		Description: "Create, list, update or delete dividend income goals. Update and delete act on the " +
			"most recent goal when goal_id is omitted.",
		InputSchema: objectSchema(map[string]any{
			"action":         stringProp("Operation to perform.", "create", "list", "update", "delete"),
			"target_monthly": numberProp("Target monthly dividend income."),
			"target_annual":  numberProp("Target annual dividend income."),
			"currency":       stringProp("Currency code. Defaults to USD."),
			"deadline":       stringProp("Target date, YYYY-MM-DD."),
			"notes":          stringProp("Free text notes."),
			"goal_id":        stringProp("Goal id for update or delete."),
		}, "action"),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return manageGoal(ctx, deps.Goals, args)
		},
	}
}

func manageGoal(ctx context.Context, goals GoalStore, args map[string]any) (GoalAction, error) {
	action := tooling.String(args, "action", "list")
	out := GoalAction{Action: action}

	switch action {
	case "create":
		monthly := tooling.Float(args, "target_monthly", 0)
		annual := tooling.Float(args, "target_annual", 0)
		if monthly <= 0 && annual <= 0 {
			return GoalAction{}, fmt.Errorf("%w: target_monthly or target_annual is required", tooling.ErrInvalidInput)
		}
		goal, err := goals.CreateGoal(ctx, domain.DividendGoal{
			TargetMonthly: monthly,
			TargetAnnual:  annual,
			Currency:      tooling.String(args, "currency", "USD"),
			Deadline:      tooling.String(args, "deadline", ""),
			Notes:         tooling.String(args, "notes", ""),
		})
		if err != nil {
			return GoalAction{}, err
		}
		out.Goal, out.Count = &goal, 1
		out.Meta = meta("Created a dividend goal of %s per month (%s per year).",
			money(goal.TargetMonthly), money(goal.TargetAnnual))

	case "list":
		list, err := goals.ListGoals(ctx)
		if err != nil {
			return GoalAction{}, err
		}
		out.Goals, out.Count = list, len(list)
		if len(list) == 0 {
			out.Meta = meta("No dividend goals are set.")
		} else {
			out.Meta = meta("%d dividend goal(s). Most recent target: %s per month.", len(list), money(list[0].TargetMonthly))
		}

	case "update":
		id, err := resolveGoalID(ctx, goals, args)
		if err != nil {
			return GoalAction{}, err
		}
		var update domain.GoalUpdate
		if _, ok := args["target_monthly"]; ok {
			v := tooling.Float(args, "target_monthly", 0)
			update.TargetMonthly = &v
		}
		if _, ok := args["target_annual"]; ok {
			v := tooling.Float(args, "target_annual", 0)
			update.TargetAnnual = &v
		}
		if v, ok := args["deadline"].(string); ok {
			update.Deadline = &v
		}
		if v, ok := args["notes"].(string); ok {
			update.Notes = &v
		}
		goal, err := goals.UpdateGoal(ctx, id, update)
		if err != nil {
			return GoalAction{}, err
		}
		out.Goal, out.Count = &goal, 1
		out.Meta = meta("Updated dividend goal to %s per month (%s per year).",
			money(goal.TargetMonthly), money(goal.TargetAnnual))

	case "delete":
		id, err := resolveGoalID(ctx, goals, args)
		if err != nil {
			return GoalAction{}, err
		}
		if err := goals.DeleteGoal(ctx, id); err != nil {
			return GoalAction{}, err
		}
		out.Meta = meta("Deleted the dividend goal.")

	default:
		return GoalAction{}, fmt.Errorf("%w: unknown action %q", tooling.ErrInvalidInput, action)
	}
	return out, nil
}

func resolveGoalID(ctx context.Context, goals GoalStore, args map[string]any) (string, error) {
	if id := tooling.String(args, "goal_id", ""); id != "" {
		return id, nil
	}
	list, err := goals.ListGoals(ctx)
	if err != nil {
		return "", err
	}
	if len(list) == 0 {
		return "", fmt.Errorf("no dividend goal to modify")
	}
	return list[0].ID, nil
}
