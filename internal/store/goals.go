package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/folio-agent/internal/domain"
)

// CreateGoal stores a new goal. A missing annual or monthly target is derived
// from the other.
func (s *SQLiteStore) CreateGoal(ctx context.Context, goal domain.DividendGoal) (domain.DividendGoal, error) {
	if goal.TargetMonthly <= 0 && goal.TargetAnnual <= 0 {
		return domain.DividendGoal{}, fmt.Errorf("create goal: target must be greater than zero")
	}
	if goal.TargetAnnual <= 0 {
		goal.TargetAnnual = goal.TargetMonthly * 12
	}
	if goal.TargetMonthly <= 0 {
		goal.TargetMonthly = goal.TargetAnnual / 12
	}
	if goal.Currency == "" {
		goal.Currency = "USD"
	}
	goal.ID = newID()
	now := s.now()
	goal.CreatedAt = time.Unix(now.Unix(), 0)
	goal.UpdatedAt = goal.CreatedAt

	err := s.withRetry(ctx, "create goal", func() error {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()

		_, err := s.db.ExecContext(ctx, `
			INSERT INTO dividend_goals (id, target_monthly, target_annual, currency, deadline, notes, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			goal.ID, goal.TargetMonthly, goal.TargetAnnual, goal.Currency,
			nullString(goal.Deadline), nullString(goal.Notes), now.Unix(), now.Unix())
		if err != nil {
			return fmt.Errorf("insert goal: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.DividendGoal{}, err
	}
	return goal, nil
}

// ListGoals returns all goals, most recently created first.
func (s *SQLiteStore) ListGoals(ctx context.Context) ([]domain.DividendGoal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, target_monthly, target_annual, currency, deadline, notes, created_at, updated_at
		FROM dividend_goals ORDER BY created_at DESC, rowid DESC`)
	if err != nil {
		return nil, fmt.Errorf("query goals: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close goal rows", "error", closeErr)
		}
	}()

	goals := []domain.DividendGoal{}
	for rows.Next() {
		goal, err := scanGoal(rows)
		if err != nil {
			return nil, err
		}
		goals = append(goals, goal)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate goals: %w", err)
	}
	return goals, nil
}

// UpdateGoal applies non-nil fields. Setting one target recomputes the other
// unless both are given.
func (s *SQLiteStore) UpdateGoal(ctx context.Context, id string, update domain.GoalUpdate) (domain.DividendGoal, error) {
	var out domain.DividendGoal
	err := s.withRetry(ctx, "update goal", func() error {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		goal, err := scanGoal(tx.QueryRowContext(ctx, `
			SELECT id, target_monthly, target_annual, currency, deadline, notes, created_at, updated_at
			FROM dividend_goals WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("goal %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return err
		}

		switch {
		case update.TargetMonthly != nil && update.TargetAnnual != nil:
			goal.TargetMonthly, goal.TargetAnnual = *update.TargetMonthly, *update.TargetAnnual
		case update.TargetMonthly != nil:
			goal.TargetMonthly, goal.TargetAnnual = *update.TargetMonthly, *update.TargetMonthly*12
		case update.TargetAnnual != nil:
			goal.TargetMonthly, goal.TargetAnnual = *update.TargetAnnual/12, *update.TargetAnnual
		}
		if update.Deadline != nil {
			goal.Deadline = *update.Deadline
		}
		if update.Notes != nil {
			goal.Notes = *update.Notes
		}
		goal.UpdatedAt = time.Unix(s.now().Unix(), 0)

		if _, err := tx.ExecContext(ctx, `
			UPDATE dividend_goals SET target_monthly = ?, target_annual = ?, deadline = ?, notes = ?, updated_at = ?
			WHERE id = ?`,
			goal.TargetMonthly, goal.TargetAnnual, nullString(goal.Deadline), nullString(goal.Notes),
			goal.UpdatedAt.Unix(), id); err != nil {
			return fmt.Errorf("update goal: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit goal update: %w", err)
		}
		out = goal
		return nil
	})
	return out, err
}

// DeleteGoal removes a goal by id.
func (s *SQLiteStore) DeleteGoal(ctx context.Context, id string) error {
	return s.withRetry(ctx, "delete goal", func() error {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()

		res, err := s.db.ExecContext(ctx, `DELETE FROM dividend_goals WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete goal: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("goal %s: %w", id, ErrNotFound)
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGoal(row rowScanner) (domain.DividendGoal, error) {
	var (
		goal                 domain.DividendGoal
		deadline, notes      sql.NullString
		createdAt, updatedAt int64
	)
	if err := row.Scan(&goal.ID, &goal.TargetMonthly, &goal.TargetAnnual, &goal.Currency,
		&deadline, &notes, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.DividendGoal{}, err
		}
		return domain.DividendGoal{}, fmt.Errorf("scan goal row: %w", err)
	}
	goal.Deadline = deadline.String
	goal.Notes = notes.String
	goal.CreatedAt = time.Unix(createdAt, 0)
	goal.UpdatedAt = time.Unix(updatedAt, 0)
	return goal, nil
}
