package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/digkill/fixtral/internal/models"
)

type CreditRepository struct {
	db *sql.DB
}

func NewCreditRepository(db *sql.DB) *CreditRepository {
	return &CreditRepository{db: db}
}

func (r *CreditRepository) Find(ctx context.Context, userID string) (*models.UserCredits, error) {
	const query = `
SELECT daily_generations, last_reset_date, total_generations
FROM user_credits WHERE user_id = ?`
	row := r.db.QueryRowContext(ctx, query, userID)
	var c models.UserCredits
	if err := row.Scan(&c.DailyGenerations, &c.LastResetDate, &c.TotalGenerations); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan credits: %w", err)
	}
	return &c, nil
}

// GetOrCreate returns the stored entry, inserting the default one for today
// when the user has none yet.
func (r *CreditRepository) GetOrCreate(ctx context.Context, userID, today string) (models.UserCredits, error) {
	const insert = `
INSERT IGNORE INTO user_credits (user_id, daily_generations, last_reset_date, total_generations)
VALUES (?, 0, ?, 0)`
	if _, err := r.db.ExecContext(ctx, insert, userID, today); err != nil {
		return models.UserCredits{}, fmt.Errorf("ensure credits: %w", err)
	}
	c, err := r.Find(ctx, userID)
	if err != nil {
		return models.UserCredits{}, err
	}
	if c == nil {
		return models.UserCredits{}, fmt.Errorf("credits for %s vanished after insert", userID)
	}
	return *c, nil
}

// CompareAndSwap writes next only if the stored row still equals prev.
func (r *CreditRepository) CompareAndSwap(ctx context.Context, userID string, prev, next models.UserCredits) (bool, error) {
	const query = `
UPDATE user_credits SET daily_generations = ?, last_reset_date = ?, total_generations = ?, updated_at = NOW()
WHERE user_id = ? AND daily_generations = ? AND last_reset_date = ? AND total_generations = ?`
	res, err := r.db.ExecContext(ctx, query,
		next.DailyGenerations, next.LastResetDate, next.TotalGenerations,
		userID, prev.DailyGenerations, prev.LastResetDate, prev.TotalGenerations,
	)
	if err != nil {
		return false, fmt.Errorf("swap credits: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("credits rows affected: %w", err)
	}
	return affected > 0, nil
}

func (r *CreditRepository) Upsert(ctx context.Context, userID string, c models.UserCredits) error {
	const query = `
INSERT INTO user_credits (user_id, daily_generations, last_reset_date, total_generations)
VALUES (?, ?, ?, ?)
ON DUPLICATE KEY UPDATE daily_generations = VALUES(daily_generations), last_reset_date = VALUES(last_reset_date),
    total_generations = VALUES(total_generations), updated_at = NOW()`
	if _, err := r.db.ExecContext(ctx, query, userID, c.DailyGenerations, c.LastResetDate, c.TotalGenerations); err != nil {
		return fmt.Errorf("upsert credits: %w", err)
	}
	return nil
}
