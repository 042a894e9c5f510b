package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

type AdminRepository struct {
	db *sql.DB
}

func NewAdminRepository(db *sql.DB) *AdminRepository {
	return &AdminRepository{db: db}
}

// IsAdmin reports the stored flag and whether a row exists at all.
func (r *AdminRepository) IsAdmin(ctx context.Context, userID string) (bool, bool, error) {
	const query = `SELECT is_admin FROM user_admins WHERE user_id = ?`
	var flag int
	if err := r.db.QueryRowContext(ctx, query, userID).Scan(&flag); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, false, nil
		}
		return false, false, fmt.Errorf("scan admin flag: %w", err)
	}
	return flag != 0, true, nil
}

func (r *AdminRepository) SetAdmin(ctx context.Context, userID string) error {
	const query = `
INSERT INTO user_admins (user_id, is_admin) VALUES (?, 1)
ON DUPLICATE KEY UPDATE is_admin = 1, updated_at = NOW()`
	if _, err := r.db.ExecContext(ctx, query, userID); err != nil {
		return fmt.Errorf("set admin flag: %w", err)
	}
	return nil
}
