package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/digkill/fixtral/internal/models"
)

type HistoryRepository struct {
	db *sql.DB
}

func NewHistoryRepository(db *sql.DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

func (r *HistoryRepository) Insert(ctx context.Context, userID string, rec models.HistoryRecord) error {
	images, err := json.Marshal(rec.GeneratedImages)
	if err != nil {
		return fmt.Errorf("encode generated images: %w", err)
	}
	const query = `
INSERT INTO edit_history (id, user_id, post_id, post_title, request_text, post_url, analysis, original_image_url, edited_image_url, generated_images, method, status, timestamp_ms, processing_time_ms)
VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?, NULLIF(?, ''), ?, NULLIF(?, ''), ?, ?, ?)`
	if _, err := r.db.ExecContext(ctx, query,
		rec.ID, userID, rec.PostID, rec.PostTitle, rec.RequestText, rec.PostURL, rec.Analysis,
		rec.OriginalImageURL, rec.EditedImageURL, string(images), rec.Method, rec.Status,
		rec.Timestamp, rec.ProcessingTime,
	); err != nil {
		return fmt.Errorf("insert history record: %w", err)
	}
	return nil
}

// ListByUser returns the newest records first.
func (r *HistoryRepository) ListByUser(ctx context.Context, userID string, limit int) ([]models.HistoryRecord, error) {
	const query = `
SELECT id, user_id, post_id, post_title, request_text, COALESCE(post_url, ''), analysis, original_image_url,
       COALESCE(edited_image_url, ''), COALESCE(generated_images, '[]'), COALESCE(method, ''), status, timestamp_ms, processing_time_ms
FROM edit_history WHERE user_id = ?
ORDER BY timestamp_ms DESC
LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	records := []models.HistoryRecord{}
	for rows.Next() {
		var rec models.HistoryRecord
		var images string
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.PostID, &rec.PostTitle, &rec.RequestText, &rec.PostURL,
			&rec.Analysis, &rec.OriginalImageURL, &rec.EditedImageURL, &images, &rec.Method, &rec.Status,
			&rec.Timestamp, &rec.ProcessingTime); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		if err := json.Unmarshal([]byte(images), &rec.GeneratedImages); err != nil {
			return nil, fmt.Errorf("decode generated images for %s: %w", rec.ID, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return records, nil
}

func (r *HistoryRepository) Delete(ctx context.Context, userID, id string) error {
	const query = `DELETE FROM edit_history WHERE id = ? AND user_id = ?`
	if _, err := r.db.ExecContext(ctx, query, id, userID); err != nil {
		return fmt.Errorf("delete history record: %w", err)
	}
	return nil
}

func (r *HistoryRepository) Clear(ctx context.Context, userID string) error {
	const query = `DELETE FROM edit_history WHERE user_id = ?`
	if _, err := r.db.ExecContext(ctx, query, userID); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}
