package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/digkill/fixtral/internal/gemini"
	"github.com/digkill/fixtral/internal/metrics"
	"github.com/digkill/fixtral/internal/models"
)

// Editor performs the remote image edit.
type Editor interface {
	Edit(ctx context.Context, imageURL, instruction string) (*gemini.EditResult, error)
}

type EditService struct {
	log     *slog.Logger
	credits *CreditService
	history *HistoryService
	editor  Editor
	now     func() time.Time
}

type EditRequest struct {
	PostID      string `json:"postId"`
	PostTitle   string `json:"postTitle"`
	RequestText string `json:"requestText"`
	PostURL     string `json:"postUrl"`
	ImageURL    string `json:"imageUrl"`
	Instruction string `json:"instruction"`
}

type EditOutcome struct {
	Result *gemini.EditResult
	Record models.HistoryRecord
	Save   SaveResult
	// SaveErr is set when the record could not be preserved anywhere.
	SaveErr error
	Limit   LimitStatus
}

func NewEditService(log *slog.Logger, credits *CreditService, history *HistoryService, editor Editor) *EditService {
	return &EditService{
		log:     log,
		credits: credits,
		history: history,
		editor:  editor,
		now:     time.Now,
	}
}

// Edit reserves one generation from the caller's quota, runs the edit and
// records the result. A failed edit gets its generation refunded. The
// returned outcome carries the record even when the edit failed.
func (s *EditService) Edit(ctx context.Context, id models.Identity, req EditRequest) (*EditOutcome, error) {
	if strings.TrimSpace(req.ImageURL) == "" || strings.TrimSpace(req.Instruction) == "" {
		return nil, fmt.Errorf("%w: image url and instruction are required", ErrInvalidRequest)
	}

	limit, err := s.credits.CheckLimit(ctx, id)
	if err != nil {
		return nil, err
	}
	if !limit.CanGenerate {
		return &EditOutcome{Limit: limit}, ErrQuotaExceeded
	}

	// The check above does not hold across concurrent requests; the
	// increment is the reservation.
	reserved, err := s.credits.Increment(ctx, id)
	if errors.Is(err, ErrQuotaExceeded) {
		if current, cerr := s.credits.CheckLimit(ctx, id); cerr == nil {
			limit = current
		}
		limit.CanGenerate = false
		limit.RemainingCredits = 0
		return &EditOutcome{Limit: limit}, ErrQuotaExceeded
	}
	if err != nil {
		return nil, fmt.Errorf("reserve generation: %w", err)
	}
	limit = s.credits.StatusFor(reserved, limit.IsAdmin)

	started := s.now()
	result, editErr := s.editor.Edit(ctx, req.ImageURL, req.Instruction)
	elapsed := s.now().Sub(started)

	rec := models.HistoryRecord{
		ID:               models.NewHistoryID(),
		PostID:           req.PostID,
		PostTitle:        req.PostTitle,
		RequestText:      req.RequestText,
		PostURL:          req.PostURL,
		Analysis:         req.Instruction,
		OriginalImageURL: req.ImageURL,
		Status:           models.StatusCompleted,
		Timestamp:        s.now().UnixMilli(),
		ProcessingTime:   elapsed.Milliseconds(),
		UserID:           id.UserID,
	}

	outcome := &EditOutcome{Result: result, Limit: limit}
	if editErr != nil {
		metrics.ObserveGeneration(string(models.StatusFailed), elapsed)
		if refunded, err := s.credits.Refund(ctx, id); err != nil {
			s.log.Warn("credit refund failed after edit error", "user_id", id.UserID, "err", err)
		} else {
			outcome.Limit = s.credits.StatusFor(refunded, limit.IsAdmin)
		}
		rec.Status = models.StatusFailed
		outcome.Record = rec
		outcome.Save, outcome.SaveErr = s.history.Save(ctx, id, rec)
		return outcome, editErr
	}
	metrics.ObserveGeneration(string(models.StatusCompleted), elapsed)

	rec.EditedImageURL = result.Primary()
	rec.GeneratedImages = result.Images
	rec.Method = result.Method

	outcome.Record = rec
	outcome.Save, outcome.SaveErr = s.history.Save(ctx, id, rec)
	return outcome, nil
}
