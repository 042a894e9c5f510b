package service

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/digkill/fixtral/internal/metrics"
	"github.com/digkill/fixtral/internal/models"
)

// Exporter produces a downloadable artifact for a record that no tier stored.
type Exporter interface {
	Name() string
	Export(ctx context.Context, rec models.HistoryRecord) (string, error)
}

type SaveResult struct {
	Success bool   `json:"success"`
	Method  string `json:"method"`
	// Persisted is false when only the download artifact survived.
	Persisted   bool   `json:"persisted"`
	RecordID    string `json:"recordId,omitempty"`
	DownloadURL string `json:"downloadUrl,omitempty"`
}

const (
	MethodRemote   = "remote"
	MethodDownload = "download"
	MethodFailed   = "failed"
)

type HistoryService struct {
	log      *slog.Logger
	remote   HistoryBackend
	local    []HistoryBackend
	exporter Exporter
	now      func() time.Time
}

// NewHistoryService wires the cascade. remote and exporter may be nil; local
// tiers are tried in the given order.
func NewHistoryService(log *slog.Logger, remote HistoryBackend, local []HistoryBackend, exporter Exporter) *HistoryService {
	return &HistoryService{
		log:      log,
		remote:   remote,
		local:    local,
		exporter: exporter,
		now:      time.Now,
	}
}

// Save stores rec remotely when possible and always in the first local tier
// that accepts it. When no local tier does, the image is exported instead.
func (s *HistoryService) Save(ctx context.Context, id models.Identity, rec models.HistoryRecord) (SaveResult, error) {
	if rec.ID == "" {
		rec.ID = models.NewHistoryID()
	}
	if rec.Timestamp == 0 {
		rec.Timestamp = s.now().UnixMilli()
	}
	if rec.UserID == "" && id.Authenticated() {
		rec.UserID = id.UserID
	}

	res := SaveResult{RecordID: rec.ID}
	remoteOK := false
	if s.remote != nil {
		if err := s.attempt("save", s.remote.Name(), func() error { return s.remote.Save(ctx, id, rec) }); err == nil {
			remoteOK = true
			res.Method = MethodRemote
		}
	}

	localOK := false
	for _, b := range s.local {
		if err := s.attempt("save", b.Name(), func() error { return b.Save(ctx, id, rec) }); err != nil {
			continue
		}
		localOK = true
		if !remoteOK {
			res.Method = b.Name()
		}
		break
	}

	res.Persisted = remoteOK || localOK
	if localOK {
		res.Success = true
		return res, nil
	}

	url, err := s.export(ctx, rec)
	if err == nil {
		res.DownloadURL = url
		if !remoteOK {
			res.Method = MethodDownload
		}
		res.Success = true
		return res, nil
	}
	if remoteOK {
		res.Success = true
		return res, nil
	}

	s.log.Error("history record lost on every tier", "record_id", rec.ID, "err", err)
	return SaveResult{Method: MethodFailed, RecordID: rec.ID}, fmt.Errorf("save %s: %w", rec.ID, ErrTotalPersistenceFailure)
}

func (s *HistoryService) export(ctx context.Context, rec models.HistoryRecord) (string, error) {
	if s.exporter == nil {
		return "", fmt.Errorf("export: %w", ErrStorageUnavailable)
	}
	var url string
	err := s.attempt("export", s.exporter.Name(), func() error {
		var err error
		url, err = s.exporter.Export(ctx, rec)
		return err
	})
	return url, err
}

// LoadAll merges every tier, keeping the first copy of each id, newest first.
func (s *HistoryService) LoadAll(ctx context.Context, id models.Identity) ([]models.HistoryRecord, error) {
	seen := make(map[string]struct{})
	out := []models.HistoryRecord{}
	for _, b := range s.tiers() {
		var recs []models.HistoryRecord
		err := s.attempt("load", b.Name(), func() error {
			var err error
			recs, err = b.Load(ctx, id)
			return err
		})
		if err != nil {
			continue
		}
		for _, rec := range recs {
			if _, dup := seen[rec.ID]; dup {
				continue
			}
			seen[rec.ID] = struct{}{}
			out = append(out, rec)
		}
	}

	slices.SortStableFunc(out, func(a, b models.HistoryRecord) int {
		return cmp.Compare(b.Timestamp, a.Timestamp)
	})
	if len(out) > HistoryLoadLimit {
		out = out[:HistoryLoadLimit]
	}
	return out, nil
}

// Delete removes recordID from every tier independently.
func (s *HistoryService) Delete(ctx context.Context, id models.Identity, recordID string) error {
	return s.everyTier("delete", func(b HistoryBackend) error { return b.Delete(ctx, id, recordID) })
}

// Clear removes all of the caller's records from every tier independently.
func (s *HistoryService) Clear(ctx context.Context, id models.Identity) error {
	return s.everyTier("clear", func(b HistoryBackend) error { return b.Clear(ctx, id) })
}

// everyTier fails only when each tier that took part returned an error.
func (s *HistoryService) everyTier(op string, fn func(HistoryBackend) error) error {
	attempted, failed := 0, 0
	for _, b := range s.tiers() {
		err := s.attempt(op, b.Name(), func() error { return fn(b) })
		if errors.Is(err, ErrTierSkipped) {
			continue
		}
		attempted++
		if err != nil {
			failed++
		}
	}
	if attempted > 0 && failed == attempted {
		return fmt.Errorf("%s history: %w", op, ErrTotalPersistenceFailure)
	}
	return nil
}

func (s *HistoryService) tiers() []HistoryBackend {
	if s.remote == nil {
		return s.local
	}
	return append([]HistoryBackend{s.remote}, s.local...)
}

func (s *HistoryService) attempt(op, tier string, fn func() error) error {
	err := fn()
	switch {
	case err == nil:
		metrics.RecordStorageOp(op, tier, "ok")
	case errors.Is(err, ErrTierSkipped):
		metrics.RecordStorageOp(op, tier, "skipped")
	default:
		metrics.RecordStorageOp(op, tier, "error")
		s.log.Warn("history tier failed", "op", op, "tier", tier, "err", err)
	}
	return err
}
