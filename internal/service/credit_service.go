package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/digkill/fixtral/internal/config"
	"github.com/digkill/fixtral/internal/metrics"
	"github.com/digkill/fixtral/internal/models"
)

const (
	// DailyQuota is the number of free generations per user per calendar day.
	DailyQuota = 2
	// UnlimitedCredits is reported as the remaining allowance for admins.
	UnlimitedCredits = 999

	// maxSwapAttempts bounds compare-and-swap rounds per tier. On the keyvalue
	// tier each round may itself retry its transaction up to 5 times.
	maxSwapAttempts = 5
)

type LimitStatus struct {
	CanGenerate      bool               `json:"canGenerate"`
	RemainingCredits int                `json:"remainingCredits"`
	Credits          models.UserCredits `json:"credits"`
	IsAdmin          bool               `json:"isAdmin"`
}

type CreditOptions struct {
	Quota    int
	Location *time.Location
	Now      func() time.Time
	// Admin is called on every admin check.
	Admin func() config.Admin
}

type CreditService struct {
	log    *slog.Logger
	stores []CreditStore
	admins []AdminStore
	quota  int
	loc    *time.Location
	now    func() time.Time
	admin  func() config.Admin
}

// NewCreditService builds the ledger over stores in priority order. An
// in-memory tier is appended when the last store is not one already, so the
// ledger keeps answering when every backend is down.
func NewCreditService(log *slog.Logger, opts CreditOptions, stores []CreditStore, admins []AdminStore) *CreditService {
	if opts.Quota <= 0 {
		opts.Quota = DailyQuota
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Admin == nil {
		opts.Admin = config.LoadAdmin
	}
	if len(stores) == 0 {
		stores = []CreditStore{NewMemoryCreditStore()}
	} else if _, ok := stores[len(stores)-1].(*MemoryCreditStore); !ok {
		stores = append(stores, NewMemoryCreditStore())
	}
	return &CreditService{
		log:    log,
		stores: stores,
		admins: admins,
		quota:  opts.Quota,
		loc:    opts.Location,
		now:    opts.Now,
		admin:  opts.Admin,
	}
}

func (s *CreditService) Quota() int {
	return s.quota
}

// Today returns the current quota day.
func (s *CreditService) Today() string {
	return s.now().In(s.loc).Format(models.DateLayout)
}

// GetCredits returns the user's entry with the daily reset applied and persisted.
func (s *CreditService) GetCredits(ctx context.Context, userID string) (models.UserCredits, error) {
	if userID == "" {
		return models.UserCredits{}, ErrUnauthenticated
	}
	today := s.Today()
	for _, store := range s.stores {
		c, err := s.currentFrom(ctx, store, userID, today)
		if errors.Is(err, ErrContention) {
			return models.UserCredits{}, fmt.Errorf("get credits: %w", err)
		}
		if err != nil {
			s.tierFailed("credits_get", store.Name(), err)
			continue
		}
		metrics.RecordStorageOp("credits_get", store.Name(), "ok")
		return c, nil
	}
	return models.UserCredits{}, fmt.Errorf("get credits: %w", ErrStorageUnavailable)
}

func (s *CreditService) currentFrom(ctx context.Context, store CreditStore, userID, today string) (models.UserCredits, error) {
	for attempt := 0; attempt < maxSwapAttempts; attempt++ {
		stored, err := store.GetOrCreate(ctx, userID, today)
		if err != nil {
			return models.UserCredits{}, err
		}
		next, changed := stored.ResetFor(today)
		if !changed {
			return stored, nil
		}
		ok, err := store.CompareAndSwap(ctx, userID, stored, next)
		if err != nil {
			return models.UserCredits{}, err
		}
		if ok {
			return next, nil
		}
	}
	return models.UserCredits{}, ErrContention
}

// IsAdmin reports whether the caller is exempt from the quota. A stored
// positive flag wins; otherwise the configured admin identity is compared and
// a match is persisted. Negative results are not stored.
func (s *CreditService) IsAdmin(ctx context.Context, id models.Identity) bool {
	if !id.Authenticated() {
		return false
	}
	for _, store := range s.admins {
		ok, err := store.IsAdmin(ctx, id.UserID)
		if err != nil {
			s.tierFailed("admin_get", store.Name(), err)
			continue
		}
		if ok {
			return true
		}
	}

	if !s.admin().Matches(id.UserID, id.Email) {
		return false
	}
	for _, store := range s.admins {
		if err := store.SetAdmin(ctx, id.UserID); err != nil {
			s.tierFailed("admin_set", store.Name(), err)
		}
	}
	s.log.Info("admin flag granted from configuration", "user_id", id.UserID)
	return true
}

func (s *CreditService) CheckLimit(ctx context.Context, id models.Identity) (LimitStatus, error) {
	if !id.Authenticated() {
		return LimitStatus{}, ErrUnauthenticated
	}
	credits, err := s.GetCredits(ctx, id.UserID)
	if err != nil {
		return LimitStatus{}, err
	}

	status := s.StatusFor(credits, s.IsAdmin(ctx, id))
	switch {
	case status.IsAdmin:
		metrics.RecordCreditCheck("admin")
	case status.CanGenerate:
		metrics.RecordCreditCheck("allowed")
	default:
		metrics.RecordCreditCheck("blocked")
	}
	return status, nil
}

// StatusFor derives the quota view of a ledger entry.
func (s *CreditService) StatusFor(credits models.UserCredits, admin bool) LimitStatus {
	status := LimitStatus{Credits: credits, IsAdmin: admin}
	if admin {
		status.CanGenerate = true
		status.RemainingCredits = UnlimitedCredits
		return status
	}
	status.CanGenerate = credits.DailyGenerations < s.quota
	status.RemainingCredits = max(0, s.quota-credits.DailyGenerations)
	return status
}

// Increment consumes one generation. The check and the write happen in a
// single compare-and-swap, so concurrent callers cannot exceed the quota on
// the tier that answers.
func (s *CreditService) Increment(ctx context.Context, id models.Identity) (models.UserCredits, error) {
	if !id.Authenticated() {
		return models.UserCredits{}, ErrUnauthenticated
	}
	admin := s.IsAdmin(ctx, id)
	today := s.Today()

	for i, store := range s.stores {
		next, err := s.incrementOn(ctx, store, id.UserID, today, admin)
		if errors.Is(err, ErrQuotaExceeded) || errors.Is(err, ErrContention) {
			return models.UserCredits{}, err
		}
		if err != nil {
			s.tierFailed("credits_increment", store.Name(), err)
			continue
		}
		metrics.RecordStorageOp("credits_increment", store.Name(), "ok")
		s.mirror(ctx, s.stores[i+1:], id.UserID, next)
		return next, nil
	}
	return models.UserCredits{}, fmt.Errorf("increment credits: %w", ErrStorageUnavailable)
}

func (s *CreditService) incrementOn(ctx context.Context, store CreditStore, userID, today string, admin bool) (models.UserCredits, error) {
	for attempt := 0; attempt < maxSwapAttempts; attempt++ {
		stored, err := store.GetOrCreate(ctx, userID, today)
		if err != nil {
			return models.UserCredits{}, err
		}
		current, _ := stored.ResetFor(today)
		if !admin && current.DailyGenerations >= s.quota {
			return models.UserCredits{}, ErrQuotaExceeded
		}
		next := current
		next.DailyGenerations++
		next.TotalGenerations++

		ok, err := store.CompareAndSwap(ctx, userID, stored, next)
		if err != nil {
			return models.UserCredits{}, err
		}
		if ok {
			return next, nil
		}
	}
	return models.UserCredits{}, ErrContention
}

// Refund gives back a generation consumed today, e.g. when the edit it paid
// for failed. Nothing changes once the day has rolled over or the counter is
// already zero.
func (s *CreditService) Refund(ctx context.Context, id models.Identity) (models.UserCredits, error) {
	if !id.Authenticated() {
		return models.UserCredits{}, ErrUnauthenticated
	}
	today := s.Today()

	for i, store := range s.stores {
		next, err := s.refundOn(ctx, store, id.UserID, today)
		if errors.Is(err, ErrContention) {
			return models.UserCredits{}, err
		}
		if err != nil {
			s.tierFailed("credits_refund", store.Name(), err)
			continue
		}
		metrics.RecordStorageOp("credits_refund", store.Name(), "ok")
		s.mirror(ctx, s.stores[i+1:], id.UserID, next)
		return next, nil
	}
	return models.UserCredits{}, fmt.Errorf("refund credits: %w", ErrStorageUnavailable)
}

func (s *CreditService) refundOn(ctx context.Context, store CreditStore, userID, today string) (models.UserCredits, error) {
	for attempt := 0; attempt < maxSwapAttempts; attempt++ {
		stored, err := store.GetOrCreate(ctx, userID, today)
		if err != nil {
			return models.UserCredits{}, err
		}
		current, _ := stored.ResetFor(today)
		if current.DailyGenerations == 0 {
			return current, nil
		}
		next := current
		next.DailyGenerations--
		if next.TotalGenerations > 0 {
			next.TotalGenerations--
		}

		ok, err := store.CompareAndSwap(ctx, userID, stored, next)
		if err != nil {
			return models.UserCredits{}, err
		}
		if ok {
			return next, nil
		}
	}
	return models.UserCredits{}, ErrContention
}

func (s *CreditService) mirror(ctx context.Context, stores []CreditStore, userID string, c models.UserCredits) {
	for _, store := range stores {
		if err := store.Put(ctx, userID, c); err != nil {
			s.tierFailed("credits_mirror", store.Name(), err)
		}
	}
}

func (s *CreditService) tierFailed(op, tier string, err error) {
	metrics.RecordStorageOp(op, tier, "error")
	s.log.Warn("credit tier failed", "op", op, "tier", tier, "err", err)
}
