package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/digkill/fixtral/internal/kv"
	"github.com/digkill/fixtral/internal/models"
	"github.com/digkill/fixtral/internal/repository"
)

// CreditStore is one tier of the credit ledger.
type CreditStore interface {
	Name() string
	// GetOrCreate returns the stored entry, creating the default one for today if absent.
	GetOrCreate(ctx context.Context, userID, today string) (models.UserCredits, error)
	// CompareAndSwap stores next only when the current entry equals prev.
	CompareAndSwap(ctx context.Context, userID string, prev, next models.UserCredits) (bool, error)
	// Put overwrites the entry unconditionally. Used to mirror lower tiers.
	Put(ctx context.Context, userID string, c models.UserCredits) error
}

// AdminStore caches positive admin flags.
type AdminStore interface {
	Name() string
	IsAdmin(ctx context.Context, userID string) (bool, error)
	SetAdmin(ctx context.Context, userID string) error
}

// RemoteCreditStore keeps credits in MySQL.
type RemoteCreditStore struct {
	repo *repository.CreditRepository
}

func NewRemoteCreditStore(repo *repository.CreditRepository) *RemoteCreditStore {
	return &RemoteCreditStore{repo: repo}
}

func (s *RemoteCreditStore) Name() string { return "remote" }

func (s *RemoteCreditStore) GetOrCreate(ctx context.Context, userID, today string) (models.UserCredits, error) {
	return s.repo.GetOrCreate(ctx, userID, today)
}

func (s *RemoteCreditStore) CompareAndSwap(ctx context.Context, userID string, prev, next models.UserCredits) (bool, error) {
	return s.repo.CompareAndSwap(ctx, userID, prev, next)
}

func (s *RemoteCreditStore) Put(ctx context.Context, userID string, c models.UserCredits) error {
	return s.repo.Upsert(ctx, userID, c)
}

// RemoteAdminStore keeps admin flags in MySQL.
type RemoteAdminStore struct {
	repo *repository.AdminRepository
}

func NewRemoteAdminStore(repo *repository.AdminRepository) *RemoteAdminStore {
	return &RemoteAdminStore{repo: repo}
}

func (s *RemoteAdminStore) Name() string { return "remote" }

func (s *RemoteAdminStore) IsAdmin(ctx context.Context, userID string) (bool, error) {
	flag, _, err := s.repo.IsAdmin(ctx, userID)
	return flag, err
}

func (s *RemoteAdminStore) SetAdmin(ctx context.Context, userID string) error {
	return s.repo.SetAdmin(ctx, userID)
}

const (
	creditsKeyPrefix = "fixtral:credits:"
	adminKeyPrefix   = "fixtral:admin:"
)

var (
	errKeep     = errors.New("keep current value")
	errMismatch = errors.New("value changed")
)

// KVCreditStore keeps credits as JSON documents in Redis.
type KVCreditStore struct {
	store *kv.Store
}

func NewKVCreditStore(store *kv.Store) *KVCreditStore {
	return &KVCreditStore{store: store}
}

func (s *KVCreditStore) Name() string { return "keyvalue" }

func (s *KVCreditStore) GetOrCreate(ctx context.Context, userID, today string) (models.UserCredits, error) {
	var out models.UserCredits
	err := s.store.Update(ctx, creditsKeyPrefix+userID, func(current []byte, exists bool) ([]byte, error) {
		if exists {
			if err := json.Unmarshal(current, &out); err != nil {
				return nil, fmt.Errorf("decode credits: %w", err)
			}
			return nil, errKeep
		}
		out = models.NewUserCredits(today)
		return json.Marshal(out)
	})
	if err != nil && !errors.Is(err, errKeep) {
		return models.UserCredits{}, err
	}
	return out, nil
}

func (s *KVCreditStore) CompareAndSwap(ctx context.Context, userID string, prev, next models.UserCredits) (bool, error) {
	err := s.store.Update(ctx, creditsKeyPrefix+userID, func(current []byte, exists bool) ([]byte, error) {
		if !exists {
			return nil, errMismatch
		}
		var stored models.UserCredits
		if err := json.Unmarshal(current, &stored); err != nil {
			return nil, fmt.Errorf("decode credits: %w", err)
		}
		if stored != prev {
			return nil, errMismatch
		}
		return json.Marshal(next)
	})
	if errors.Is(err, errMismatch) || errors.Is(err, kv.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *KVCreditStore) Put(ctx context.Context, userID string, c models.UserCredits) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode credits: %w", err)
	}
	return s.store.Set(ctx, creditsKeyPrefix+userID, raw)
}

// KVAdminStore keeps positive admin flags in Redis.
type KVAdminStore struct {
	store *kv.Store
}

func NewKVAdminStore(store *kv.Store) *KVAdminStore {
	return &KVAdminStore{store: store}
}

func (s *KVAdminStore) Name() string { return "keyvalue" }

func (s *KVAdminStore) IsAdmin(ctx context.Context, userID string) (bool, error) {
	raw, ok, err := s.store.Get(ctx, adminKeyPrefix+userID)
	if err != nil || !ok {
		return false, err
	}
	return string(raw) == "true", nil
}

func (s *KVAdminStore) SetAdmin(ctx context.Context, userID string) error {
	return s.store.Set(ctx, adminKeyPrefix+userID, []byte("true"))
}

// MemoryCreditStore is the terminal ledger tier. It never fails.
type MemoryCreditStore struct {
	mu      sync.Mutex
	credits map[string]models.UserCredits
}

func NewMemoryCreditStore() *MemoryCreditStore {
	return &MemoryCreditStore{credits: make(map[string]models.UserCredits)}
}

func (s *MemoryCreditStore) Name() string { return "memory" }

func (s *MemoryCreditStore) GetOrCreate(_ context.Context, userID, today string) (models.UserCredits, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credits[userID]
	if !ok {
		c = models.NewUserCredits(today)
		s.credits[userID] = c
	}
	return c, nil
}

func (s *MemoryCreditStore) CompareAndSwap(_ context.Context, userID string, prev, next models.UserCredits) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.credits[userID] != prev {
		return false, nil
	}
	s.credits[userID] = next
	return true, nil
}

func (s *MemoryCreditStore) Put(_ context.Context, userID string, c models.UserCredits) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credits[userID] = c
	return nil
}
