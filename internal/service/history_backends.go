package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/digkill/fixtral/internal/kv"
	"github.com/digkill/fixtral/internal/localdb"
	"github.com/digkill/fixtral/internal/models"
	"github.com/digkill/fixtral/internal/repository"
)

const (
	// HistoryLoadLimit caps the merged history returned to callers.
	HistoryLoadLimit = 100
	// KVHistoryCap is the number of records kept under the key-value history key.
	KVHistoryCap = 50

	historyKeyPrefix       = "fixtral:history:"
	legacyHistoryKeyPrefix = "editHistory:"
)

// HistoryBackend is one storage tier of the history cascade.
type HistoryBackend interface {
	Name() string
	Save(ctx context.Context, id models.Identity, rec models.HistoryRecord) error
	Load(ctx context.Context, id models.Identity) ([]models.HistoryRecord, error)
	Delete(ctx context.Context, id models.Identity, recordID string) error
	Clear(ctx context.Context, id models.Identity) error
}

// RemoteHistory stores records in MySQL. Only signed-in users reach it.
type RemoteHistory struct {
	repo *repository.HistoryRepository
}

func NewRemoteHistory(repo *repository.HistoryRepository) *RemoteHistory {
	return &RemoteHistory{repo: repo}
}

func (b *RemoteHistory) Name() string { return "remote" }

func (b *RemoteHistory) Save(ctx context.Context, id models.Identity, rec models.HistoryRecord) error {
	if !id.Authenticated() {
		return ErrTierSkipped
	}
	return b.repo.Insert(ctx, id.UserID, rec)
}

func (b *RemoteHistory) Load(ctx context.Context, id models.Identity) ([]models.HistoryRecord, error) {
	if !id.Authenticated() {
		return nil, ErrTierSkipped
	}
	return b.repo.ListByUser(ctx, id.UserID, HistoryLoadLimit)
}

func (b *RemoteHistory) Delete(ctx context.Context, id models.Identity, recordID string) error {
	if !id.Authenticated() {
		return ErrTierSkipped
	}
	return b.repo.Delete(ctx, id.UserID, recordID)
}

func (b *RemoteHistory) Clear(ctx context.Context, id models.Identity) error {
	if !id.Authenticated() {
		return ErrTierSkipped
	}
	return b.repo.Clear(ctx, id.UserID)
}

// EmbeddedHistory stores records in the local SQLite file, partitioned by owner.
type EmbeddedHistory struct {
	store *localdb.Store
}

func NewEmbeddedHistory(store *localdb.Store) *EmbeddedHistory {
	return &EmbeddedHistory{store: store}
}

func (b *EmbeddedHistory) Name() string { return "embedded" }

func (b *EmbeddedHistory) Save(ctx context.Context, id models.Identity, rec models.HistoryRecord) error {
	return b.store.Put(ctx, id.Owner(), rec)
}

func (b *EmbeddedHistory) Load(ctx context.Context, id models.Identity) ([]models.HistoryRecord, error) {
	return b.store.List(ctx, id.Owner(), HistoryLoadLimit)
}

func (b *EmbeddedHistory) Delete(ctx context.Context, id models.Identity, recordID string) error {
	return b.store.Delete(ctx, id.Owner(), recordID)
}

func (b *EmbeddedHistory) Clear(ctx context.Context, id models.Identity) error {
	return b.store.Clear(ctx, id.Owner())
}

// KVHistory keeps a capped JSON array per owner in Redis and also reads the
// uncapped legacy array written by older clients.
type KVHistory struct {
	store *kv.Store
}

func NewKVHistory(store *kv.Store) *KVHistory {
	return &KVHistory{store: store}
}

func (b *KVHistory) Name() string { return "keyvalue" }

func historyKey(owner string) string       { return historyKeyPrefix + owner }
func legacyHistoryKey(owner string) string { return legacyHistoryKeyPrefix + owner }

// Save prepends rec, dropping any older copy with the same id, and evicts the
// oldest entries beyond KVHistoryCap.
func (b *KVHistory) Save(ctx context.Context, id models.Identity, rec models.HistoryRecord) error {
	return b.store.Update(ctx, historyKey(id.Owner()), func(current []byte, exists bool) ([]byte, error) {
		var list []models.HistoryRecord
		if exists {
			list = decodeHistory(current)
		}
		next := make([]models.HistoryRecord, 0, len(list)+1)
		next = append(next, rec)
		for _, r := range list {
			if r.ID != rec.ID {
				next = append(next, r)
			}
		}
		if len(next) > KVHistoryCap {
			next = next[:KVHistoryCap]
		}
		return json.Marshal(next)
	})
}

func (b *KVHistory) Load(ctx context.Context, id models.Identity) ([]models.HistoryRecord, error) {
	owner := id.Owner()
	var out []models.HistoryRecord
	for _, key := range []string{historyKey(owner), legacyHistoryKey(owner)} {
		raw, ok, err := b.store.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, decodeHistory(raw)...)
		}
	}
	return out, nil
}

func (b *KVHistory) Delete(ctx context.Context, id models.Identity, recordID string) error {
	owner := id.Owner()
	for _, key := range []string{historyKey(owner), legacyHistoryKey(owner)} {
		err := b.store.Update(ctx, key, func(current []byte, exists bool) ([]byte, error) {
			if !exists {
				return nil, errKeep
			}
			list := decodeHistory(current)
			kept := make([]models.HistoryRecord, 0, len(list))
			for _, r := range list {
				if r.ID != recordID {
					kept = append(kept, r)
				}
			}
			if len(kept) == len(list) {
				return nil, errKeep
			}
			return json.Marshal(kept)
		})
		if err != nil && !errors.Is(err, errKeep) {
			return fmt.Errorf("delete from %s: %w", key, err)
		}
	}
	return nil
}

func (b *KVHistory) Clear(ctx context.Context, id models.Identity) error {
	owner := id.Owner()
	return b.store.Delete(ctx, historyKey(owner), legacyHistoryKey(owner))
}

// decodeHistory reads a JSON array leniently: entries that do not decode or
// carry no id are dropped instead of failing the whole list.
func decodeHistory(raw []byte) []models.HistoryRecord {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	out := make([]models.HistoryRecord, 0, len(items))
	for _, item := range items {
		var rec models.HistoryRecord
		if err := json.Unmarshal(item, &rec); err != nil || rec.ID == "" {
			continue
		}
		out = append(out, rec)
	}
	return out
}
