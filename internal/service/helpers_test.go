package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/digkill/fixtral/internal/kv"
	"github.com/digkill/fixtral/internal/models"
)

var errDown = errors.New("backend down")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newKVStore(t *testing.T) (*kv.Store, *miniredis.Miniredis) {
	t.Helper()
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(server.Close)
	client, err := kv.Connect(kv.Options{Addr: server.Addr()})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return kv.New(client), server
}

// memHistory is an in-memory HistoryBackend whose calls can be made to fail.
type memHistory struct {
	name    string
	authed  bool
	err     error
	mu      sync.Mutex
	records map[string][]models.HistoryRecord
	saves   int
}

func newMemHistory(name string) *memHistory {
	return &memHistory{name: name, records: make(map[string][]models.HistoryRecord)}
}

func (m *memHistory) Name() string { return m.name }

func (m *memHistory) skip(id models.Identity) bool {
	return m.authed && !id.Authenticated()
}

func (m *memHistory) Save(_ context.Context, id models.Identity, rec models.HistoryRecord) error {
	if m.skip(id) {
		return ErrTierSkipped
	}
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	m.records[id.Owner()] = append(m.records[id.Owner()], rec)
	return nil
}

func (m *memHistory) Load(_ context.Context, id models.Identity) ([]models.HistoryRecord, error) {
	if m.skip(id) {
		return nil, ErrTierSkipped
	}
	if m.err != nil {
		return nil, m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.HistoryRecord(nil), m.records[id.Owner()]...), nil
}

func (m *memHistory) Delete(_ context.Context, id models.Identity, recordID string) error {
	if m.skip(id) {
		return ErrTierSkipped
	}
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.records[id.Owner()][:0]
	for _, r := range m.records[id.Owner()] {
		if r.ID != recordID {
			kept = append(kept, r)
		}
	}
	m.records[id.Owner()] = kept
	return nil
}

func (m *memHistory) Clear(_ context.Context, id models.Identity) error {
	if m.skip(id) {
		return ErrTierSkipped
	}
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id.Owner())
	return nil
}

func (m *memHistory) count(owner string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records[owner])
}

type fakeExporter struct {
	url   string
	err   error
	calls int
}

func (f *fakeExporter) Name() string { return "download" }

func (f *fakeExporter) Export(_ context.Context, rec models.HistoryRecord) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.url, nil
}

type brokenCreditStore struct{}

func (brokenCreditStore) Name() string { return "broken" }

func (brokenCreditStore) GetOrCreate(context.Context, string, string) (models.UserCredits, error) {
	return models.UserCredits{}, errDown
}

func (brokenCreditStore) CompareAndSwap(context.Context, string, models.UserCredits, models.UserCredits) (bool, error) {
	return false, errDown
}

func (brokenCreditStore) Put(context.Context, string, models.UserCredits) error {
	return errDown
}

type brokenAdminStore struct{}

func (brokenAdminStore) Name() string { return "broken" }

func (brokenAdminStore) IsAdmin(context.Context, string) (bool, error) {
	return false, errDown
}

func (brokenAdminStore) SetAdmin(context.Context, string) error {
	return errDown
}
