package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/digkill/fixtral/internal/config"
	"github.com/digkill/fixtral/internal/gemini"
	"github.com/digkill/fixtral/internal/models"
)

type fakeEditor struct {
	result *gemini.EditResult
	err    error
	calls  int
}

func (f *fakeEditor) Edit(context.Context, string, string) (*gemini.EditResult, error) {
	f.calls++
	return f.result, f.err
}

// gatedEditor blocks every edit until release is closed.
type gatedEditor struct {
	release chan struct{}
	calls   atomic.Int32
}

func (g *gatedEditor) Edit(context.Context, string, string) (*gemini.EditResult, error) {
	g.calls.Add(1)
	<-g.release
	return &gemini.EditResult{Images: []string{"data:image/png;base64,eA=="}, Method: "google_gemini"}, nil
}

type editFixture struct {
	svc     *EditService
	history *memHistory
	credits *CreditService
}

func newEditFixture(editor Editor) editFixture {
	credits := newCredits(newClock(), config.Admin{}, nil, nil)
	local := newMemHistory("embedded")
	history := NewHistoryService(discardLogger(), nil, []HistoryBackend{local}, nil)
	return editFixture{
		svc:     NewEditService(discardLogger(), credits, history, editor),
		history: local,
		credits: credits,
	}
}

var editReq = EditRequest{
	PostID:      "abc123",
	PostTitle:   "Please remove the car",
	ImageURL:    "https://i.redd.it/abc123.jpg",
	Instruction: "Remove the red car from the street.",
}

func TestEdit_Success(t *testing.T) {
	f := newEditFixture(&fakeEditor{result: &gemini.EditResult{
		Images: []string{"data:image/png;base64,aGVsbG8="},
		Method: "google_gemini",
	}})
	ctx := context.Background()

	out, err := f.svc.Edit(ctx, alice, editReq)
	if err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if out.Record.Status != models.StatusCompleted || out.Record.EditedImageURL == "" {
		t.Errorf("record = %+v, want completed with image", out.Record)
	}
	if out.Record.UserID != alice.UserID || out.Record.Method != "google_gemini" {
		t.Errorf("record = %+v", out.Record)
	}
	if out.Limit.RemainingCredits != 1 || !out.Limit.CanGenerate {
		t.Errorf("Limit = %+v, want 1 remaining", out.Limit)
	}
	if !out.Save.Success || out.Save.Method != "embedded" || out.SaveErr != nil {
		t.Errorf("Save = %+v (%v)", out.Save, out.SaveErr)
	}
	if f.history.count(alice.UserID) != 1 {
		t.Errorf("history records = %d, want 1", f.history.count(alice.UserID))
	}
}

func TestEdit_QuotaBlocksEditor(t *testing.T) {
	editor := &fakeEditor{result: &gemini.EditResult{Images: []string{"data:image/png;base64,eA=="}}}
	f := newEditFixture(editor)
	ctx := context.Background()

	for i := 0; i < DailyQuota; i++ {
		if _, err := f.svc.Edit(ctx, alice, editReq); err != nil {
			t.Fatalf("Edit #%d: %v", i+1, err)
		}
	}
	out, err := f.svc.Edit(ctx, alice, editReq)
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("Edit error = %v, want ErrQuotaExceeded", err)
	}
	if out == nil || out.Limit.CanGenerate || out.Limit.RemainingCredits != 0 {
		t.Errorf("outcome = %+v, want blocked limit", out)
	}
	if editor.calls != DailyQuota {
		t.Errorf("editor calls = %d, want %d", editor.calls, DailyQuota)
	}
}

func TestEdit_FailureRecordedWithoutCharge(t *testing.T) {
	f := newEditFixture(&fakeEditor{err: gemini.ErrSafetyBlocked})
	ctx := context.Background()

	out, err := f.svc.Edit(ctx, alice, editReq)
	if !errors.Is(err, gemini.ErrSafetyBlocked) {
		t.Fatalf("Edit error = %v, want ErrSafetyBlocked", err)
	}
	if out.Record.Status != models.StatusFailed {
		t.Errorf("Status = %s, want failed", out.Record.Status)
	}
	if f.history.count(alice.UserID) != 1 {
		t.Errorf("failed edit not recorded")
	}
	c, err := f.credits.GetCredits(ctx, alice.UserID)
	if err != nil {
		t.Fatalf("GetCredits: %v", err)
	}
	if c.DailyGenerations != 0 || c.TotalGenerations != 0 {
		t.Errorf("credits = %+v, want the reserved generation refunded", c)
	}
	if out.Limit.RemainingCredits != DailyQuota {
		t.Errorf("Limit = %+v, want full quota after refund", out.Limit)
	}
}

func TestEdit_ConcurrentRequestsCannotOverrunQuota(t *testing.T) {
	editor := &gatedEditor{release: make(chan struct{})}
	f := newEditFixture(editor)
	ctx := context.Background()

	if _, err := f.credits.Increment(ctx, alice); err != nil {
		t.Fatalf("Increment: %v", err)
	}

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Edit(ctx, alice, editReq)
			errs <- err
		}()
	}

	// Only one request holds a reservation, so the other is rejected while
	// the first is still inside the editor.
	if err := <-errs; !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("first finished Edit error = %v, want ErrQuotaExceeded", err)
	}
	close(editor.release)
	wg.Wait()
	if err := <-errs; err != nil {
		t.Fatalf("second Edit error = %v, want success", err)
	}

	if got := editor.calls.Load(); got != 1 {
		t.Errorf("editor calls = %d, want 1", got)
	}
	c, err := f.credits.GetCredits(ctx, alice.UserID)
	if err != nil {
		t.Fatalf("GetCredits: %v", err)
	}
	if c.DailyGenerations != DailyQuota {
		t.Errorf("DailyGenerations = %d, want %d", c.DailyGenerations, DailyQuota)
	}
}

func TestEdit_Validation(t *testing.T) {
	editor := &fakeEditor{}
	f := newEditFixture(editor)
	ctx := context.Background()

	if _, err := f.svc.Edit(ctx, alice, EditRequest{ImageURL: "https://x.test/a.png"}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("Edit error = %v, want ErrInvalidRequest", err)
	}
	if _, err := f.svc.Edit(ctx, device, editReq); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("anonymous Edit error = %v, want ErrUnauthenticated", err)
	}
	if editor.calls != 0 {
		t.Errorf("editor called %d times", editor.calls)
	}
}
