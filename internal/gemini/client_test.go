package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/digkill/fixtral/internal/config"
)

func newTestServer(t *testing.T, model http.HandlerFunc) (*httptest.Server, *Client) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/img.png", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png; charset=binary")
		_, _ = w.Write([]byte("PNGDATA"))
	})
	mux.HandleFunc("/v1beta/models/", model)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cfg := config.Config{
		GeminiAPIKey:        "test-key",
		GeminiBaseURL:       srv.URL,
		GeminiAnalyzeModel:  "text-model",
		GeminiImageModel:    "image-model",
		ImageFetchTimeout:   time.Second,
		ModelRequestTimeout: time.Second,

		ImageFetchAllowInternal: true,
	}
	return srv, NewClient(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestAnalyze(t *testing.T) {
	var gotPath, gotKey string
	var gotBody generateRequest
	srv, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-goog-api-key")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = io.WriteString(w, `{"candidates":[{"content":{"parts":[{"text":"  Remove the person on the left.  "}]},"finishReason":"STOP"}]}`)
	})

	got, err := client.Analyze(context.Background(), AnalyzeRequest{Title: "Remove my ex", ImageURL: srv.URL + "/img.png"})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if got != "Remove the person on the left." {
		t.Errorf("Analyze() = %q", got)
	}
	if gotPath != "/v1beta/models/text-model:generateContent" {
		t.Errorf("path = %s", gotPath)
	}
	if gotKey != "test-key" {
		t.Errorf("api key header = %q", gotKey)
	}
	parts := gotBody.Contents[0].Parts
	if len(parts) != 2 || !strings.Contains(parts[0].Text, "Title: Remove my ex") || !strings.Contains(parts[0].Text, "No description provided") {
		t.Fatalf("unexpected prompt parts: %+v", parts)
	}
	if parts[1].InlineData == nil || parts[1].InlineData.MimeType != "image/png" || parts[1].InlineData.Data != "UE5HREFUQQ==" {
		t.Errorf("inline image = %+v", parts[1].InlineData)
	}
}

func TestEdit_ReturnsDataURIs(t *testing.T) {
	srv, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"candidates":[{"content":{"parts":[{"text":"done"},{"inlineData":{"mimeType":"image/webp","data":"QUJD"}},{"inlineData":{"data":"REVG"}}]},"finishReason":"STOP"}]}`)
	})

	res, err := client.Edit(context.Background(), srv.URL+"/img.png", "make it blue")
	if err != nil {
		t.Fatalf("Edit: %v", err)
	}
	want := []string{"data:image/webp;base64,QUJD", "data:image/png;base64,REVG"}
	if len(res.Images) != len(want) {
		t.Fatalf("Images = %v, want %v", res.Images, want)
	}
	for i := range want {
		if res.Images[i] != want[i] {
			t.Errorf("Images[%d] = %s, want %s", i, res.Images[i], want[i])
		}
	}
	if res.Primary() != want[0] || res.Text != "done" {
		t.Errorf("Primary() = %s, Text = %q", res.Primary(), res.Text)
	}
}

func TestEdit_SafetyAndNoImage(t *testing.T) {
	body := `{"candidates":[{"content":{"parts":[]},"finishReason":"SAFETY"}]}`
	srv, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, body)
	})

	if _, err := client.Edit(context.Background(), srv.URL+"/img.png", "x"); !errors.Is(err, ErrSafetyBlocked) {
		t.Errorf("Edit error = %v, want ErrSafetyBlocked", err)
	}

	body = `{"candidates":[{"content":{"parts":[{"text":"I cannot"}]},"finishReason":"STOP"}]}`
	if _, err := client.Edit(context.Background(), srv.URL+"/img.png", "x"); !errors.Is(err, ErrNoImage) {
		t.Errorf("Edit error = %v, want ErrNoImage", err)
	}
}

func TestEdit_ModelErrorStatus(t *testing.T) {
	srv, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"quota"}`, http.StatusTooManyRequests)
	})

	_, err := client.Edit(context.Background(), srv.URL+"/img.png", "x")
	if err == nil || !strings.Contains(err.Error(), "status=429") {
		t.Errorf("Edit error = %v, want status=429", err)
	}
}

func TestEdit_ImageFetchFailure(t *testing.T) {
	srv, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("model must not be called when the image cannot be fetched")
	})

	if _, err := client.Edit(context.Background(), srv.URL+"/missing.png", "x"); err == nil {
		t.Error("expected error for missing image")
	}
	if _, err := client.Edit(context.Background(), "", "x"); err == nil {
		t.Error("expected error for empty image url")
	}
}

func TestModelTimeout(t *testing.T) {
	srv, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	client.modelTimeout = 50 * time.Millisecond

	start := time.Now()
	if _, err := client.Edit(context.Background(), srv.URL+"/img.png", "x"); err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Edit took %v, model timeout not applied", elapsed)
	}
}

func TestFetchImage_RejectsInternalAndNonHTTP(t *testing.T) {
	srv, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("model must not be called for a rejected image url")
	})
	guarded := NewClient(config.Config{
		GeminiAPIKey:        "test-key",
		GeminiBaseURL:       srv.URL,
		GeminiImageModel:    "image-model",
		ImageFetchTimeout:   time.Second,
		ModelRequestTimeout: time.Second,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	tests := []struct {
		name string
		url  string
	}{
		{"loopback test server", srv.URL + "/img.png"},
		{"metadata address", "http://169.254.169.254/latest/meta-data/"},
		{"private range", "http://10.0.0.1/img.png"},
		{"file scheme", "file:///etc/passwd"},
		{"no host", "http:///img.png"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := guarded.Edit(context.Background(), tt.url, "x")
			if !errors.Is(err, ErrImageURLNotAllowed) {
				t.Errorf("Edit(%q) error = %v, want ErrImageURLNotAllowed", tt.url, err)
			}
		})
	}
}

func TestInternalIP(t *testing.T) {
	tests := map[string]bool{
		"127.0.0.1":       true,
		"::1":             true,
		"10.1.2.3":        true,
		"192.168.0.10":    true,
		"169.254.169.254": true,
		"0.0.0.0":         true,
		"151.101.1.140":   false,
		"2a04:4e42::396":  false,
	}
	for addr, want := range tests {
		if got := internalIP(net.ParseIP(addr)); got != want {
			t.Errorf("internalIP(%s) = %v, want %v", addr, got, want)
		}
	}
}
