package reddit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/digkill/fixtral/internal/config"
)

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestClient(t *testing.T, api http.HandlerFunc) (*Client, *atomic.Int32) {
	t.Helper()
	var tokenCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/access_token", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		user, pass, ok := r.BasicAuth()
		if !ok || user != "id" || pass != "secret" {
			http.Error(w, "bad basic auth", http.StatusUnauthorized)
			return
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		if r.Form.Get("grant_type") != "password" || r.Form.Get("scope") != "identity,read" || r.Form.Get("username") != "bot" {
			t.Errorf("unexpected token form: %v", r.Form)
		}
		_, _ = io.WriteString(w, `{"access_token":"tok-1","expires_in":3600}`)
	})
	mux.HandleFunc("/r/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "bearer tok-1" {
			http.Error(w, "no token", http.StatusUnauthorized)
			return
		}
		api(w, r)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c := NewClient(config.Config{
		RedditClientID:     "id",
		RedditClientSecret: "secret",
		RedditUsername:     "bot",
		RedditPassword:     "pw",
		RedditUserAgent:    "test-agent",
		RedditSubreddit:    "PhotoshopRequest",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.tokenURL = srv.URL + "/api/v1/access_token"
	c.apiBase = srv.URL
	c.now = func() time.Time { return fixedNow }
	return c, &tokenCalls
}

func TestRecentImagePosts_FiltersAndPicksImage(t *testing.T) {
	recent := fixedNow.Add(-time.Hour).Unix()
	old := fixedNow.Add(-48 * time.Hour).Unix()
	listing := fmt.Sprintf(`{"data":{"children":[
	 {"data":{"id":"a","title":"direct","url":"https://i.redd.it/a.jpg","permalink":"/r/p/a","created_utc":%d}},
	 {"data":{"id":"b","title":"old","url":"https://i.redd.it/b.jpg","permalink":"/r/p/b","created_utc":%d}},
	 {"data":{"id":"c","title":"text only","selftext":"words","url":"https://www.reddit.com/r/p/c","permalink":"/r/p/c","created_utc":%d}},
	 {"data":{"id":"d","title":"gallery","url":"https://www.reddit.com/gallery/d","permalink":"/r/p/d","created_utc":%d,
	   "is_gallery":true,"preview":{"images":[{"source":{"url":"https://preview/x"}}]},
	   "media_metadata":{"zz":{"s":{"u":"https://preview.redd.it/zz.jpg?w=1&amp;s=2"}},"aa":{"s":{"u":"https://preview.redd.it/aa.jpg"}}}}},
	 {"data":{"id":"e","title":"preview","selftext":"please fix","url":"https://imgur.com/gallery/e","permalink":"/r/p/e","created_utc":%d,
	   "preview":{"images":[{"source":{"url":"https://preview.redd.it/e.png?a=1&amp;b=2"}}]}}}
	]}}`, recent, old, recent, recent, recent)

	var gotPath string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path + "?" + r.URL.RawQuery
		_, _ = io.WriteString(w, listing)
	})

	posts, err := c.RecentImagePosts(context.Background(), 0, 24*time.Hour)
	if err != nil {
		t.Fatalf("RecentImagePosts: %v", err)
	}
	if gotPath != "/r/PhotoshopRequest/new?limit=50" {
		t.Errorf("listing path = %s", gotPath)
	}

	want := map[string]string{
		"a": "https://i.redd.it/a.jpg",
		"d": "https://preview.redd.it/zz.jpg?w=1&s=2",
		"e": "https://preview.redd.it/e.png?a=1&b=2",
	}
	if len(posts) != len(want) {
		t.Fatalf("got %d posts, want %d: %+v", len(posts), len(want), posts)
	}
	for _, p := range posts {
		if want[p.ID] != p.ImageURL {
			t.Errorf("post %s ImageURL = %s, want %s", p.ID, p.ImageURL, want[p.ID])
		}
	}
	if posts[0].Description != "direct" || posts[0].PostURL != "https://reddit.com/r/p/a" {
		t.Errorf("post a mapped as %+v", posts[0])
	}
	if posts[2].Description != "please fix" {
		t.Errorf("post e description = %q", posts[2].Description)
	}
}

func TestToken_IsCached(t *testing.T) {
	c, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"data":{"children":[]}}`)
	})

	for i := 0; i < 3; i++ {
		if _, err := c.RecentImagePosts(context.Background(), 10, time.Hour); err != nil {
			t.Fatalf("RecentImagePosts: %v", err)
		}
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("token endpoint called %d times, want 1", n)
	}

	c.now = func() time.Time { return fixedNow.Add(2 * time.Hour) }
	if _, err := c.Token(context.Background()); err != nil {
		t.Fatalf("Token: %v", err)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("expired token not renewed, calls = %d", n)
	}
}

func TestRateLimited(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
	})
	if _, err := c.RecentImagePosts(context.Background(), 10, time.Hour); !errors.Is(err, ErrRateLimited) {
		t.Errorf("error = %v, want ErrRateLimited", err)
	}
}

func TestPost(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/r/PhotoshopRequest/comments/abc" {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, `[{"data":{"children":[{"data":{"id":"abc","title":"t","url":"https://i.imgur.com/x.png","permalink":"/r/p/abc","created_utc":1}}]}},{"data":{"children":[]}}]`)
	})

	p, err := c.Post(context.Background(), "abc")
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if p.ImageURL != "https://i.imgur.com/x.png" {
		t.Errorf("ImageURL = %s", p.ImageURL)
	}
	if _, err := c.Post(context.Background(), "missing"); !errors.Is(err, ErrPostNotFound) {
		t.Errorf("Post(missing) error = %v, want ErrPostNotFound", err)
	}
}

func TestNotConfigured(t *testing.T) {
	c := NewClient(config.Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if _, err := c.Token(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Token error = %v, want ErrNotConfigured", err)
	}
}
