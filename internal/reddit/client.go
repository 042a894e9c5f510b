package reddit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/digkill/fixtral/internal/config"
	"github.com/digkill/fixtral/internal/models"
)

const (
	DefaultTokenURL = "https://www.reddit.com/api/v1/access_token"
	DefaultAPIBase  = "https://oauth.reddit.com"

	// tokenSlack renews the token this long before it expires.
	tokenSlack = time.Minute
)

var (
	ErrNotConfigured = errors.New("reddit credentials are missing")
	ErrRateLimited   = errors.New("reddit rate limit hit")
	ErrPostNotFound  = errors.New("reddit post not found")
)

var imageExt = regexp.MustCompile(`(?i)\.(jpg|jpeg|png|gif|webp)$`)

type Client struct {
	clientID     string
	clientSecret string
	username     string
	password     string
	userAgent    string
	subreddit    string
	tokenURL     string
	apiBase      string
	httpClient   *http.Client
	log          *slog.Logger
	now          func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func NewClient(cfg config.Config, log *slog.Logger) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		clientID:     cfg.RedditClientID,
		clientSecret: cfg.RedditClientSecret,
		username:     cfg.RedditUsername,
		password:     cfg.RedditPassword,
		userAgent:    cfg.RedditUserAgent,
		subreddit:    cfg.RedditSubreddit,
		tokenURL:     DefaultTokenURL,
		apiBase:      DefaultAPIBase,
		httpClient:   &http.Client{Timeout: timeout},
		log:          log,
		now:          time.Now,
	}
}

// Token returns a cached access token, performing the password grant when needed.
func (c *Client) Token(ctx context.Context) (string, error) {
	if c.clientID == "" || c.clientSecret == "" || c.username == "" || c.password == "" {
		return "", ErrNotConfigured
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && c.now().Before(c.expiresAt) {
		return c.token, nil
	}

	form := url.Values{}
	form.Set("grant_type", "password")
	form.Set("username", c.username)
	form.Set("password", c.password)
	form.Set("scope", "identity,read")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("new token request: %w", err)
	}
	req.SetBasicAuth(c.clientID, c.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", c.userAgent)

	raw, err := c.do(req)
	if err != nil {
		return "", fmt.Errorf("access token: %w", err)
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
		Error       string `json:"error"`
	}
	if err := json.Unmarshal(raw, &tok); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("access token missing in response (error=%q)", tok.Error)
	}
	if tok.ExpiresIn <= 0 {
		tok.ExpiresIn = 3600
	}
	c.token = tok.AccessToken
	c.expiresAt = c.now().Add(time.Duration(tok.ExpiresIn)*time.Second - tokenSlack)
	return c.token, nil
}

// RecentImagePosts lists the newest posts of the configured subreddit and
// keeps those with an image created within maxAge.
func (c *Client) RecentImagePosts(ctx context.Context, limit int, maxAge time.Duration) ([]models.RedditPost, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	raw, err := c.get(ctx, fmt.Sprintf("/r/%s/new?limit=%d", url.PathEscape(c.subreddit), limit))
	if err != nil {
		return nil, err
	}

	var listing listingResponse
	if err := json.Unmarshal(raw, &listing); err != nil {
		return nil, fmt.Errorf("decode listing: %w", err)
	}

	cutoff := float64(c.now().Add(-maxAge).Unix())
	posts := []models.RedditPost{}
	for _, child := range listing.Data.Children {
		p := child.Data
		if !p.hasImage() || p.CreatedUTC <= cutoff {
			continue
		}
		posts = append(posts, p.toModel())
	}
	if c.log != nil {
		c.log.Info("reddit posts fetched", "subreddit", c.subreddit, "listed", len(listing.Data.Children), "image_posts", len(posts))
	}
	return posts, nil
}

// Post fetches a single post by id.
func (c *Client) Post(ctx context.Context, postID string) (*models.RedditPost, error) {
	raw, err := c.get(ctx, fmt.Sprintf("/r/%s/comments/%s", url.PathEscape(c.subreddit), url.PathEscape(postID)))
	if err != nil {
		return nil, err
	}
	var listings []listingResponse
	if err := json.Unmarshal(raw, &listings); err != nil {
		return nil, fmt.Errorf("decode post: %w", err)
	}
	if len(listings) == 0 || len(listings[0].Data.Children) == 0 {
		return nil, ErrPostNotFound
	}
	post := listings[0].Data.Children[0].Data.toModel()
	return &post, nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	token, err := c.Token(ctx)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(c.apiBase, "/")+path, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "bearer "+token)
	req.Header.Set("User-Agent", c.userAgent)

	raw, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("reddit api %s: %w", path, err)
	}
	return raw, nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: %s", ErrRateLimited, truncateBody(raw))
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrPostNotFound
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("status=%d body=%s", resp.StatusCode, truncateBody(raw))
	}
	return raw, nil
}

type listingResponse struct {
	Data struct {
		Children []struct {
			Data post `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

type post struct {
	ID            string          `json:"id"`
	Title         string          `json:"title"`
	Selftext      string          `json:"selftext"`
	URL           string          `json:"url"`
	Permalink     string          `json:"permalink"`
	Author        string          `json:"author"`
	Subreddit     string          `json:"subreddit"`
	Score         int             `json:"score"`
	NumComments   int             `json:"num_comments"`
	CreatedUTC    float64         `json:"created_utc"`
	IsGallery     bool            `json:"is_gallery"`
	MediaMetadata json.RawMessage `json:"media_metadata"`
	Preview       *struct {
		Images []struct {
			Source struct {
				URL string `json:"url"`
			} `json:"source"`
		} `json:"images"`
	} `json:"preview"`
	CrosspostParents []struct {
		URL string `json:"url"`
	} `json:"crosspost_parent_list"`
}

func directImage(u string) bool {
	return imageExt.MatchString(u) || strings.Contains(u, "i.redd.it") || strings.Contains(u, "i.imgur.com")
}

func (p post) hasImage() bool {
	if p.URL == "" {
		return false
	}
	if directImage(p.URL) || strings.Contains(p.URL, "redditmedia") {
		return true
	}
	return p.Preview != nil && len(p.Preview.Images) > 0
}

// imageURL picks the best image: gallery first image, crosspost source,
// preview source, then the post url.
func (p post) imageURL() string {
	if p.IsGallery {
		if u := firstGalleryImage(p.MediaMetadata); u != "" {
			return u
		}
	}
	if len(p.CrosspostParents) > 0 {
		if u := p.CrosspostParents[0].URL; directImage(u) {
			return u
		}
	}
	if p.Preview != nil && len(p.Preview.Images) > 0 {
		if u := p.Preview.Images[0].Source.URL; u != "" {
			return unescapeAmp(u)
		}
	}
	return p.URL
}

func (p post) toModel() models.RedditPost {
	description := p.Selftext
	if description == "" {
		description = p.Title
	}
	created := int64(p.CreatedUTC)
	return models.RedditPost{
		ID:          p.ID,
		Title:       p.Title,
		Description: description,
		ImageURL:    p.imageURL(),
		PostURL:     "https://reddit.com" + p.Permalink,
		Author:      p.Author,
		Subreddit:   p.Subreddit,
		Score:       p.Score,
		NumComments: p.NumComments,
		CreatedUTC:  created,
		CreatedAt:   time.Unix(created, 0).UTC(),
	}
}

// firstGalleryImage returns s.u of the first media_metadata entry in document order.
func firstGalleryImage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return ""
	}
	if !dec.More() {
		return ""
	}
	if _, err := dec.Token(); err != nil {
		return ""
	}
	var media struct {
		S struct {
			U string `json:"u"`
		} `json:"s"`
	}
	if err := dec.Decode(&media); err != nil {
		return ""
	}
	return unescapeAmp(media.S.U)
}

func unescapeAmp(s string) string {
	return strings.ReplaceAll(s, "&amp;", "&")
}

func truncateBody(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
