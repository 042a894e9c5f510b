package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/digkill/fixtral/internal/config"
)

var (
	// ErrSafetyBlocked is returned when the model refuses the request on safety grounds.
	ErrSafetyBlocked = errors.New("content blocked by safety filters")
	// ErrNoImage is returned when the image model answers without any image part.
	ErrNoImage = errors.New("model returned no image")
)

const (
	maxImageBytes = 20 << 20
	browserAgent  = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"

	analysisPrompt = `You are an image-edit analyst. Read the title + description + image and return ONE concise instruction paragraph,
strictly describing what to change (no extras, no emojis, no headers). Avoid speculation.

Title: %s
Description: %s

Focus ONLY on technical editing requirements - remove/add objects, color changes, restoration, etc. No emotional context or fluff.
`
)

type Client struct {
	apiKey       string
	baseURL      string
	analyzeModel string
	imageModel   string
	fetchTimeout time.Duration
	modelTimeout time.Duration
	httpClient   *http.Client
	fetchClient  *http.Client
	log          *slog.Logger
}

type AnalyzeRequest struct {
	Title       string
	Description string
	ImageURL    string
}

type EditResult struct {
	// Images holds every returned image as a data URI.
	Images []string
	Text   string
	Method string
}

// Primary returns the first generated image.
func (r *EditResult) Primary() string {
	if r == nil || len(r.Images) == 0 {
		return ""
	}
	return r.Images[0]
}

func NewClient(cfg config.Config, log *slog.Logger) *Client {
	fetchTimeout := cfg.ImageFetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = 30 * time.Second
	}
	modelTimeout := cfg.ModelRequestTimeout
	if modelTimeout <= 0 {
		modelTimeout = 45 * time.Second
	}
	return &Client{
		apiKey:       cfg.GeminiAPIKey,
		baseURL:      strings.TrimRight(cfg.GeminiBaseURL, "/"),
		analyzeModel: cfg.GeminiAnalyzeModel,
		imageModel:   cfg.GeminiImageModel,
		fetchTimeout: fetchTimeout,
		modelTimeout: modelTimeout,
		httpClient:   &http.Client{},
		fetchClient:  newFetchClient(cfg.ImageFetchAllowInternal),
		log:          log,
	}
}

// Analyze turns a forum request into a single editing instruction.
func (c *Client) Analyze(ctx context.Context, req AnalyzeRequest) (string, error) {
	if strings.TrimSpace(req.ImageURL) == "" {
		return "", fmt.Errorf("image url is required")
	}
	img, err := c.fetchImage(ctx, req.ImageURL)
	if err != nil {
		return "", err
	}

	title := req.Title
	if title == "" {
		title = "No title"
	}
	description := req.Description
	if description == "" {
		description = "No description provided"
	}

	resp, err := c.generate(ctx, c.analyzeModel, generateRequest{
		Contents: []content{{
			Role: "user",
			Parts: []part{
				{Text: fmt.Sprintf(analysisPrompt, title, description)},
				{InlineData: &inlineData{MimeType: img.mime, Data: base64.StdEncoding.EncodeToString(img.data)}},
			},
		}},
	})
	if err != nil {
		return "", err
	}
	if resp.blocked() {
		return "", ErrSafetyBlocked
	}
	text := strings.TrimSpace(resp.text())
	if text == "" {
		return "", fmt.Errorf("empty analysis from %s", c.analyzeModel)
	}
	return text, nil
}

// Edit sends the image and instruction to the image model.
func (c *Client) Edit(ctx context.Context, imageURL, instruction string) (*EditResult, error) {
	if strings.TrimSpace(imageURL) == "" || strings.TrimSpace(instruction) == "" {
		return nil, fmt.Errorf("image url and instruction are required")
	}
	img, err := c.fetchImage(ctx, imageURL)
	if err != nil {
		return nil, err
	}

	resp, err := c.generate(ctx, c.imageModel, generateRequest{
		Contents: []content{{
			Role: "user",
			Parts: []part{
				{Text: instruction},
				{InlineData: &inlineData{MimeType: img.mime, Data: base64.StdEncoding.EncodeToString(img.data)}},
			},
		}},
		GenerationConfig: &generationConfig{Temperature: 0.7, MaxOutputTokens: 2048},
	})
	if err != nil {
		return nil, err
	}
	if resp.blocked() {
		return nil, ErrSafetyBlocked
	}

	result := &EditResult{Text: strings.TrimSpace(resp.text()), Method: "google_gemini"}
	for _, cand := range resp.Candidates {
		for _, p := range cand.Content.Parts {
			if p.InlineData == nil || p.InlineData.Data == "" {
				continue
			}
			mime := p.InlineData.MimeType
			if mime == "" {
				mime = "image/png"
			}
			result.Images = append(result.Images, "data:"+mime+";base64,"+p.InlineData.Data)
		}
	}
	if len(result.Images) == 0 {
		if c.log != nil {
			c.log.Warn("image model returned no image", "model", c.imageModel, "text", truncateBody([]byte(result.Text)))
		}
		return nil, ErrNoImage
	}
	return result, nil
}

type fetchedImage struct {
	data []byte
	mime string
}

func (c *Client) fetchImage(ctx context.Context, imageURL string) (*fetchedImage, error) {
	if err := checkImageURL(imageURL); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("new image request: %w", err)
	}
	req.Header.Set("User-Agent", browserAgent)

	resp, err := c.fetchClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch image: status=%d url=%s", resp.StatusCode, imageURL)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	if len(data) > maxImageBytes {
		return nil, fmt.Errorf("image exceeds %d bytes", maxImageBytes)
	}
	mime := resp.Header.Get("Content-Type")
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	if mime = strings.TrimSpace(mime); mime == "" || !strings.HasPrefix(mime, "image/") {
		mime = "image/jpeg"
	}
	return &fetchedImage{data: data, mime: mime}, nil
}

func (c *Client) generate(ctx context.Context, model string, payload generateRequest) (*generateResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.modelTimeout)
	defer cancel()

	baseURL, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	endpoint, err := url.Parse("/v1beta/models/" + url.PathEscape(model) + ":generateContent")
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	fullURL := baseURL.ResolveReference(endpoint).String()

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fullURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("x-goog-api-key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post gemini: %w", err)
	}
	defer resp.Body.Close()

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode >= 300 {
		if c.log != nil {
			c.log.Error("gemini request failed", "status", resp.StatusCode, "model", model, "body", truncateBody(rawBody))
		}
		return nil, fmt.Errorf("gemini error: status=%d model=%s body=%s", resp.StatusCode, model, truncateBody(rawBody))
	}

	var out generateResponse
	if err := json.Unmarshal(rawBody, &out); err != nil {
		return nil, fmt.Errorf("decode gemini response: %w (body=%s)", err, truncateBody(rawBody))
	}
	if c.log != nil {
		c.log.Info("gemini request completed", "model", model, "candidates", len(out.Candidates), "duration", time.Since(started))
	}
	return &out, nil
}

type generateRequest struct {
	Contents         []content         `json:"contents"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
}

type generationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

func (r *generateResponse) blocked() bool {
	if r.PromptFeedback.BlockReason != "" {
		return true
	}
	return len(r.Candidates) > 0 && r.Candidates[0].FinishReason == "SAFETY"
}

func (r *generateResponse) text() string {
	var sb strings.Builder
	for _, cand := range r.Candidates {
		for _, p := range cand.Content.Parts {
			sb.WriteString(p.Text)
		}
		if sb.Len() > 0 {
			break
		}
	}
	return sb.String()
}

func truncateBody(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
