package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/digkill/fixtral/internal/gemini"
	"github.com/digkill/fixtral/internal/models"
	"github.com/digkill/fixtral/internal/reddit"
	"github.com/digkill/fixtral/internal/service"
)

const postsMaxAge = 24 * time.Hour

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCredits(w http.ResponseWriter, r *http.Request) {
	status, err := s.deps.Credits.CheckLimit(r.Context(), IdentityFrom(r.Context()))
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

type postsResponse struct {
	Posts []models.RedditPost `json:"posts"`
	Count int                 `json:"count"`
}

func (s *Server) handlePosts(w http.ResponseWriter, r *http.Request) {
	if s.deps.Posts == nil {
		s.writeError(w, http.StatusServiceUnavailable, "reddit is not configured")
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.badRequest(w, fmt.Errorf("limit must be a positive integer"))
			return
		}
		limit = n
	}

	posts, err := s.deps.Posts.RecentImagePosts(r.Context(), limit, postsMaxAge)
	if err != nil {
		s.redditError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, postsResponse{Posts: posts, Count: len(posts)})
}

type analyzePostRequest struct {
	PostID string `json:"postId"`
}

type analyzePostResponse struct {
	PostID       string            `json:"postId"`
	OriginalPost models.RedditPost `json:"originalPost"`
	Analysis     string            `json:"analysis"`
}

// handleAnalyzePost looks up one post and turns its request into an edit instruction.
func (s *Server) handleAnalyzePost(w http.ResponseWriter, r *http.Request) {
	if s.deps.Posts == nil || s.deps.Analyzer == nil {
		s.writeError(w, http.StatusServiceUnavailable, "reddit is not configured")
		return
	}
	var req analyzePostRequest
	if err := decodeJSON(r, &req); err != nil {
		s.badRequest(w, err)
		return
	}
	postID := strings.TrimSpace(req.PostID)
	if postID == "" {
		s.badRequest(w, fmt.Errorf("postId is required"))
		return
	}

	post, err := s.deps.Posts.Post(r.Context(), postID)
	if err != nil {
		s.redditError(w, r, err)
		return
	}
	analysis, err := s.deps.Analyzer.Analyze(r.Context(), gemini.AnalyzeRequest{
		Title:       post.Title,
		Description: post.Description,
		ImageURL:    post.ImageURL,
	})
	if err != nil {
		s.modelError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, analyzePostResponse{PostID: post.ID, OriginalPost: *post, Analysis: analysis})
}

func (s *Server) redditError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, reddit.ErrNotConfigured):
		s.writeError(w, http.StatusServiceUnavailable, "reddit is not configured")
	case errors.Is(err, reddit.ErrRateLimited):
		s.writeError(w, http.StatusTooManyRequests, "reddit rate limit reached, try again later")
	case errors.Is(err, reddit.ErrPostNotFound):
		s.writeError(w, http.StatusNotFound, "post not found")
	default:
		s.upstreamError(w, r, "reddit", err)
	}
}

type analyzeRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	ImageURL    string `json:"imageUrl"`
}

type analyzeResponse struct {
	Analysis string `json:"analysis"`
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if s.deps.Analyzer == nil {
		s.writeError(w, http.StatusServiceUnavailable, "analysis is not configured")
		return
	}
	var req analyzeRequest
	if err := decodeJSON(r, &req); err != nil {
		s.badRequest(w, err)
		return
	}
	if strings.TrimSpace(req.ImageURL) == "" {
		s.badRequest(w, fmt.Errorf("imageUrl is required"))
		return
	}

	analysis, err := s.deps.Analyzer.Analyze(r.Context(), gemini.AnalyzeRequest{
		Title:       req.Title,
		Description: req.Description,
		ImageURL:    req.ImageURL,
	})
	if err != nil {
		s.modelError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, analyzeResponse{Analysis: analysis})
}

type editResponse struct {
	Success         bool                 `json:"success"`
	EditedImageURL  string               `json:"editedImageUrl,omitempty"`
	GeneratedImages []string             `json:"generatedImages,omitempty"`
	Text            string               `json:"text,omitempty"`
	Method          string               `json:"method,omitempty"`
	Record          models.HistoryRecord `json:"record"`
	Saved           bool                 `json:"saved"`
	Save            service.SaveResult   `json:"save"`
	Warning         string               `json:"warning,omitempty"`
	Limit           service.LimitStatus  `json:"limit"`
}

type quotaResponse struct {
	Error string              `json:"error"`
	Limit service.LimitStatus `json:"limit"`
}

func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request) {
	var req service.EditRequest
	if err := decodeJSON(r, &req); err != nil {
		s.badRequest(w, err)
		return
	}

	out, err := s.deps.Editor.Edit(r.Context(), IdentityFrom(r.Context()), req)
	if errors.Is(err, service.ErrQuotaExceeded) {
		resp := quotaResponse{Error: s.quotaMessage()}
		if out != nil {
			resp.Limit = out.Limit
		}
		s.writeJSON(w, http.StatusTooManyRequests, resp)
		return
	}
	if err != nil {
		s.modelError(w, r, err)
		return
	}

	resp := editResponse{
		Success: true,
		Record:  out.Record,
		Saved:   out.Save.Persisted,
		Save:    out.Save,
		Limit:   out.Limit,
	}
	if out.Result != nil {
		resp.EditedImageURL = out.Result.Primary()
		resp.GeneratedImages = out.Result.Images
		resp.Text = out.Result.Text
		resp.Method = out.Result.Method
	}
	switch {
	case out.SaveErr != nil:
		resp.Warning = "The edit succeeded but could not be saved. Download the image now."
	case !out.Save.Persisted:
		resp.Warning = "The edit could not be saved to history. A download copy was prepared instead."
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) quotaMessage() string {
	return fmt.Sprintf("Daily generation limit reached (%d per day). Resets tomorrow.", s.deps.Credits.Quota())
}

type historyResponse struct {
	History []models.HistoryRecord `json:"history"`
	Count   int                    `json:"count"`
}

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	records, err := s.deps.History.LoadAll(r.Context(), IdentityFrom(r.Context()))
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, historyResponse{History: records, Count: len(records)})
}

func (s *Server) handleDeleteHistory(w http.ResponseWriter, r *http.Request) {
	recordID := strings.TrimSpace(chi.URLParam(r, "id"))
	if recordID == "" {
		s.badRequest(w, fmt.Errorf("record id is required"))
		return
	}
	if err := s.deps.History.Delete(r.Context(), IdentityFrom(r.Context()), recordID); err != nil {
		s.serviceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.History.Clear(r.Context(), IdentityFrom(r.Context())); err != nil {
		s.serviceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// serviceError maps domain errors to status codes.
func (s *Server) serviceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrUnauthenticated):
		s.writeError(w, http.StatusUnauthorized, "Please sign in to generate edits.")
	case errors.Is(err, service.ErrInvalidRequest):
		s.badRequest(w, err)
	case errors.Is(err, gemini.ErrImageURLNotAllowed):
		s.writeError(w, http.StatusBadRequest, "image url is not allowed")
	case errors.Is(err, service.ErrContention):
		w.Header().Set("Retry-After", "1")
		s.writeError(w, http.StatusServiceUnavailable, "credits are busy, try again")
	case errors.Is(err, gemini.ErrSafetyBlocked):
		s.writeError(w, http.StatusUnprocessableEntity, "The request was blocked by safety filters. Try a different instruction.")
	case errors.Is(err, gemini.ErrNoImage):
		s.upstreamError(w, r, "gemini", err)
	case errors.Is(err, service.ErrTotalPersistenceFailure), errors.Is(err, service.ErrStorageUnavailable):
		s.writeError(w, http.StatusServiceUnavailable, "storage is unavailable, try again later")
	default:
		s.internalError(w, r, err)
	}
}

// modelError reports a failed analyze or edit call. Anything that is not a
// known domain error came from the model API.
func (s *Server) modelError(w http.ResponseWriter, r *http.Request, err error) {
	for _, known := range []error{
		service.ErrUnauthenticated,
		service.ErrInvalidRequest,
		service.ErrStorageUnavailable,
		service.ErrContention,
		gemini.ErrSafetyBlocked,
		gemini.ErrImageURLNotAllowed,
	} {
		if errors.Is(err, known) {
			s.serviceError(w, r, err)
			return
		}
	}
	s.upstreamError(w, r, "gemini", err)
}

func (s *Server) upstreamError(w http.ResponseWriter, r *http.Request, upstream string, err error) {
	s.log.Warn("upstream call failed", "upstream", upstream, "path", r.URL.Path, "err", err)
	s.writeError(w, http.StatusBadGateway, upstream+" request failed")
}
