package models

import (
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// DateLayout is the calendar-day format used for quota resets.
const DateLayout = "2006-01-02"

type HistoryStatus string

const (
	StatusCompleted HistoryStatus = "completed"
	StatusFailed    HistoryStatus = "failed"
)

// AnonymousOwner is the partition used when neither a user nor a device is known.
const AnonymousOwner = "anonymous"

type UserCredits struct {
	DailyGenerations int    `json:"dailyGenerations"`
	LastResetDate    string `json:"lastResetDate"`
	TotalGenerations int    `json:"totalGenerations"`
}

// NewUserCredits returns the default ledger entry for a user seen for the first time.
func NewUserCredits(today string) UserCredits {
	return UserCredits{LastResetDate: today}
}

// ResetFor zeroes the daily counter when the entry belongs to another day.
// The second return value reports whether anything changed.
func (c UserCredits) ResetFor(today string) (UserCredits, bool) {
	if c.LastResetDate == today {
		return c, false
	}
	c.DailyGenerations = 0
	c.LastResetDate = today
	return c, true
}

// Identity describes who is calling. Only UserID makes a caller authenticated.
type Identity struct {
	UserID   string
	Email    string
	DeviceID string
}

func (i Identity) Authenticated() bool {
	return strings.TrimSpace(i.UserID) != ""
}

// Owner returns the partition key used by the local storage tiers.
func (i Identity) Owner() string {
	if i.Authenticated() {
		return i.UserID
	}
	if d := strings.TrimSpace(i.DeviceID); d != "" {
		return "device:" + d
	}
	return AnonymousOwner
}

type HistoryRecord struct {
	ID               string        `json:"id"`
	UserID           string        `json:"userId,omitempty"`
	PostID           string        `json:"postId"`
	PostTitle        string        `json:"postTitle"`
	RequestText      string        `json:"requestText"`
	PostURL          string        `json:"postUrl,omitempty"`
	Analysis         string        `json:"analysis"`
	OriginalImageURL string        `json:"originalImageUrl"`
	EditedImageURL   string        `json:"editedImageUrl,omitempty"`
	GeneratedImages  []string      `json:"generatedImages,omitempty"`
	Method           string        `json:"method,omitempty"`
	Status           HistoryStatus `json:"status"`
	Timestamp        int64         `json:"timestamp"`
	ProcessingTime   int64         `json:"processingTime,omitempty"`
}

// NewHistoryID returns a time-ordered unique record id.
func NewHistoryID() string {
	return "history_" + ulid.Make().String()
}

// PrimaryImage returns the best image reference for a download artifact.
func (r HistoryRecord) PrimaryImage() string {
	if r.EditedImageURL != "" {
		return r.EditedImageURL
	}
	for _, img := range r.GeneratedImages {
		if img != "" {
			return img
		}
	}
	return ""
}

type RedditPost struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	ImageURL    string    `json:"imageUrl"`
	PostURL     string    `json:"postUrl"`
	Author      string    `json:"author"`
	Subreddit   string    `json:"subreddit"`
	Score       int       `json:"score"`
	NumComments int       `json:"num_comments"`
	CreatedUTC  int64     `json:"created_utc"`
	CreatedAt   time.Time `json:"created_date"`
}
