package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the API and its storage tiers.
type Config struct {
	ListenAddr         string
	CORSOrigins        []string
	RateLimitPerMinute int
	RequestTimeout     time.Duration

	MySQLDSN string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	SQLitePath string

	GeminiAPIKey        string
	GeminiBaseURL       string
	GeminiAnalyzeModel  string
	GeminiImageModel    string
	ImageFetchTimeout   time.Duration
	ModelRequestTimeout time.Duration

	// ImageFetchAllowInternal lets image fetches reach loopback and private
	// addresses. Only for local development.
	ImageFetchAllowInternal bool

	RedditClientID     string
	RedditClientSecret string
	RedditUsername     string
	RedditPassword     string
	RedditUserAgent    string
	RedditSubreddit    string

	JWTSecret string

	DailyQuota    int
	QuotaLocation *time.Location

	S3Endpoint      string
	S3Region        string
	S3AccessKey     string
	S3SecretKey     string
	S3Bucket        string
	S3PublicBaseURL string
	S3UsePathStyle  bool
	S3Prefix        string
}

// Admin identifies the operator exempt from the daily quota.
type Admin struct {
	Email  string
	UserID string
}

// Load reads configuration from environment variables, applying sane defaults.
func Load() (Config, error) {
	if err := loadEnvFile(); err != nil {
		return Config{}, err
	}

	cfg := Config{
		ListenAddr:          getEnv("LISTEN_ADDR", ":8080"),
		CORSOrigins:         splitList(getEnv("CORS_ORIGINS", "http://localhost:3000")),
		RateLimitPerMinute:  getInt("RATE_LIMIT_PER_MINUTE", 100),
		RequestTimeout:      getDuration("HTTP_TIMEOUT_SECONDS", 120),
		MySQLDSN:            os.Getenv("MYSQL_DSN"),
		RedisAddr:           os.Getenv("REDIS_ADDR"),
		RedisPassword:       os.Getenv("REDIS_PASSWORD"),
		RedisDB:             getInt("REDIS_DB", 0),
		SQLitePath:          getEnv("SQLITE_PATH", filepath.Join("data", "fixtral.db")),
		GeminiBaseURL:       getEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com"),
		GeminiAnalyzeModel:  getEnv("GEMINI_ANALYZE_MODEL", "gemini-2.5-flash"),
		GeminiImageModel:    getEnv("GEMINI_IMAGE_MODEL", "gemini-2.5-flash-image-preview"),
		ImageFetchTimeout:   getDuration("IMAGE_FETCH_TIMEOUT_SECONDS", 30),
		ModelRequestTimeout: getDuration("MODEL_TIMEOUT_SECONDS", 45),
		RedditClientID:      unquote(os.Getenv("REDDIT_CLIENT_ID")),
		RedditClientSecret:  unquote(os.Getenv("REDDIT_CLIENT_SECRET")),
		RedditUsername:      unquote(os.Getenv("REDDIT_USERNAME")),
		RedditPassword:      strings.ReplaceAll(os.Getenv("REDDIT_PASSWORD"), `"`, ""),
		RedditUserAgent:     getEnv("REDDIT_USER_AGENT", "server:fixtral:v1.0.0"),
		RedditSubreddit:     getEnv("REDDIT_SUBREDDIT", "PhotoshopRequest"),
		JWTSecret:           os.Getenv("SUPABASE_JWT_SECRET"),
		DailyQuota:          getInt("DAILY_GENERATION_QUOTA", 2),
		S3Endpoint:          getEnv("S3_ENDPOINT", ""),
		S3Region:            os.Getenv("S3_REGION"),
		S3AccessKey:         os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:         os.Getenv("S3_SECRET_KEY"),
		S3Bucket:            os.Getenv("S3_BUCKET"),
		S3PublicBaseURL:     os.Getenv("S3_PUBLIC_BASE_URL"),
		S3UsePathStyle:      getBool("S3_USE_PATH_STYLE", false),
		S3Prefix:            getEnv("S3_PREFIX", "exports"),
	}

	cfg.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")
	cfg.ImageFetchAllowInternal = getBool("IMAGE_FETCH_ALLOW_INTERNAL", false)

	loc, err := loadLocation(os.Getenv("QUOTA_TIMEZONE"))
	if err != nil {
		return Config{}, err
	}
	cfg.QuotaLocation = loc

	var missing []string
	if cfg.GeminiAPIKey == "" {
		missing = append(missing, "GEMINI_API_KEY")
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required environment variables: %v", missing)
	}
	if cfg.DailyQuota <= 0 {
		return Config{}, fmt.Errorf("DAILY_GENERATION_QUOTA must be positive, got %d", cfg.DailyQuota)
	}

	return cfg, nil
}

// S3Enabled reports whether every setting the uploader needs is present.
func (c Config) S3Enabled() bool {
	return c.S3Bucket != "" && c.S3Region != "" && c.S3AccessKey != "" && c.S3SecretKey != "" && c.S3PublicBaseURL != ""
}

// RedditEnabled reports whether the password grant can be attempted.
func (c Config) RedditEnabled() bool {
	return c.RedditClientID != "" && c.RedditClientSecret != "" && c.RedditUsername != "" && c.RedditPassword != ""
}

// LoadAdmin reads the admin identity. It is called on every admin check so a
// changed environment takes effect without a restart.
func LoadAdmin() Admin {
	email := os.Getenv("ADMIN_EMAIL")
	if email == "" {
		email = os.Getenv("ADMIN_ID")
	}
	return Admin{
		Email:  strings.TrimSpace(email),
		UserID: strings.TrimSpace(os.Getenv("ADMIN_UID")),
	}
}

// Matches reports whether the identity is the configured admin.
func (a Admin) Matches(userID, email string) bool {
	if a.UserID != "" && userID == a.UserID {
		return true
	}
	if a.Email != "" && email != "" && strings.EqualFold(strings.TrimSpace(email), a.Email) {
		return true
	}
	return false
}

func loadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load QUOTA_TIMEZONE %q: %w", name, err)
	}
	return loc, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getDuration(key string, fallbackSeconds int) time.Duration {
	return time.Second * time.Duration(getInt(key, fallbackSeconds))
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func unquote(v string) string {
	return strings.TrimSpace(strings.ReplaceAll(v, `"`, ""))
}

// loadEnvFile loads the first env file found. Every backend is optional, so a
// missing file is not an error.
func loadEnvFile() error {
	candidates := []string{}
	if custom, ok := os.LookupEnv("CONFIG_ENV_PATH"); ok && custom != "" {
		candidates = append(candidates, custom)
	}
	candidates = append(candidates,
		filepath.Join("configs", ".env"),
		".env",
	)

	for _, path := range candidates {
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("access env file %s: %w", path, err)
		}
		if info.IsDir() {
			continue
		}
		if err := godotenv.Overload(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		return nil
	}
	return nil
}
