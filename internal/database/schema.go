package database

var schema = []string{
	`
CREATE TABLE IF NOT EXISTS edit_history (
    id VARCHAR(64) PRIMARY KEY,
    user_id VARCHAR(128) NOT NULL,
    post_id VARCHAR(64) NOT NULL,
    post_title TEXT NOT NULL,
    request_text TEXT NOT NULL,
    post_url TEXT,
    analysis TEXT NOT NULL,
    original_image_url TEXT NOT NULL,
    edited_image_url LONGTEXT,
    generated_images JSON,
    method VARCHAR(32),
    status VARCHAR(16) NOT NULL,
    timestamp_ms BIGINT NOT NULL,
    processing_time_ms BIGINT NOT NULL DEFAULT 0,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    KEY idx_edit_history_user_ts (user_id, timestamp_ms)
)`,
	`
CREATE TABLE IF NOT EXISTS user_credits (
    user_id VARCHAR(128) PRIMARY KEY,
    daily_generations INT NOT NULL DEFAULT 0,
    last_reset_date CHAR(10) NOT NULL,
    total_generations INT NOT NULL DEFAULT 0,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
)`,
	`
CREATE TABLE IF NOT EXISTS user_admins (
    user_id VARCHAR(128) PRIMARY KEY,
    is_admin TINYINT(1) NOT NULL DEFAULT 0,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
)`,
}
