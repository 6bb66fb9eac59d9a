package config

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

type BaseEnv struct {
	Env         string `envconfig:"ENV" default:"local"`
	HTTPHost    string `envconfig:"HTTP_HOST" default:"0.0.0.0"`
	HTTPPort    string `envconfig:"HTTP_PORT" default:"8000"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogDir      string `envconfig:"LOG_DIR" default:""`
	APIKey      string `envconfig:"API_KEY" default:""`
	CORSOrigins string `envconfig:"CORS_ORIGINS" default:"*"`
}

type StorageEnv struct {
	Type    string `envconfig:"STORAGE_TYPE" default:"local"`
	BaseDir string `envconfig:"STORAGE_BASE_DIR" default:"output"`
	// S3 settings (used when Type == "s3")
	S3Bucket string `envconfig:"S3_BUCKET"`
	S3Prefix string `envconfig:"S3_PREFIX" default:"reviewcrew/"`
	S3Region string `envconfig:"S3_REGION" default:"ap-northeast-1"`
}

type ReviewEnv struct {
	// ConfigDir holds agents.yaml and tasks.yaml. Empty means the embedded
	// default documents.
	ConfigDir          string `envconfig:"CONFIG_DIR" default:""`
	MaxUploadSize      int64  `envconfig:"MAX_UPLOAD_SIZE" default:"10485760"`
	GitHubMaxFiles     int    `envconfig:"GITHUB_MAX_FILES" default:"50"`
	GitHubDefaultFiles int    `envconfig:"GITHUB_DEFAULT_FILES" default:"5"`
	// Each review runs one Claude session per task, so runs are capped.
	MaxConcurrentReviews int `envconfig:"MAX_CONCURRENT_REVIEWS" default:"2"`
}

type ClaudeEnv struct {
	WorkDir        string `envconfig:"CLAUDE_WORK_DIR" default:""`
	MaxTurns       int    `envconfig:"CLAUDE_MAX_TURNS" default:"1"`
	PermissionMode string `envconfig:"CLAUDE_PERMISSION_MODE" default:""`
}

type Env struct {
	BaseEnv
	StorageEnv
	ReviewEnv
	ClaudeEnv
}

const namespace = "REVIEWCREW"

func LoadEnv() (*Env, error) {
	var env Env
	if err := envconfig.Process(namespace, &env); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}
	if err := env.validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

func (e *Env) validate() error {
	switch e.StorageEnv.Type {
	case "local":
	case "s3":
		if e.S3Bucket == "" {
			return fmt.Errorf("%s_S3_BUCKET is required when %s_STORAGE_TYPE is s3", namespace, namespace)
		}
	default:
		return fmt.Errorf("%s_STORAGE_TYPE must be local or s3, got %q", namespace, e.StorageEnv.Type)
	}
	if e.GitHubDefaultFiles < 1 || e.GitHubMaxFiles < e.GitHubDefaultFiles {
		return fmt.Errorf("%s_GITHUB_DEFAULT_FILES must be between 1 and %s_GITHUB_MAX_FILES", namespace, namespace)
	}
	if e.MaxConcurrentReviews < 0 {
		return fmt.Errorf("%s_MAX_CONCURRENT_REVIEWS must not be negative", namespace)
	}
	if e.MaxUploadSize <= 0 {
		return fmt.Errorf("%s_MAX_UPLOAD_SIZE must be positive", namespace)
	}
	return nil
}

func (e *BaseEnv) SlogLevel() slog.Level {
	if e == nil {
		return slog.LevelInfo
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(e.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// AllowedOrigins splits CORS_ORIGINS on commas.
func (e *BaseEnv) AllowedOrigins() []string {
	var origins []string
	for _, o := range strings.Split(e.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
