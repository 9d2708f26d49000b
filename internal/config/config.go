package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	RepoDir       string
	RemoteURL     string
	DictionaryDir string

	// TokensFile lives next to the repo dir, never inside the git tree.
	TokensFile string

	EmbedServiceURL string

	MeiliURL       string
	MeiliMasterKey string

	// Redis - optional warm cache for post-to-submission lookups
	RedisURL string

	// MinIO - optional snapshot mirror for derived index artifacts
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	MaintenanceInterval time.Duration
}

func Load() Config {
	return Config{
		RepoDir:         getenv("ARCHIVE_REPO_DIR", "./data/archive"),
		RemoteURL:       getenv("ARCHIVE_REMOTE_URL", ""),
		DictionaryDir:   getenv("ARCHIVE_DICTIONARY_DIR", "./data/archive/dictionary"),
		TokensFile:      getenv("ARCHIVE_TOKENS_FILE", "./data/tokens.json"),
		EmbedServiceURL: getenv("EMBED_SERVICE_URL", ""),
		MeiliURL:        getenv("MEILI_URL", ""),
		MeiliMasterKey:  getenv("MEILI_MASTER_KEY", ""),
		RedisURL:        getenv("REDIS_URL", ""),
		MinioEndpoint:   getenv("MINIO_ENDPOINT", ""),
		MinioAccessKey:  getenv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey:  getenv("MINIO_SECRET_KEY", ""),
		MinioBucket:     getenv("MINIO_BUCKET", "archive-snapshots"),
		MinioUseSSL:     getenvInt("MINIO_USE_SSL", 0) == 1,

		MaintenanceInterval: time.Duration(getenvInt("ARCHIVE_MAINTENANCE_SECONDS", 3600)) * time.Second,
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
