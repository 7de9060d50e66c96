package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Sternrassler/scalr-api-client/pkg/client"
	"github.com/Sternrassler/scalr-api-client/pkg/transport"
	"gopkg.in/yaml.v3"
)

// Environment variables consulted when a flag is not set.
const (
	envCredentials = "SCALR_CREDENTIALS"
	envAPIURL      = "SCALR_API_URL"
	envKeyID       = "SCALR_KEY_ID"
	envSecretKey   = "SCALR_SECRET_KEY"
	envEnvID       = "SCALR_ENV_ID"
	envRedisAddr   = "SCALR_REDIS_ADDR"
)

// credentials is the on-disk credentials file. JSON files parse as YAML.
type credentials struct {
	APIURL            string `yaml:"api_url"`
	KeyID             string `yaml:"api_key_id"`
	SecretKey         string `yaml:"api_key_secret"`
	EnvID             string `yaml:"env_id"`
	BasicAuthUser     string `yaml:"basic_auth_username"`
	BasicAuthPassword string `yaml:"basic_auth_password"`
}

func loadCredentials(path string) (*credentials, error) {
	data, err := os.ReadFile(expandHome(path))
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}

	var creds credentials
	if err := yaml.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parse credentials %s: %w", path, err)
	}
	return &creds, nil
}

// resolved is the effective configuration of one invocation.
type resolved struct {
	client    client.Config
	envID     string
	redisAddr string
}

// resolve merges flags, environment and the credentials file, in that order
// of precedence.
func (o *options) resolve(getenv func(string) string) (*resolved, error) {
	var creds credentials
	file := firstNonEmpty(o.credentialsFile, getenv(envCredentials))
	if file != "" {
		c, err := loadCredentials(file)
		if err != nil {
			return nil, err
		}
		creds = *c
	}

	cfg := client.DefaultConfig(
		firstNonEmpty(o.apiURL, getenv(envAPIURL), creds.APIURL),
		firstNonEmpty(o.keyID, getenv(envKeyID), creds.KeyID),
		firstNonEmpty(o.secretKey, getenv(envSecretKey), creds.SecretKey),
	)
	cfg.UserAgent = "scalrctl/" + version
	cfg.BasicAuthUser = firstNonEmpty(o.basicAuthUser, creds.BasicAuthUser)
	cfg.BasicAuthPassword = firstNonEmpty(o.basicAuthPassword, creds.BasicAuthPassword)
	cfg.Timeout = o.timeout
	cfg.RateLimit = o.rateLimit
	cfg.Burst = 1
	if o.retries > 1 {
		cfg.Retry = transport.DefaultRetryConfig()
		cfg.Retry.MaxAttempts = o.retries
	}

	if cfg.APIURL == "" {
		return nil, fmt.Errorf("API URL not configured. Use --api-url, %s, or a credentials file", envAPIURL)
	}
	if cfg.KeyID == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("API key not configured. Use --key-id/--secret-key, %s/%s, or a credentials file", envKeyID, envSecretKey)
	}

	return &resolved{
		client:    cfg,
		envID:     firstNonEmpty(o.envID, getenv(envEnvID), creds.EnvID),
		redisAddr: firstNonEmpty(o.redisAddr, getenv(envRedisAddr)),
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
