package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"batchdl/internal/domain"
)

// Config holds application level configuration aggregated from env/config files.
type Config struct {
	Server struct {
		Addr string
	}
	Log struct {
		Level string
	}
	Database struct {
		Driver string
		Path   string
	}
	Download struct {
		DataDir     string
		Concurrency int
		CancelGrace time.Duration
		Trackers    []string
	}
	Progress struct {
		FlushInterval time.Duration
		BatchSize     int
	}
	Retry struct {
		Enabled         bool
		MaxAttempts     int
		BaseDelay       time.Duration
		BackoffFactor   float64
		JitterPercent   float64
		StatusCodes     []int
		ResetOnProgress bool
	}
	HTTP struct {
		Timeout   time.Duration
		UserAgent string
	}
	Auth struct {
		JWTSecret    string
		PasswordHash string
		TokenTTL     time.Duration
	}
	Storage struct {
		Bucket      string
		KeyPrefix   string
		Region      string
		Endpoint    string
		AccessKey   string
		SecretKey   string
		RemoveLocal bool
	}
	AWS struct {
		Profile string
	}
}

// RetryPolicy converts the retry section into a domain policy.
func (c Config) RetryPolicy() domain.RetryPolicy {
	return domain.RetryPolicy{
		Enabled:         c.Retry.Enabled,
		MaxAttempts:     c.Retry.MaxAttempts,
		BaseDelay:       c.Retry.BaseDelay,
		BackoffFactor:   c.Retry.BackoffFactor,
		JitterPercent:   c.Retry.JitterPercent,
		StatusCodes:     c.Retry.StatusCodes,
		ResetOnProgress: c.Retry.ResetOnProgress,
	}
}

// Load reads configuration from environment variables and an optional config
// file. When configFile is empty a file named "config" in the working
// directory is used if present.
func Load(configFile string) (Config, error) {
	loadDotEnv()

	v := viper.New()
	v.SetEnvPrefix("BATCHDL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	retry := domain.DefaultRetryPolicy()
	v.SetDefault("server.addr", "0.0.0.0:8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "data/batchdl.db")
	v.SetDefault("download.datadir", "data/downloads")
	v.SetDefault("download.concurrency", 4)
	v.SetDefault("download.cancelgrace", 30*time.Second)
	v.SetDefault("download.trackers", []string{})
	v.SetDefault("progress.flushinterval", 250*time.Millisecond)
	v.SetDefault("progress.batchsize", 100)
	v.SetDefault("retry.enabled", retry.Enabled)
	v.SetDefault("retry.maxattempts", retry.MaxAttempts)
	v.SetDefault("retry.basedelay", retry.BaseDelay)
	v.SetDefault("retry.backofffactor", retry.BackoffFactor)
	v.SetDefault("retry.jitterpercent", retry.JitterPercent)
	v.SetDefault("retry.statuscodes", retry.StatusCodes)
	v.SetDefault("retry.resetonprogress", retry.ResetOnProgress)
	v.SetDefault("http.timeout", 30*time.Second)
	v.SetDefault("http.useragent", "batchdl/1.0")
	v.SetDefault("auth.jwtsecret", "")
	v.SetDefault("auth.passwordhash", "")
	v.SetDefault("auth.tokenttl", 24*time.Hour)
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.keyprefix", "batchdl-sessions")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.accesskey", "")
	v.SetDefault("storage.secretkey", "")
	v.SetDefault("storage.removelocal", false)
	v.SetDefault("aws.profile", "")

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", configFile, err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		_ = v.ReadInConfig() // optional file
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	switch cfg.Database.Driver {
	case "sqlite", "memory":
	default:
		return Config{}, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
	if cfg.Download.Concurrency <= 0 {
		return Config{}, fmt.Errorf("download.concurrency must be positive, got %d", cfg.Download.Concurrency)
	}

	return cfg, nil
}

func loadDotEnv() {
	file, err := os.Open(".env")
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		partsIndex := strings.Index(line, "=")
		if partsIndex <= 0 {
			continue
		}

		key := strings.TrimSpace(line[:partsIndex])
		value := strings.TrimSpace(line[partsIndex+1:])
		value = strings.Trim(value, `"'`)
		if key == "" {
			continue
		}

		if _, exists := os.LookupEnv(key); !exists {
			_ = os.Setenv(key, value)
		}
	}
}
