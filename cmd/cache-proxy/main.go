package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/SorinGFS/shared-http-cache/pkg/engine"
	"github.com/SorinGFS/shared-http-cache/pkg/logging"
	"github.com/SorinGFS/shared-http-cache/pkg/storage"
	"github.com/SorinGFS/shared-http-cache/pkg/storage/redisstore"
	"github.com/SorinGFS/shared-http-cache/pkg/storage/sqlitestore"
	"github.com/SorinGFS/shared-http-cache/pkg/transport"
)

// Config is the proxy configuration, read from a YAML file with
// environment overrides for the common settings.
type Config struct {
	Port        string `yaml:"port"`
	Backend     string `yaml:"backend"`      // "sqlite" or "redis"
	StoragePath string `yaml:"storage_path"` // sqlite file; empty = in-memory
	RedisURL    string `yaml:"redis_url"`
	CacheDir    string `yaml:"cache_dir"`
	Persistence string `yaml:"persistence"` // "blocking" or "detached"
	TimeoutSec  int    `yaml:"timeout_seconds"`
	LogLevel    string `yaml:"log_level"`
	LogPretty   bool   `yaml:"log_pretty"`
}

func defaultConfig() Config {
	return Config{
		Port:        "8080",
		Backend:     "sqlite",
		StoragePath: "cache.db",
		RedisURL:    "localhost:6379",
		CacheDir:    "proxy",
		Persistence: "blocking",
		TimeoutSec:  30,
		LogLevel:    "info",
	}
}

// loadConfig reads the YAML config. A missing file is created with the
// defaults so there is always a file to edit.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			data, err = yaml.Marshal(cfg)
			if err != nil {
				return cfg, fmt.Errorf("failed to create default config: %v", err)
			}
			if err := os.WriteFile(path, data, 0644); err != nil {
				return cfg, fmt.Errorf("failed to write default config: %v", err)
			}
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config: %v", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %v", err)
	}
	return cfg, nil
}

func main() {
	cfg, err := loadConfig(getEnv("CONFIG_PATH", "cache-proxy.yaml"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Environment overrides
	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.Backend = getEnv("STORAGE_BACKEND", cfg.Backend)
	cfg.StoragePath = getEnv("STORAGE_PATH", cfg.StoragePath)
	cfg.RedisURL = getEnv("REDIS_URL", cfg.RedisURL)
	cfg.CacheDir = getEnv("CACHE_DIR", cfg.CacheDir)

	logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.LogLevel),
		Pretty: cfg.LogPretty,
		Output: os.Stderr,
	})

	ctx := context.Background()

	// Storage backend
	var store storage.Adapter
	switch cfg.Backend {
	case "redis":
		redisClient := redis.NewClient(&redis.Options{
			Addr: cfg.RedisURL,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redisClient.Close()
		store = redisstore.New(redisClient)
		log.Printf("Connected to Redis at %s", cfg.RedisURL)

	case "sqlite":
		sqliteStore, err := sqlitestore.New(cfg.StoragePath)
		if err != nil {
			log.Fatalf("Failed to open SQLite storage: %v", err)
		}
		defer sqliteStore.Close()
		store = sqliteStore
		log.Printf("Opened SQLite storage at %q", cfg.StoragePath)

	default:
		log.Fatalf("Unknown storage backend %q", cfg.Backend)
	}

	// Cache engine
	eng, err := engine.New(engine.Config{
		Storage:     store,
		Transport:   transport.NewHTTPClient(nil),
		Dir:         cfg.CacheDir,
		Persistence: engine.PersistenceMode(cfg.Persistence),
	})
	if err != nil {
		log.Fatalf("Failed to create cache engine: %v", err)
	}

	// HTTP Server
	http.HandleFunc("/health", healthHandler)
	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/fetch", cacheHandler(eng, time.Duration(cfg.TimeoutSec)*time.Second))

	addr := ":" + cfg.Port
	log.Printf("Starting cache proxy on %s (backend=%s dir=%s)", addr, cfg.Backend, cfg.CacheDir)

	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

// cacheHandler serves GET /fetch?url=<target> through the cache engine.
func cacheHandler(eng *engine.Engine, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		target := r.URL.Query().Get("url")
		if target == "" {
			http.Error(w, "missing url query parameter", http.StatusBadRequest)
			return
		}

		// Forward the client's caching preferences.
		headers := make(http.Header)
		if cc := r.Header.Get("Cache-Control"); cc != "" {
			headers.Set("Cache-Control", cc)
		}

		res, err := eng.Fetch(r.Context(), engine.Request{
			URL:     target,
			Headers: headers,
			Timeout: timeout,
		})
		if err != nil {
			writeFailure(w, err)
			return
		}

		// Copy response headers
		for key, values := range res.Headers {
			for _, value := range values {
				w.Header().Add(key, value)
			}
		}

		status := "fwd=miss"
		if res.FromCache {
			status = "hit"
		}
		w.Header().Add("Cache-Status", "shared-http-cache; "+status)

		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(res.Content); err != nil {
			log.Printf("Failed to write response: %v", err)
		}
	}
}

// writeFailure maps an engine failure onto a proxy response status.
func writeFailure(w http.ResponseWriter, err error) {
	var reqErr *engine.RequestError
	if !errors.As(err, &reqErr) {
		http.Error(w, fmt.Sprintf("cache request failed: %v", err), http.StatusBadGateway)
		return
	}

	switch reqErr.Kind {
	case engine.FailureMalformed:
		http.Error(w, reqErr.Error(), http.StatusBadRequest)
	case engine.FailureOnlyIfCached:
		http.Error(w, reqErr.Error(), http.StatusGatewayTimeout)
	case engine.FailureOriginStatus, engine.FailureGone:
		status := reqErr.Status
		if status < 400 {
			status = http.StatusBadGateway
		}
		http.Error(w, reqErr.Error(), status)
	default:
		http.Error(w, reqErr.Error(), http.StatusBadGateway)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
