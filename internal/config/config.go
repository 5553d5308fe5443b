package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mcuadros/go-defaults"
	"gopkg.in/yaml.v3"

	"github.com/kozaktomas/fingermatch/internal/constants"
)

type Config struct {
	Corpus    CorpusConfig    `yaml:"corpus" toml:"corpus"`
	Extractor ExtractorConfig `yaml:"extractor" toml:"extractor"`
	Matcher   MatcherConfig   `yaml:"matcher" toml:"matcher"`
	Scan      ScanConfig      `yaml:"scan" toml:"scan"`
	Cache     CacheConfig     `yaml:"cache" toml:"cache"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Log       LogConfig       `yaml:"log" toml:"log"`
	Web       WebConfig       `yaml:"web" toml:"web"`
}

type CorpusConfig struct {
	Dir string `yaml:"dir" toml:"dir" default:"archive/SOCOFing/Real"`
}

type ExtractorConfig struct {
	Backend           string  `yaml:"backend" toml:"backend" default:"sift"` // sift or opencv (needs the opencv build tag)
	Octaves           int     `yaml:"octaves" toml:"octaves"`                 // 0 derives the count from the image size
	Layers            int     `yaml:"layers" toml:"layers" default:"3"`
	ContrastThreshold float64 `yaml:"contrast_threshold" toml:"contrast_threshold" default:"0.04"`
	EdgeThreshold     float64 `yaml:"edge_threshold" toml:"edge_threshold" default:"10"`
	Sigma             float64 `yaml:"sigma" toml:"sigma" default:"1.6"`
	DisableUpsample   bool    `yaml:"disable_upsample" toml:"disable_upsample"`
	MaxFeatures       int     `yaml:"max_features" toml:"max_features"`                    // 0 keeps every keypoint
	MaxDimension      int     `yaml:"max_dimension" toml:"max_dimension" default:"1024"` // larger inputs are scaled down first
}

type MatcherConfig struct {
	Ratio              float64 `yaml:"ratio" toml:"ratio" default:"0.1"`
	AcceptLoneNeighbor bool    `yaml:"accept_lone_neighbor" toml:"accept_lone_neighbor"`
	Index              string  `yaml:"index" toml:"index" default:"kdforest"`
	Trees              int     `yaml:"trees" toml:"trees" default:"10"`
	Checks             int     `yaml:"checks" toml:"checks" default:"32"`
	Seed               int64   `yaml:"seed" toml:"seed" default:"42"`
	HNSWM              int     `yaml:"hnsw_m" toml:"hnsw_m" default:"16"`
	HNSWEfSearch       int     `yaml:"hnsw_ef_search" toml:"hnsw_ef_search" default:"64"`
}

type ScanConfig struct {
	Workers         int  `yaml:"workers" toml:"workers"` // 0 uses one worker per CPU
	RecomputeSample bool `yaml:"recompute_sample" toml:"recompute_sample"`
}

type CacheConfig struct {
	Backend    string `yaml:"backend" toml:"backend" default:"none"` // none, memory, file, sqlite, postgres
	Dir        string `yaml:"dir" toml:"dir" default:".fingermatch-cache"`
	SQLitePath string `yaml:"sqlite_path" toml:"sqlite_path" default:"fingermatch.db"`
}

type DatabaseConfig struct {
	URL          string `yaml:"url" toml:"url"`                                      // PostgreSQL connection URL
	MaxOpenConns int    `yaml:"max_open_conns" toml:"max_open_conns" default:"25"` // Maximum open connections
	MaxIdleConns int    `yaml:"max_idle_conns" toml:"max_idle_conns" default:"5"`  // Maximum idle connections
}

type LogConfig struct {
	Level        string        `yaml:"level" toml:"level" default:"info"`
	Format       string        `yaml:"format" toml:"format" default:"text"` // text or json
	File         string        `yaml:"file" toml:"file"`                    // rotated log file pattern, stderr when empty
	MaxAge       time.Duration `yaml:"max_age" toml:"max_age" default:"168h"`
	RotationTime time.Duration `yaml:"rotation_time" toml:"rotation_time" default:"24h"`
}

type WebConfig struct {
	Host           string   `yaml:"host" toml:"host" default:"127.0.0.1"`
	Port           int      `yaml:"port" toml:"port" default:"8080"`
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
	// Root confines sample and corpus paths named in API requests.
	Root string `yaml:"root" toml:"root" default:"."`
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envFloat reads an environment variable as a positive float.
func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f > 0 {
		return f
	}
	return defaultVal
}

// envBool reads an environment variable as a bool.
func envBool(key string, defaultVal bool) bool {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return defaultVal
}

func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

// Load builds the configuration. Values from the optional file at path win
// over built-in defaults, and environment variables win over both.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}
	defaults.SetDefaults(cfg)
	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in defaults without reading files or the environment.
func Default() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parsing YAML config %s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parsing TOML config %s: %w", path, err)
		}
	default:
		return fmt.Errorf("unsupported config file extension: %s", path)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Corpus.Dir = envString("FINGERMATCH_CORPUS_DIR", cfg.Corpus.Dir)

	cfg.Extractor.Backend = envString("FINGERMATCH_EXTRACTOR", cfg.Extractor.Backend)
	cfg.Extractor.MaxFeatures = envInt("FINGERMATCH_MAX_FEATURES", cfg.Extractor.MaxFeatures)
	cfg.Extractor.MaxDimension = envInt("FINGERMATCH_MAX_DIMENSION", cfg.Extractor.MaxDimension)

	cfg.Matcher.Ratio = envFloat("FINGERMATCH_RATIO", cfg.Matcher.Ratio)
	cfg.Matcher.AcceptLoneNeighbor = envBool("FINGERMATCH_ACCEPT_LONE", cfg.Matcher.AcceptLoneNeighbor)
	cfg.Matcher.Index = envString("FINGERMATCH_INDEX", cfg.Matcher.Index)
	cfg.Matcher.Trees = envInt("FINGERMATCH_KD_TREES", cfg.Matcher.Trees)
	cfg.Matcher.Checks = envInt("FINGERMATCH_KD_CHECKS", cfg.Matcher.Checks)

	cfg.Scan.Workers = envInt("FINGERMATCH_WORKERS", cfg.Scan.Workers)

	cfg.Cache.Backend = envString("FINGERMATCH_CACHE", cfg.Cache.Backend)
	cfg.Cache.Dir = envString("FINGERMATCH_CACHE_DIR", cfg.Cache.Dir)
	cfg.Cache.SQLitePath = envString("FINGERMATCH_SQLITE_PATH", cfg.Cache.SQLitePath)

	cfg.Database.URL = envString("DATABASE_URL", cfg.Database.URL)
	cfg.Database.MaxOpenConns = envInt("DATABASE_MAX_OPEN_CONNS", cfg.Database.MaxOpenConns)
	cfg.Database.MaxIdleConns = envInt("DATABASE_MAX_IDLE_CONNS", cfg.Database.MaxIdleConns)

	cfg.Log.Level = envString("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = envString("LOG_FORMAT", cfg.Log.Format)
	cfg.Log.File = envString("LOG_FILE", cfg.Log.File)

	cfg.Web.Host = envString("WEB_HOST", cfg.Web.Host)
	cfg.Web.Port = envInt("WEB_PORT", cfg.Web.Port)
	cfg.Web.Root = envString("WEB_ROOT", cfg.Web.Root)
	if env := os.Getenv("WEB_ALLOWED_ORIGINS"); env != "" {
		cfg.Web.AllowedOrigins = nil
		for o := range strings.SplitSeq(env, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.Web.AllowedOrigins = append(cfg.Web.AllowedOrigins, o)
			}
		}
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Matcher.Ratio <= 0 || c.Matcher.Ratio > 1 {
		return fmt.Errorf("matcher ratio must be in (0, 1], got %g", c.Matcher.Ratio)
	}
	switch c.Matcher.Index {
	case constants.IndexKDForest, constants.IndexHNSW, constants.IndexExact:
	default:
		return fmt.Errorf("unknown index algorithm %q", c.Matcher.Index)
	}
	if c.Matcher.Trees < 1 || c.Matcher.Checks < 1 {
		return errors.New("matcher trees and checks must be positive")
	}
	switch c.Extractor.Backend {
	case "sift", "opencv":
	default:
		return fmt.Errorf("unknown extractor backend %q", c.Extractor.Backend)
	}
	if c.Extractor.Layers < 1 || c.Extractor.Sigma <= 0 {
		return errors.New("extractor layers and sigma must be positive")
	}
	if c.Extractor.Octaves < 0 || c.Extractor.MaxFeatures < 0 || c.Extractor.MaxDimension < 0 {
		return errors.New("extractor octaves, max features and max dimension must not be negative")
	}
	if c.Scan.Workers < 0 {
		return fmt.Errorf("scan workers must not be negative, got %d", c.Scan.Workers)
	}
	switch c.Cache.Backend {
	case "none", "memory", "file", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}
	if c.Cache.Backend == "postgres" && c.Database.URL == "" {
		return errors.New("DATABASE_URL environment variable is required for the postgres cache")
	}
	return nil
}
