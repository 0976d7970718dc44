package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"skulink/internal/domain"
)

// FeedConfig controls ingestion of the source document.
type FeedConfig struct {
	Path          string `yaml:"path" toml:"path"`
	MarketplaceID int    `yaml:"marketplace_id" toml:"marketplace_id"`
	BatchSize     int    `yaml:"batch_size" toml:"batch_size"`
	Lenient       bool   `yaml:"lenient" toml:"lenient"`
	Truncate      bool   `yaml:"truncate" toml:"truncate"`
}

// PostgresConfig contains connection details for the PostgreSQL catalog.
// URL, when set, takes precedence over the individual fields.
type PostgresConfig struct {
	URL      string `yaml:"url" toml:"url"`
	Host     string `yaml:"host" toml:"host"`
	Port     int    `yaml:"port" toml:"port"`
	User     string `yaml:"user" toml:"user"`
	Password string `yaml:"password" toml:"password"`
	Database string `yaml:"database" toml:"database"`
	MaxConns int    `yaml:"max_conns" toml:"max_conns"`
}

// SQLiteConfig points at an embedded catalog database file.
type SQLiteConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// CatalogConfig selects and configures the catalog store implementation.
type CatalogConfig struct {
	Type     string          `yaml:"type" toml:"type"`
	Postgres *PostgresConfig `yaml:"postgres,omitempty" toml:"postgres,omitempty"`
	SQLite   *SQLiteConfig   `yaml:"sqlite,omitempty" toml:"sqlite,omitempty"`
}

// ElasticsearchConfig contains connection details for the search engine.
type ElasticsearchConfig struct {
	URL      string `yaml:"url" toml:"url"`
	Host     string `yaml:"host" toml:"host"`
	Port     int    `yaml:"port" toml:"port"`
	Index    string `yaml:"index" toml:"index"`
	Username string `yaml:"username" toml:"username"`
	Password string `yaml:"password" toml:"password"`
}

// SearchConfig selects and configures the search index implementation.
type SearchConfig struct {
	Type          string               `yaml:"type" toml:"type"`
	Elasticsearch *ElasticsearchConfig `yaml:"elasticsearch,omitempty" toml:"elasticsearch,omitempty"`
}

// SimilarityConfig tunes replication paging and the more-like-this query.
type SimilarityConfig struct {
	MaxResults       int     `yaml:"max_results" toml:"max_results"`
	MinTermFreq      int     `yaml:"min_term_freq" toml:"min_term_freq"`
	MinDocFreq       int     `yaml:"min_doc_freq" toml:"min_doc_freq"`
	MaxQueryTerms    int     `yaml:"max_query_terms" toml:"max_query_terms"`
	PageSize         int     `yaml:"page_size" toml:"page_size"`
	QueriesPerSecond float64 `yaml:"queries_per_second" toml:"queries_per_second"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// AppConfig is the root application configuration structure.
type AppConfig struct {
	Feed        FeedConfig       `yaml:"feed" toml:"feed"`
	Catalog     CatalogConfig    `yaml:"catalog" toml:"catalog"`
	Search      SearchConfig     `yaml:"search" toml:"search"`
	Similarity  SimilarityConfig `yaml:"similarity" toml:"similarity"`
	Log         LogConfig        `yaml:"log" toml:"log"`
	TimeoutSecs int              `yaml:"timeout_secs" toml:"timeout_secs"`
}

// Timeout is the per-operation network timeout; zero means none.
func (c *AppConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// DSN renders the PostgreSQL connection string.
func (p *PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(p.User, p.Password),
		Host:   net.JoinHostPort(p.Host, strconv.Itoa(p.Port)),
		Path:   "/" + p.Database,
	}
	return u.String()
}

// Address renders the Elasticsearch base URL.
func (e *ElasticsearchConfig) Address() string {
	if e.URL != "" {
		return e.URL
	}
	return "http://" + net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// DefaultPath is looked up in the working directory when no path is given.
const DefaultPath = "skulink.yaml"

// Load reads a config from path, choosing TOML or YAML by extension.
// A missing file yields defaults. Environment overrides are applied last.
func Load(path string) (*AppConfig, error) {
	cfg := defaultConfig()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		if err := decode(path, data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	applyEnv(cfg, os.LookupEnv)
	applyConfigDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault loads ./skulink.yaml, falling back to defaults when absent.
func LoadDefault() (*AppConfig, error) {
	return Load(DefaultPath)
}

// Default returns the configuration used when no file is present.
func Default() *AppConfig {
	cfg := defaultConfig()
	applyConfigDefaults(cfg)
	return cfg
}

// Save writes the config as TOML or YAML by extension, creating directories as needed.
func Save(path string, cfg *AppConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		data, err = toml.Marshal(cfg)
	default:
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func decode(path string, data []byte, cfg *AppConfig) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return toml.Unmarshal(data, cfg)
	default:
		return yaml.Unmarshal(data, cfg)
	}
}

func defaultConfig() *AppConfig {
	return &AppConfig{
		Feed: FeedConfig{Path: "offers.xml", MarketplaceID: 1, BatchSize: 100},
		Catalog: CatalogConfig{
			Type: "postgres",
			Postgres: &PostgresConfig{
				Host:     "postgres",
				Port:     5432,
				User:     "user",
				Password: "password",
				Database: "marketplace",
				MaxConns: 4,
			},
		},
		Search: SearchConfig{
			Type:          "elasticsearch",
			Elasticsearch: &ElasticsearchConfig{Host: "elasticsearch", Port: 9200, Index: "products"},
		},
		Similarity: SimilarityConfig{MaxResults: 5, MinTermFreq: 1, MinDocFreq: 1, MaxQueryTerms: 12, PageSize: 500},
		Log:        LogConfig{Level: "info", Format: "auto"},
	}
}

func applyEnv(cfg *AppConfig, lookup func(string) (string, bool)) {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	getInt := func(key string) (int, bool) {
		v, ok := get(key)
		if !ok {
			return 0, false
		}
		i, err := strconv.Atoi(v)
		return i, err == nil
	}

	if v, ok := get("FEED_PATH"); ok {
		cfg.Feed.Path = v
	}
	if v, ok := get("LOG_LEVEL"); ok {
		cfg.Log.Level = v
	}

	if cfg.Catalog.Postgres == nil {
		cfg.Catalog.Postgres = &PostgresConfig{}
	}
	pg := cfg.Catalog.Postgres
	if v, ok := get("DATABASE_URL"); ok {
		pg.URL = v
	}
	if v, ok := get("DATABASE_HOST"); ok {
		pg.Host = v
	}
	if v, ok := getInt("DATABASE_PORT"); ok {
		pg.Port = v
	}
	if v, ok := get("DATABASE_USER"); ok {
		pg.User = v
	}
	if v, ok := get("DATABASE_PASSWORD"); ok {
		pg.Password = v
	}
	if v, ok := get("DATABASE_NAME"); ok {
		pg.Database = v
	}

	if cfg.Search.Elasticsearch == nil {
		cfg.Search.Elasticsearch = &ElasticsearchConfig{}
	}
	es := cfg.Search.Elasticsearch
	if v, ok := get("ELASTICSEARCH_URL"); ok {
		es.URL = v
	}
	if v, ok := get("ELASTICSEARCH_HOST"); ok {
		es.Host = v
	}
	if v, ok := getInt("ELASTICSEARCH_PORT"); ok {
		es.Port = v
	}
}

func applyConfigDefaults(cfg *AppConfig) {
	if cfg.Feed.BatchSize <= 0 {
		cfg.Feed.BatchSize = 100
	}
	if cfg.Feed.MarketplaceID == 0 {
		cfg.Feed.MarketplaceID = 1
	}
	if cfg.Catalog.Type == "" {
		cfg.Catalog.Type = "postgres"
	}
	if cfg.Catalog.Type == "sqlite" {
		if cfg.Catalog.SQLite == nil {
			cfg.Catalog.SQLite = &SQLiteConfig{}
		}
		if cfg.Catalog.SQLite.Path == "" {
			cfg.Catalog.SQLite.Path = "skulink.db"
		}
	}
	if pg := cfg.Catalog.Postgres; pg != nil {
		if pg.Port == 0 {
			pg.Port = 5432
		}
		if pg.MaxConns <= 0 {
			pg.MaxConns = 4
		}
	}
	if cfg.Search.Type == "" {
		cfg.Search.Type = "elasticsearch"
	}
	if es := cfg.Search.Elasticsearch; es != nil {
		if es.Port == 0 {
			es.Port = 9200
		}
		if es.Index == "" {
			es.Index = "products"
		}
	}
	s := &cfg.Similarity
	if s.MaxResults <= 0 {
		s.MaxResults = 5
	}
	if s.MinTermFreq <= 0 {
		s.MinTermFreq = 1
	}
	if s.MinDocFreq <= 0 {
		s.MinDocFreq = 1
	}
	if s.MaxQueryTerms <= 0 {
		s.MaxQueryTerms = 12
	}
	if s.PageSize <= 0 {
		s.PageSize = 500
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "auto"
	}
}

func validate(cfg *AppConfig) error {
	switch cfg.Catalog.Type {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("catalog type %q: %w", cfg.Catalog.Type, domain.ErrUnsupportedType)
	}
	switch cfg.Search.Type {
	case "elasticsearch", "memory":
	default:
		return fmt.Errorf("search type %q: %w", cfg.Search.Type, domain.ErrUnsupportedType)
	}
	if cfg.TimeoutSecs < 0 {
		return fmt.Errorf("timeout_secs must not be negative: %w", domain.ErrInvalidConfig)
	}
	if cfg.Similarity.QueriesPerSecond < 0 {
		return fmt.Errorf("similarity.queries_per_second must not be negative: %w", domain.ErrInvalidConfig)
	}
	return nil
}
