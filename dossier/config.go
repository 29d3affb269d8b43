package dossier

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/pdfdossier/catalog"
	"github.com/hazyhaar/pdfdossier/connectivity"
	"github.com/hazyhaar/pdfdossier/download"
	"github.com/hazyhaar/pdfdossier/graph"
)

// Config holds the full dossier configuration.
type Config struct {
	DataDir   string `yaml:"data_dir"`
	CatalogDB string `yaml:"catalog_db"` // default <data_dir>/catalog.db
	VectorDB  string `yaml:"vector_db"`  // default <data_dir>/vectors.db
	MetricsDB string `yaml:"metrics_db"` // default <data_dir>/metrics.db
	Addr      string `yaml:"addr"`

	Source SourceConfig `yaml:"source"`

	// Concurrency is the worker count per stage name.
	Concurrency map[string]int `yaml:"concurrency"`
	ClaimTTL    time.Duration  `yaml:"claim_ttl"`

	MinImageBytes         int   `yaml:"min_image_bytes"`
	MinAnalysisImageBytes int64 `yaml:"min_analysis_image_bytes"`
	MinFaceSize           int   `yaml:"min_face_size"`
	OCRMinChars           int   `yaml:"ocr_min_chars"`

	Faces FacesConfig `yaml:"faces"`
	Dates DatesConfig `yaml:"dates"`

	// ChangePolicy is "reprocess" or "flag".
	ChangePolicy string `yaml:"change_policy"`

	// Routes seeds the routes table, keyed by service name. Rows edited
	// by an operator and absent here are left alone.
	Routes map[string]RouteConfig `yaml:"routes"`

	Remote RemoteConfig `yaml:"remote"`

	// Graph is optional; an empty URI disables graph writes.
	Graph graph.Neo4jConfig `yaml:"graph"`
}

// SourceConfig describes the public listing the documents come from.
type SourceConfig struct {
	BaseURL           string        `yaml:"base_url"`
	ListingPath       string        `yaml:"listing_path"`
	MaxPages          int           `yaml:"max_pages"`
	AgeVerify         bool          `yaml:"age_verify"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	UserAgent         string        `yaml:"user_agent"`
	Timeout           time.Duration `yaml:"timeout"`
	// BrowserBin and BrowserURL select the browser used to pass the age
	// gate: a local binary, or a remote DevTools endpoint.
	BrowserBin string `yaml:"browser_bin"`
	BrowserURL string `yaml:"browser_url"`
}

// FacesConfig tunes dismissal and clustering.
type FacesConfig struct {
	DismissThreshold float64 `yaml:"dismiss_threshold"`
	Eps              float64 `yaml:"eps"`
	MinSamples       int     `yaml:"min_samples"`
	PairCap          int     `yaml:"pair_cap"`
}

// DatesConfig tunes the date reconciler.
type DatesConfig struct {
	FutureBufferYears int `yaml:"future_buffer_years"`
}

// RemoteConfig bounds calls to remote capabilities.
type RemoteConfig struct {
	CallTimeout      time.Duration `yaml:"call_timeout"`
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerReset     time.Duration `yaml:"breaker_reset"`
}

// RouteConfig is one capability route.
type RouteConfig struct {
	Strategy string         `yaml:"strategy"` // local | http | noop
	Endpoint string         `yaml:"endpoint"`
	Config   map[string]any `yaml:"config"`
}

// DefaultConfig returns sane defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "data",
		Addr:    ":8090",
		Source: SourceConfig{
			MaxPages:          200,
			RequestsPerSecond: 2,
			UserAgent:         download.DefaultUserAgent,
			Timeout:           120 * time.Second,
		},
		Concurrency: map[string]int{
			string(catalog.StageDownload):      5,
			string(catalog.StageExtraction):    4,
			string(catalog.StageEntity):        4,
			string(catalog.StageFace):          2,
			string(catalog.StageImageAnalysis): 2,
			string(catalog.StageIndex):         4,
		},
		ClaimTTL:              30 * time.Minute,
		MinImageBytes:         1000,
		MinAnalysisImageBytes: 5000,
		MinFaceSize:           1000,
		OCRMinChars:           50,
		Faces: FacesConfig{
			DismissThreshold: 0.4,
			Eps:              0.5,
			MinSamples:       2,
			PairCap:          200,
		},
		Dates:        DatesConfig{FutureBufferYears: 1},
		Remote: RemoteConfig{
			CallTimeout:      5 * time.Minute,
			BreakerThreshold: 5,
			BreakerReset:     30 * time.Second,
		},
		ChangePolicy: string(download.PolicyReprocess),
	}
}

// LoadConfig reads a YAML file over DefaultConfig, applies environment
// overrides and validates. An empty path yields defaults plus environment.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, cfg.Validate()
}

// applyEnv overrides file values with DOSSIER_* and NEO4J_* variables.
func (c *Config) applyEnv() {
	set := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	set(&c.DataDir, "DOSSIER_DATA_DIR")
	set(&c.CatalogDB, "DOSSIER_DB")
	set(&c.Source.BaseURL, "DOSSIER_SOURCE_URL")
	set(&c.Addr, "DOSSIER_ADDR")
	set(&c.Graph.URI, "NEO4J_URI")
	set(&c.Graph.User, "NEO4J_USER")
	set(&c.Graph.Password, "NEO4J_PASSWORD")
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if _, err := download.ParseChangePolicy(c.ChangePolicy); err != nil {
		return err
	}
	for name, n := range c.Concurrency {
		if _, err := catalog.ParseStage(name); err != nil {
			return fmt.Errorf("concurrency: %w", err)
		}
		if n < 0 {
			return fmt.Errorf("concurrency[%s] must be >= 0", name)
		}
	}
	if c.Faces.DismissThreshold <= 0 {
		return fmt.Errorf("faces.dismiss_threshold must be > 0")
	}
	if c.Faces.Eps <= 0 {
		return fmt.Errorf("faces.eps must be > 0")
	}
	if c.Faces.MinSamples < 1 {
		return fmt.Errorf("faces.min_samples must be >= 1")
	}
	if c.Remote.CallTimeout <= 0 || c.Remote.BreakerThreshold < 1 || c.Remote.BreakerReset <= 0 {
		return fmt.Errorf("remote: call_timeout, breaker_threshold and breaker_reset must be > 0")
	}
	if c.Source.BaseURL != "" && !strings.HasPrefix(c.Source.BaseURL, "http://") && !strings.HasPrefix(c.Source.BaseURL, "https://") {
		return fmt.Errorf("source.base_url must be an http(s) URL")
	}
	for name, r := range c.Routes {
		switch r.Strategy {
		case "local", "noop":
		case "http":
			if r.Endpoint == "" {
				return fmt.Errorf("routes[%s]: endpoint is required for http", name)
			}
		default:
			return fmt.Errorf("routes[%s]: unsupported strategy %q (use local, http or noop)", name, r.Strategy)
		}
	}
	return nil
}

func (c *Config) catalogPath() string { return c.pathOr(c.CatalogDB, "catalog.db") }
func (c *Config) vectorPath() string  { return c.pathOr(c.VectorDB, "vectors.db") }
func (c *Config) metricsPath() string { return c.pathOr(c.MetricsDB, "metrics.db") }

func (c *Config) pathOr(p, name string) string {
	if p != "" {
		return p
	}
	return filepath.Join(c.DataDir, name)
}

// ListingURL returns the first listing page, or "" when no source is set.
func (c *Config) ListingURL() string {
	if c.Source.BaseURL == "" {
		return ""
	}
	return strings.TrimRight(c.Source.BaseURL, "/") + "/" + strings.TrimLeft(c.Source.ListingPath, "/")
}

// stageConcurrency converts the per-stage widths.
func (c *Config) stageConcurrency() map[catalog.Stage]int {
	out := make(map[catalog.Stage]int, len(c.Concurrency))
	for name, n := range c.Concurrency {
		if n > 0 {
			out[catalog.Stage(name)] = n
		}
	}
	return out
}

// routeRows renders Routes for connectivity.Admin.SyncRoutes, sorted by
// service.
func (c *Config) routeRows() ([]connectivity.RouteRow, error) {
	rows := make([]connectivity.RouteRow, 0, len(c.Routes))
	for name, r := range c.Routes {
		cfg := json.RawMessage("{}")
		if len(r.Config) > 0 {
			b, err := json.Marshal(r.Config)
			if err != nil {
				return nil, fmt.Errorf("routes[%s]: config: %w", name, err)
			}
			cfg = b
		}
		rows = append(rows, connectivity.RouteRow{ServiceName: name, Strategy: r.Strategy, Endpoint: r.Endpoint, Config: cfg})
	}
	slices.SortFunc(rows, func(a, b connectivity.RouteRow) int { return strings.Compare(a.ServiceName, b.ServiceName) })
	return rows, nil
}
