package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of every environment override, e.g. INSPIRE_HTTP_DELAY
const EnvPrefix = "INSPIRE"

// Config represents the scraper configuration
type Config struct {
	Target   TargetConfig   `yaml:"target" envconfig:"TARGET"`
	HTTP     HTTPConfig     `yaml:"http" envconfig:"HTTP"`
	Form     FormConfig     `yaml:"form" envconfig:"FORM"`
	Run      RunConfig      `yaml:"run" envconfig:"RUN"`
	Log      LogConfig      `yaml:"log" envconfig:"LOG"`
	Database DatabaseConfig `yaml:"database" envconfig:"DATABASE"`
	Sheets   SheetsConfig   `yaml:"sheets" envconfig:"SHEETS"`
	Telegram TelegramConfig `yaml:"telegram" envconfig:"TELEGRAM"`
}

// TargetConfig describes the remote form
type TargetConfig struct {
	URL       string            `yaml:"url" envconfig:"URL"`
	UserAgent string            `yaml:"user_agent" envconfig:"USER_AGENT"`
	Headers   map[string]string `yaml:"headers" envconfig:"HEADERS"`
}

// HTTPConfig controls timeouts, retries and the politeness delay
type HTTPConfig struct {
	Timeout       time.Duration `yaml:"timeout" envconfig:"TIMEOUT"`
	MaxRetries    int           `yaml:"max_retries" envconfig:"MAX_RETRIES"`
	BackoffFactor time.Duration `yaml:"backoff_factor" envconfig:"BACKOFF_FACTOR"`
	Delay         time.Duration `yaml:"delay" envconfig:"DELAY"`
}

// FormConfig holds the control names and element ids of the ASP.NET page.
// Names are the postback field names, ids are the rendered element ids.
type FormConfig struct {
	ModeField       string `yaml:"mode_field" envconfig:"MODE_FIELD"`
	ModeValue       string `yaml:"mode_value" envconfig:"MODE_VALUE"`
	ModeTarget      string `yaml:"mode_target" envconfig:"MODE_TARGET"`
	RegionField     string `yaml:"region_field" envconfig:"REGION_FIELD"`
	SubregionField  string `yaml:"subregion_field" envconfig:"SUBREGION_FIELD"`
	LeafField       string `yaml:"leaf_field" envconfig:"LEAF_FIELD"`
	SubmitTarget    string `yaml:"submit_target" envconfig:"SUBMIT_TARGET"`
	RegionSelectID  string `yaml:"region_select_id" envconfig:"REGION_SELECT_ID"`
	SubregionListID string `yaml:"subregion_select_id" envconfig:"SUBREGION_SELECT_ID"`
	LeafSelectID    string `yaml:"leaf_select_id" envconfig:"LEAF_SELECT_ID"`
	ResultsTableID  string `yaml:"results_table_id" envconfig:"RESULTS_TABLE_ID"`
}

// RunConfig controls orchestration and local output
type RunConfig struct {
	BatchSize int    `yaml:"batch_size" envconfig:"BATCH_SIZE"`
	Workers   int    `yaml:"workers" envconfig:"WORKERS"`
	OutputDir string `yaml:"output_dir" envconfig:"OUTPUT_DIR"`
	XLSX      bool   `yaml:"xlsx" envconfig:"XLSX"`
}

// LogConfig controls logging output
type LogConfig struct {
	Level   string `yaml:"level" envconfig:"LEVEL"`
	File    string `yaml:"file" envconfig:"FILE"`
	Console bool   `yaml:"console" envconfig:"CONSOLE"`
}

// DatabaseConfig enables the Postgres sink and job queue when URL is set
type DatabaseConfig struct {
	URL string `yaml:"url" envconfig:"URL"`
}

// SheetsConfig enables the Google Sheets sink when SpreadsheetURL is set
type SheetsConfig struct {
	SpreadsheetURL  string `yaml:"spreadsheet_url" envconfig:"SPREADSHEET_URL"`
	CredentialsPath string `yaml:"credentials" envconfig:"CREDENTIALS"`
}

// TelegramConfig enables progress notifications when Token is set
type TelegramConfig struct {
	Token  string `yaml:"token" envconfig:"TOKEN"`
	ChatID int64  `yaml:"chat_id" envconfig:"CHAT_ID"`
	Every  int    `yaml:"progress_every" envconfig:"PROGRESS_EVERY"`
}

// LoadConfig loads configuration from a YAML file on top of the defaults
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := GetDefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overrides cfg with INSPIRE_* environment variables
func ApplyEnv(cfg *Config) error {
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	return nil
}

// Load reads path when it exists, falls back to defaults otherwise,
// then applies environment overrides and validates the result
func Load(path string) (*Config, error) {
	cfg := GetDefaultConfig()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			cfg, err = LoadConfig(path)
			if err != nil {
				return nil, err
			}
		}
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the scraper cannot work with
func (c *Config) Validate() error {
	if c.Target.URL == "" {
		return fmt.Errorf("target.url is required")
	}
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be positive, got %s", c.HTTP.Timeout)
	}
	if c.HTTP.MaxRetries < 0 {
		return fmt.Errorf("http.max_retries must not be negative, got %d", c.HTTP.MaxRetries)
	}
	if c.HTTP.BackoffFactor < 0 || c.HTTP.Delay < 0 {
		return fmt.Errorf("http.backoff_factor and http.delay must not be negative")
	}
	if c.Run.BatchSize <= 0 {
		return fmt.Errorf("run.batch_size must be positive, got %d", c.Run.BatchSize)
	}
	if c.Run.Workers <= 0 {
		return fmt.Errorf("run.workers must be positive, got %d", c.Run.Workers)
	}
	return nil
}

// GetDefaultConfig returns a default configuration
func GetDefaultConfig() *Config {
	return &Config{
		Target: TargetConfig{
			URL:       "https://www.inspireawards-dst.gov.in/UserP/Contact-detailsAtPublicDomain.aspx",
			UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36",
			Headers: map[string]string{
				"X-Requested-With": "XMLHttpRequest",
				"X-MicrosoftAjax":  "Delta=true",
				"Accept":           "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
				"Accept-Language":  "en-US,en;q=0.5",
			},
		},
		HTTP: HTTPConfig{
			Timeout:       30 * time.Second,
			MaxRetries:    3,
			BackoffFactor: time.Second,
			Delay:         500 * time.Millisecond,
		},
		Form: DefaultForm(),
		Run: RunConfig{
			BatchSize: 50,
			Workers:   1,
			OutputDir: "output",
		},
		Log: LogConfig{
			Level:   "info",
			File:    "output/scraper.log",
			Console: true,
		},
		Telegram: TelegramConfig{
			Every: 25,
		},
	}
}

// DefaultForm returns the control names of the contact details page
func DefaultForm() FormConfig {
	return FormConfig{
		ModeField:       "ctl00$ContentPlaceHolder1$rblSelect",
		ModeValue:       "2",
		ModeTarget:      "ctl00$ContentPlaceHolder1$rblSelect$2",
		RegionField:     "ctl00$ContentPlaceHolder1$ddlState",
		SubregionField:  "ctl00$ContentPlaceHolder1$ddlDist",
		LeafField:       "ctl00$ContentPlaceHolder1$ddlSchool",
		SubmitTarget:    "ctl00$ContentPlaceHolder1$btnSubmit",
		RegionSelectID:  "ctl00_ContentPlaceHolder1_ddlState",
		SubregionListID: "ctl00_ContentPlaceHolder1_ddlDist",
		LeafSelectID:    "ctl00_ContentPlaceHolder1_ddlSchool",
		ResultsTableID:  "ctl00_ContentPlaceHolder1_grdContactDtl",
	}
}
