package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type ProviderLimit struct {
	RatePerSecond float64 `yaml:"ratePerSecond"`
	Capacity      float64 `yaml:"capacity"`
}

type Config struct {
	Port          int    `yaml:"port"`
	StoreURL      string `yaml:"storeUrl"`
	StorePassword string `yaml:"storePassword"`
	LogLevel      string `yaml:"logLevel"`
	LogFormat     string `yaml:"logFormat"`
	Env           string `yaml:"env"`
	WorkerID      string `yaml:"workerId"`

	KISBaseURL    string `yaml:"kisBaseUrl"`
	KiwoomBaseURL string `yaml:"kiwoomBaseUrl"`

	// Credentials come from the environment only; they never appear in a
	// config file.
	KISAppKey       string `yaml:"-"`
	KISAppSecret    string `yaml:"-"`
	KiwoomAppKey    string `yaml:"-"`
	KiwoomAppSecret string `yaml:"-"`

	RateLimit struct {
		KIS    ProviderLimit `yaml:"kis"`
		Kiwoom ProviderLimit `yaml:"kiwoom"`
	} `yaml:"rateLimit"`

	CircuitFailureThreshold int `yaml:"circuitFailureThreshold"`
	CircuitRecoverySeconds  int `yaml:"circuitRecoverySeconds"`

	MockMode        bool    `yaml:"mockMode"`
	MockLatencyMs   int     `yaml:"mockLatencyMs"`
	MockFailureRate float64 `yaml:"mockFailureRate"`

	TracingEnabled bool   `yaml:"tracingEnabled"`
	OTLPEndpoint   string `yaml:"otlpEndpoint"`
}

// LoadConfig reads the YAML file (optional), applies environment
// overrides and fills defaults. An empty filePath yields a pure
// env/default configuration.
func LoadConfig(filePath string) (*Config, error) {
	var c Config
	if filePath != "" {
		data, err := os.ReadFile(filePath)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &c); err != nil {
			return nil, err
		}
	}

	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Port = p
		}
	}
	if v := os.Getenv("STORE_URL"); v != "" {
		c.StoreURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" && c.StoreURL == "" {
		c.StoreURL = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.StorePassword = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.LogFormat = v
	}
	if v := os.Getenv("ENV"); v != "" {
		c.Env = v
	}
	if v := os.Getenv("WORKER_ID"); v != "" {
		c.WorkerID = v
	}
	if v := os.Getenv("KIS_BASE_URL"); v != "" {
		c.KISBaseURL = v
	}
	if v := os.Getenv("KIWOOM_BASE_URL"); v != "" {
		c.KiwoomBaseURL = v
	}
	if v := os.Getenv("MOCK_MODE"); v != "" {
		c.MockMode = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("OTLP_ENDPOINT"); v != "" {
		c.OTLPEndpoint = v
		c.TracingEnabled = true
	}

	c.KISAppKey = os.Getenv("KIS_APP_KEY")
	c.KISAppSecret = os.Getenv("KIS_APP_SECRET")
	c.KiwoomAppKey = os.Getenv("KIWOOM_APP_KEY")
	c.KiwoomAppSecret = os.Getenv("KIWOOM_APP_SECRET")

	if c.Port == 0 {
		c.Port = 8080
	}
	if c.StoreURL == "" {
		c.StoreURL = "redis://localhost:6379/15"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "json"
	}
	if c.Env == "" {
		c.Env = "dev"
	}
	if c.WorkerID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "worker"
		}
		c.WorkerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if c.RateLimit.KIS.RatePerSecond <= 0 {
		c.RateLimit.KIS = ProviderLimit{RatePerSecond: 20, Capacity: 5}
	}
	if c.RateLimit.Kiwoom.RatePerSecond <= 0 {
		c.RateLimit.Kiwoom = ProviderLimit{RatePerSecond: 10, Capacity: 3}
	}
	if c.CircuitFailureThreshold <= 0 {
		c.CircuitFailureThreshold = 5
	}
	if c.CircuitRecoverySeconds <= 0 {
		c.CircuitRecoverySeconds = 30
	}
	if c.MockLatencyMs < 0 {
		c.MockLatencyMs = 0
	}

	log.Printf("Hub Config: {Port:%d Store:%s Env:%s Worker:%s Mock:%v}\n",
		c.Port, c.StoreURL, c.Env, c.WorkerID, c.MockMode)
	return &c, nil
}

func (c *Config) Validate() error {
	var errs []string
	env := strings.ToLower(strings.TrimSpace(c.Env))
	dev := env == "dev"

	if !c.MockMode {
		if c.KISAppKey == "" || c.KISAppSecret == "" {
			if !dev {
				errs = append(errs, "KIS_APP_KEY and KIS_APP_SECRET are required in non-dev without mock mode")
			}
		}
		if c.KiwoomAppKey == "" || c.KiwoomAppSecret == "" {
			if !dev {
				errs = append(errs, "KIWOOM_APP_KEY and KIWOOM_APP_SECRET are required in non-dev without mock mode")
			}
		}
	}
	if c.MockFailureRate < 0 || c.MockFailureRate > 1 {
		errs = append(errs, "mockFailureRate must be within [0, 1]")
	}
	if c.TracingEnabled && c.OTLPEndpoint == "" {
		errs = append(errs, "otlpEndpoint is required when tracing is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
