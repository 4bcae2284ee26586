package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Environment string `yaml:"environment"`
	Server      struct {
		Port            int           `yaml:"port"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`
	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"metrics"`
	Source struct {
		Type string `yaml:"type"` // kraken | kafka
	} `yaml:"source"`
	Kraken struct {
		WebSocketURL   string        `yaml:"websocket_url"`
		Symbols        []string      `yaml:"symbols"`
		ReconnectDelay time.Duration `yaml:"reconnect_delay"`
		PingInterval   time.Duration `yaml:"ping_interval"`
	} `yaml:"kraken"`
	Kafka struct {
		Brokers      []string `yaml:"brokers"`
		TradesTopic  string   `yaml:"trades_topic"`
		CandlesTopic string   `yaml:"candles_topic"`
		RequiredAcks int      `yaml:"required_acks"`
		Compression  string   `yaml:"compression"`
		Producer     struct {
			MaxAttempts  int           `yaml:"max_attempts"`
			Linger       time.Duration `yaml:"linger"`
			BatchBytes   int           `yaml:"batch_bytes"`
			BatchSize    int           `yaml:"batch_size"`
			WriteTimeout time.Duration `yaml:"write_timeout"`
			ReadTimeout  time.Duration `yaml:"read_timeout"`
			Async        bool          `yaml:"async"`
		} `yaml:"producer"`
		Consumer struct {
			GroupID    string        `yaml:"group_id"`
			Workers    int           `yaml:"workers"`
			BufferSize int           `yaml:"buffer_size"`
			RetryMax   int           `yaml:"retry_max"`
			BackoffMin time.Duration `yaml:"backoff_min"`
			BackoffMax time.Duration `yaml:"backoff_max"`
			DLQTopic   string        `yaml:"dlq_topic"`
			MinBytes   int           `yaml:"min_bytes"`
			MaxBytes   int           `yaml:"max_bytes"`
		} `yaml:"consumer"`
	} `yaml:"kafka"`
	ClickHouse struct {
		Host             string        `yaml:"host"`
		Port             int           `yaml:"port"`
		Database         string        `yaml:"database"`
		User             string        `yaml:"user"`
		Password         string        `yaml:"password"`
		UseHTTP          bool          `yaml:"use_http"`
		AsyncInsert      bool          `yaml:"async_insert"`
		WaitForAsync     bool          `yaml:"wait_for_async_insert"`
		DialTimeout      time.Duration `yaml:"dial_timeout"`
		ReadTimeout      time.Duration `yaml:"read_timeout"`
		WriteTimeout     time.Duration `yaml:"write_timeout"`
		MaxExecutionTime time.Duration `yaml:"max_execution_time"`
		CandlesTable     string        `yaml:"candles_table"`
		FeaturesTable    string        `yaml:"features_table"`
		PredictionsTable string        `yaml:"predictions_table"`
	} `yaml:"clickhouse"`
	Aggregator struct {
		WindowDuration   time.Duration `yaml:"window_duration"`
		EmitIntermediate bool          `yaml:"emit_intermediate"`
		RetentionWindows int           `yaml:"retention_windows"`
		IdleFlush        time.Duration `yaml:"idle_flush"`
		SourceTimeout    time.Duration `yaml:"source_timeout"`
	} `yaml:"aggregator"`
	Enrichment struct {
		Enabled    bool `yaml:"enabled"`
		MaxInState int  `yaml:"max_in_state"`
	} `yaml:"enrichment"`
	Predictor struct {
		Enabled           bool          `yaml:"enabled"`
		Symbol            string        `yaml:"symbol"`
		PredictionHorizon time.Duration `yaml:"prediction_horizon"`
		PollInterval      time.Duration `yaml:"poll_interval"`
		Lookback          time.Duration `yaml:"lookback"`
		WriteRetries      int           `yaml:"write_retries"`
		WriteBackoff      time.Duration `yaml:"write_backoff"`
	} `yaml:"predictor"`
	Model struct {
		Dir     string        `yaml:"dir"`
		URL     string        `yaml:"url"`
		Name    string        `yaml:"name"`
		Version string        `yaml:"version"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"model"`
	Redis struct {
		Enabled  bool          `yaml:"enabled"`
		Addr     string        `yaml:"addr"`
		Password string        `yaml:"password"`
		DB       int           `yaml:"db"`
		CacheTTL time.Duration `yaml:"cache_ttl"`
	} `yaml:"redis"`
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Validate required fields
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &c, nil
}

// LoadWithEnv loads config from YAML and overrides with environment variables.
func LoadWithEnv(path string) (*Config, error) {
	c, err := Load(path)
	if err != nil {
		return nil, err
	}

	// Override with environment variables
	if v := os.Getenv("SOURCE"); v != "" {
		c.Source.Type = v
	}
	if v := os.Getenv("SYMBOLS"); v != "" {
		c.Kraken.Symbols = strings.Split(v, ",")
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("KAFKA_TRADES_TOPIC"); v != "" {
		c.Kafka.TradesTopic = v
	}
	if v := os.Getenv("KAFKA_CANDLES_TOPIC"); v != "" {
		c.Kafka.CandlesTopic = v
	}
	if v := os.Getenv("CLICKHOUSE_HOST"); v != "" {
		c.ClickHouse.Host = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("MODEL_URL"); v != "" {
		c.Model.URL = v
	}

	return c, nil
}

// CandlesTableFQN returns the fully qualified candles table name.
func (c *Config) CandlesTableFQN() string { return c.qualify(c.ClickHouse.CandlesTable, "candles") }

// FeaturesTableFQN returns the fully qualified features table name.
func (c *Config) FeaturesTableFQN() string {
	return c.qualify(c.ClickHouse.FeaturesTable, "technical_indicators")
}

// PredictionsTableFQN returns the fully qualified predictions table name.
func (c *Config) PredictionsTableFQN() string {
	return c.qualify(c.ClickHouse.PredictionsTable, "predictions")
}

func (c *Config) qualify(table, def string) string {
	if table == "" {
		table = def
	}
	if strings.Contains(table, ".") {
		return table
	}
	db := c.ClickHouse.Database
	if db == "" {
		return table
	}
	return db + "." + table
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Environment == "" {
		return fmt.Errorf("environment is required")
	}
	if c.Source.Type == "" {
		return fmt.Errorf("source.type is required")
	}
	if c.Source.Type != "kraken" && c.Source.Type != "kafka" {
		return fmt.Errorf("source.type must be 'kraken' or 'kafka', got '%s'", c.Source.Type)
	}
	if c.Source.Type == "kraken" && len(c.Kraken.Symbols) == 0 {
		return fmt.Errorf("kraken.symbols cannot be empty")
	}
	if c.Aggregator.WindowDuration <= 0 {
		return fmt.Errorf("aggregator.window_duration must be positive")
	}
	if c.Predictor.Enabled {
		if c.Predictor.Symbol == "" {
			return fmt.Errorf("predictor.symbol is required when predictor is enabled")
		}
		if c.Predictor.PredictionHorizon <= 0 {
			return fmt.Errorf("predictor.prediction_horizon must be positive")
		}
		if c.Model.Dir == "" && c.Model.URL == "" {
			return fmt.Errorf("model.dir or model.url is required when predictor is enabled")
		}
	}
	return nil
}
