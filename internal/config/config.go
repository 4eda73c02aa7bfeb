package config

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"economy/internal/actions"
	"economy/internal/market"
	"economy/internal/service"
	"economy/internal/worker"
	"economy/pkg/utils"
)

// Config содержит всю конфигурацию приложения
//
// Порядок источников: значения по умолчанию, затем YAML файл из
// CONFIG_FILE (если задан), затем переменные окружения.
type Config struct {
	Server    ServerConfig             `yaml:"server"`
	Database  DatabaseConfig           `yaml:"database"`
	Scheduler SchedulerConfig          `yaml:"scheduler"`
	Actions   ActionsConfig            `yaml:"actions"`
	Market    MarketConfig             `yaml:"market"`
	RateLimit RateLimitConfig          `yaml:"rate_limit"`
	Logging   LoggingConfig            `yaml:"logging"`
	Seeds     []service.InstrumentSeed `yaml:"instruments"`
}

// ServerConfig - настройки HTTP сервера
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// RunWorker - запускать циклы планировщика в процессе API
	RunWorker bool `yaml:"run_worker"`
}

// DatabaseConfig - настройки подключения к БД
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Name            string        `yaml:"name"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// SchedulerConfig - фоновые циклы
type SchedulerConfig struct {
	PollInterval  time.Duration `yaml:"poll_interval"`
	BatchSize     int           `yaml:"batch_size"`
	Loops         int           `yaml:"loops"`
	ClaimTimeout  time.Duration `yaml:"claim_timeout"`
	ReapInterval  time.Duration `yaml:"reap_interval"`
	MakerInterval time.Duration `yaml:"maker_interval"`
}

// ActionsConfig - очередь действий и ставки обработчиков
type ActionsConfig struct {
	QueueCapacity int           `yaml:"queue_capacity"`
	MinDuration   time.Duration `yaml:"min_duration"`
	MaxRetries    int           `yaml:"max_retries"`
	HistoryLimit  int           `yaml:"history_limit"`
	Costs         actions.Costs `yaml:"costs"`
}

// MarketConfig - параметры рынка, которые имеет смысл менять без сборки
type MarketConfig struct {
	FeeRate          float64       `yaml:"fee_rate"`
	SpreadBps        int64         `yaml:"spread_bps"`
	MakerQuantity    int64         `yaml:"maker_quantity"`
	BreakerThreshold float64       `yaml:"breaker_threshold"`
	BreakerWindow    time.Duration `yaml:"breaker_window"`
	HaltDuration     time.Duration `yaml:"halt_duration"`
}

// RateLimitConfig - лимит изменяющих запросов на актора
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst float64 `yaml:"burst"`
}

// LoggingConfig - настройки логирования
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"`
	Output      string `yaml:"output"`
	Development bool   `yaml:"development"`
}

// Default возвращает конфигурацию по умолчанию
func Default() *Config {
	w := worker.DefaultConfig()
	a := service.DefaultActionConfig()
	m := market.DefaultConfig()

	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			Name:            "economy",
			User:            "economy",
			Password:        "economy",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Scheduler: SchedulerConfig{
			PollInterval:  w.PollInterval,
			BatchSize:     w.BatchSize,
			Loops:         w.Loops,
			ClaimTimeout:  w.ClaimTimeout,
			ReapInterval:  w.ReapInterval,
			MakerInterval: w.MakerInterval,
		},
		Actions: ActionsConfig{
			QueueCapacity: a.QueueCapacity,
			MinDuration:   a.MinDuration,
			MaxRetries:    a.MaxRetries,
			HistoryLimit:  a.HistoryLimit,
			Costs:         actions.DefaultCosts(),
		},
		Market: MarketConfig{
			FeeRate:          m.FeeRate,
			SpreadBps:        m.DefaultSpreadBps,
			MakerQuantity:    m.MakerQuantity,
			BreakerThreshold: m.BreakerThreshold,
			BreakerWindow:    m.BreakerWindow,
			HaltDuration:     m.HaltDuration,
		},
		RateLimit: RateLimitConfig{RPS: 5, Burst: 20},
		Logging:   LoggingConfig{Level: "info", Format: "json"},
		Seeds: []service.InstrumentSeed{
			{Instrument: "grain", BasePrice: 200, Essential: true},
			{Instrument: "timber", BasePrice: 80},
			{Instrument: "iron", BasePrice: 150},
			{Instrument: "cloth", BasePrice: 120},
		},
	}
}

// Load загружает конфигурацию из CONFIG_FILE и переменных окружения
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.validateRanges(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile накладывает YAML поверх текущих значений
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// applyEnv переопределяет значения из переменных окружения
func (c *Config) applyEnv() {
	c.Server.Host = getEnv("SERVER_HOST", c.Server.Host)
	c.Server.Port = getEnvAsInt("SERVER_PORT", c.Server.Port)
	c.Server.AllowedOrigins = getEnvAsList("SERVER_ALLOWED_ORIGINS", c.Server.AllowedOrigins)
	c.Server.ReadTimeout = getEnvAsDuration("SERVER_READ_TIMEOUT", c.Server.ReadTimeout)
	c.Server.WriteTimeout = getEnvAsDuration("SERVER_WRITE_TIMEOUT", c.Server.WriteTimeout)
	c.Server.ShutdownTimeout = getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout)
	c.Server.RunWorker = getEnvAsBool("SERVER_RUN_WORKER", c.Server.RunWorker)

	c.Database.Host = getEnv("DB_HOST", c.Database.Host)
	c.Database.Port = getEnvAsInt("DB_PORT", c.Database.Port)
	c.Database.Name = getEnv("DB_NAME", c.Database.Name)
	c.Database.User = getEnv("DB_USER", c.Database.User)
	c.Database.Password = getEnv("DB_PASSWORD", c.Database.Password)
	c.Database.SSLMode = getEnv("DB_SSL_MODE", c.Database.SSLMode)
	c.Database.MaxOpenConns = getEnvAsInt("DB_MAX_OPEN_CONNS", c.Database.MaxOpenConns)
	c.Database.MaxIdleConns = getEnvAsInt("DB_MAX_IDLE_CONNS", c.Database.MaxIdleConns)
	c.Database.ConnMaxLifetime = getEnvAsDuration("DB_CONN_MAX_LIFETIME", c.Database.ConnMaxLifetime)

	c.Scheduler.PollInterval = getEnvAsDuration("SCHEDULER_POLL_INTERVAL", c.Scheduler.PollInterval)
	c.Scheduler.BatchSize = getEnvAsInt("SCHEDULER_BATCH_SIZE", c.Scheduler.BatchSize)
	c.Scheduler.Loops = getEnvAsInt("SCHEDULER_LOOPS", c.Scheduler.Loops)
	c.Scheduler.ClaimTimeout = getEnvAsDuration("SCHEDULER_CLAIM_TIMEOUT", c.Scheduler.ClaimTimeout)
	c.Scheduler.ReapInterval = getEnvAsDuration("SCHEDULER_REAP_INTERVAL", c.Scheduler.ReapInterval)
	c.Scheduler.MakerInterval = getEnvAsDuration("MAKER_REFRESH_INTERVAL", c.Scheduler.MakerInterval)

	c.Actions.QueueCapacity = getEnvAsInt("ACTION_QUEUE_CAPACITY", c.Actions.QueueCapacity)
	c.Actions.MinDuration = getEnvAsDuration("ACTION_MIN_DURATION", c.Actions.MinDuration)
	c.Actions.MaxRetries = getEnvAsInt("ACTION_MAX_RETRIES", c.Actions.MaxRetries)
	c.Actions.HistoryLimit = getEnvAsInt("ACTION_HISTORY_LIMIT", c.Actions.HistoryLimit)

	c.Market.FeeRate = getEnvAsFloat("MARKET_FEE_RATE", c.Market.FeeRate)
	c.Market.SpreadBps = int64(getEnvAsInt("MARKET_SPREAD_BPS", int(c.Market.SpreadBps)))
	c.Market.MakerQuantity = int64(getEnvAsInt("MARKET_MAKER_QUANTITY", int(c.Market.MakerQuantity)))
	c.Market.BreakerThreshold = getEnvAsFloat("MARKET_BREAKER_THRESHOLD", c.Market.BreakerThreshold)
	c.Market.BreakerWindow = getEnvAsDuration("MARKET_BREAKER_WINDOW", c.Market.BreakerWindow)
	c.Market.HaltDuration = getEnvAsDuration("MARKET_HALT_DURATION", c.Market.HaltDuration)

	c.RateLimit.RPS = getEnvAsFloat("RATE_LIMIT_RPS", c.RateLimit.RPS)
	c.RateLimit.Burst = getEnvAsFloat("RATE_LIMIT_BURST", c.RateLimit.Burst)

	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("LOG_FORMAT", c.Logging.Format)
	c.Logging.Output = getEnv("LOG_OUTPUT", c.Logging.Output)
	c.Logging.Development = getEnvAsBool("LOG_DEVELOPMENT", c.Logging.Development)
}

// validateRanges проверяет числовые диапазоны параметров
func (c *Config) validateRanges() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("DB_PORT must be between 1 and 65535, got %d", c.Database.Port)
	}
	if c.Database.MaxOpenConns < 1 {
		return fmt.Errorf("DB_MAX_OPEN_CONNS must be positive, got %d", c.Database.MaxOpenConns)
	}

	if c.Scheduler.PollInterval <= 0 {
		return fmt.Errorf("SCHEDULER_POLL_INTERVAL must be positive, got %v", c.Scheduler.PollInterval)
	}
	if c.Scheduler.BatchSize < 1 || c.Scheduler.BatchSize > 1000 {
		return fmt.Errorf("SCHEDULER_BATCH_SIZE must be between 1 and 1000, got %d", c.Scheduler.BatchSize)
	}
	if c.Scheduler.Loops < 1 || c.Scheduler.Loops > 64 {
		return fmt.Errorf("SCHEDULER_LOOPS must be between 1 and 64, got %d", c.Scheduler.Loops)
	}
	if c.Scheduler.ClaimTimeout < time.Second {
		return fmt.Errorf("SCHEDULER_CLAIM_TIMEOUT must be at least 1s, got %v", c.Scheduler.ClaimTimeout)
	}
	// 0 = мейкер выключен
	if c.Scheduler.MakerInterval < 0 {
		return fmt.Errorf("MAKER_REFRESH_INTERVAL cannot be negative, got %v", c.Scheduler.MakerInterval)
	}

	if c.Actions.QueueCapacity < 1 {
		return fmt.Errorf("ACTION_QUEUE_CAPACITY must be positive, got %d", c.Actions.QueueCapacity)
	}
	if c.Actions.MinDuration < time.Second {
		return fmt.Errorf("ACTION_MIN_DURATION must be at least 1s, got %v", c.Actions.MinDuration)
	}
	if c.Actions.MaxRetries < 1 || c.Actions.MaxRetries > 10 {
		return fmt.Errorf("ACTION_MAX_RETRIES must be between 1 and 10, got %d", c.Actions.MaxRetries)
	}

	if c.Market.FeeRate < 0 || c.Market.FeeRate >= 1 {
		return fmt.Errorf("MARKET_FEE_RATE must be in [0, 1), got %v", c.Market.FeeRate)
	}
	if c.Market.SpreadBps < 1 || c.Market.SpreadBps > 5000 {
		return fmt.Errorf("MARKET_SPREAD_BPS must be between 1 and 5000, got %d", c.Market.SpreadBps)
	}
	if c.Market.MakerQuantity < 1 {
		return fmt.Errorf("MARKET_MAKER_QUANTITY must be positive, got %d", c.Market.MakerQuantity)
	}
	if c.Market.BreakerThreshold <= 0 || c.Market.BreakerThreshold >= 1 {
		return fmt.Errorf("MARKET_BREAKER_THRESHOLD must be in (0, 1), got %v", c.Market.BreakerThreshold)
	}
	if c.Market.BreakerWindow <= 0 || c.Market.HaltDuration <= 0 {
		return fmt.Errorf("MARKET_BREAKER_WINDOW and MARKET_HALT_DURATION must be positive")
	}

	if c.RateLimit.RPS <= 0 || c.RateLimit.Burst < 1 {
		return fmt.Errorf("RATE_LIMIT_RPS must be positive and RATE_LIMIT_BURST at least 1")
	}

	seen := make(map[string]bool, len(c.Seeds))
	for _, s := range c.Seeds {
		name := utils.NormalizeInstrument(s.Instrument)
		if err := utils.ValidateInstrument(name); err != nil {
			return fmt.Errorf("instrument %q: %w", s.Instrument, err)
		}
		if s.BasePrice <= 0 {
			return fmt.Errorf("instrument %s: base_price must be positive", name)
		}
		if seen[name] {
			return fmt.Errorf("instrument %s is listed twice", name)
		}
		seen[name] = true
	}
	return nil
}

// WorkerConfig - параметры фоновых циклов
func (c *Config) WorkerConfig() worker.Config {
	return worker.Config{
		PollInterval:  c.Scheduler.PollInterval,
		BatchSize:     c.Scheduler.BatchSize,
		Loops:         c.Scheduler.Loops,
		ClaimTimeout:  c.Scheduler.ClaimTimeout,
		ReapInterval:  c.Scheduler.ReapInterval,
		MakerInterval: c.Scheduler.MakerInterval,
	}
}

// ActionConfig - параметры очереди действий
func (c *Config) ActionConfig() service.ActionConfig {
	return service.ActionConfig{
		QueueCapacity: c.Actions.QueueCapacity,
		MinDuration:   c.Actions.MinDuration,
		MaxRetries:    c.Actions.MaxRetries,
		HistoryLimit:  c.Actions.HistoryLimit,
	}
}

// MarketEngineConfig - параметры движка рынка поверх значений по умолчанию
func (c *Config) MarketEngineConfig() market.Config {
	m := market.DefaultConfig()
	m.FeeRate = c.Market.FeeRate
	m.DefaultSpreadBps = c.Market.SpreadBps
	m.MakerQuantity = c.Market.MakerQuantity
	m.BreakerThreshold = c.Market.BreakerThreshold
	m.BreakerWindow = c.Market.BreakerWindow
	m.HaltDuration = c.Market.HaltDuration
	return m
}

// LogConfig - настройки логгера
func (c *Config) LogConfig() utils.LogConfig {
	return utils.LogConfig{
		Level:       c.Logging.Level,
		Format:      c.Logging.Format,
		Output:      c.Logging.Output,
		Development: c.Logging.Development,
	}
}

// Addr - адрес HTTP сервера
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DSN возвращает строку подключения к базе данных
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// DSNWithoutPassword возвращает строку подключения без пароля (для логирования)
func (d DatabaseConfig) DSNWithoutPassword() string {
	return fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Name, d.SSLMode)
}

// Вспомогательные функции для чтения переменных окружения

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	value, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	value, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsList(key string, defaultValue []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
