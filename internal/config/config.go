package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// minJWTSecretLength - минимальная длина секрета для подписи ссылок входа
const minJWTSecretLength = 32

// Config хранит все настройки приложения
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Claim    ClaimConfig
	Identity IdentityConfig
	Email    EmailConfig
	SMS      SMSConfig
	Admin    AdminConfig
	CORS     CORSConfig
	Visitor  VisitorConfig
}

// ServerConfig содержит настройки HTTP сервера
type ServerConfig struct {
	Port         string
	ReadTimeout  int `mapstructure:"read_timeout"`
	WriteTimeout int `mapstructure:"write_timeout"`
}

// DatabaseConfig содержит настройки подключения к PostgreSQL
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string

	// MigrationsPath: источник golang-migrate, например "file://migrations"
	MigrationsPath     string `mapstructure:"migrations_path"`
	MaxOpenConns       int    `mapstructure:"max_open_conns"`
	MaxIdleConns       int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetimeMin int    `mapstructure:"conn_max_lifetime_min"`
	// LogLevel: уровень логгера gorm ("silent", "error", "warn", "info")
	LogLevel string `mapstructure:"log_level"`
}

// RedisConfig содержит унифицированные настройки подключения к Redis
// Поддерживает режимы: single, sentinel, cluster
type RedisConfig struct {
	// Mode: Режим работы Redis ("single", "sentinel", "cluster"). По умолчанию "single".
	Mode string `mapstructure:"mode"`

	// Addrs: Список адресов Redis (хост:порт).
	Addrs []string `mapstructure:"addrs"`

	// Addr: Адрес для режима 'single', если Addrs пустой.
	Addr string `mapstructure:"addr"`

	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`

	// MasterName: Имя мастер-сервера Redis (только для режима "sentinel")
	MasterName string `mapstructure:"master_name"`

	MaxRetries      int `mapstructure:"max_retries"`
	MinRetryBackoff int `mapstructure:"min_retry_backoff"` // мс
	MaxRetryBackoff int `mapstructure:"max_retry_backoff"` // мс
}

// ClaimConfig содержит настройки claim-потока и проверки владельца
type ClaimConfig struct {
	CountryCode      string `mapstructure:"country_code"`
	CooldownSec      int    `mapstructure:"cooldown_sec"`
	MagicLinkWaitSec int    `mapstructure:"magic_link_wait_sec"`
	PollIntervalSec  int    `mapstructure:"poll_interval_sec"`
	// PhoneMatchPolicy: "strict" или "normalized". Обязателен.
	PhoneMatchPolicy   string `mapstructure:"phone_match_policy"`
	FlowTTLMin         int    `mapstructure:"flow_ttl_min"`
	MaxFlowsPerVisitor int    `mapstructure:"max_flows_per_visitor"`
	ListCacheTTLSec    int    `mapstructure:"list_cache_ttl_sec"`
}

// IdentityConfig содержит настройки кодов, сессий и ссылок входа
type IdentityConfig struct {
	JWTSecret         string `mapstructure:"jwt_secret"`
	CodePepper        string `mapstructure:"code_pepper"`
	OTPTTLSec         int    `mapstructure:"otp_ttl_sec"`
	OTPMaxAttempts    int    `mapstructure:"otp_max_attempts"`
	ResendCooldownSec int    `mapstructure:"resend_cooldown_sec"`
	SessionTTLHrs     int    `mapstructure:"session_ttl_hrs"`
	MagicLinkTTLMin   int    `mapstructure:"magic_link_ttl_min"`
	PublicBaseURL     string `mapstructure:"public_base_url"`
}

// EmailConfig содержит настройки отправки писем через Resend
type EmailConfig struct {
	ResendAPIKey string `mapstructure:"resend_api_key"`
	From         string `mapstructure:"from"`
}

// SMSConfig содержит настройки SMS-шлюза
type SMSConfig struct {
	// Mode: "http" (SMS Local API), "log" (код пишется в лог, только для разработки) или "disabled"
	Mode     string `mapstructure:"mode"`
	APIKey   string `mapstructure:"api_key"`
	BaseURL  string `mapstructure:"base_url"`
	SenderID string `mapstructure:"sender_id"`
}

// AdminConfig содержит bcrypt-хеш ключа администратора
type AdminConfig struct {
	KeyHash string `mapstructure:"key_hash"`
}

// CORSConfig содержит разрешенные источники фронтенда
type CORSConfig struct {
	Origins []string `mapstructure:"origins"`
}

// VisitorConfig содержит настройки cookie анонимного посетителя
type VisitorConfig struct {
	CookieMaxAgeDays int    `mapstructure:"cookie_max_age_days"`
	CookieDomain     string `mapstructure:"cookie_domain"`
	CookieSecure     bool   `mapstructure:"cookie_secure"`
}

// PostgresConnectionString формирует строку подключения к PostgreSQL
func (d *DatabaseConfig) PostgresConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// ConnMaxLifetime возвращает максимальное время жизни соединения в пуле
func (d *DatabaseConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(d.ConnMaxLifetimeMin) * time.Minute
}

// Cooldown возвращает паузу между повторными отправками кода
func (c ClaimConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownSec) * time.Second
}

// MagicLinkWait возвращает время ожидания перехода по ссылке из письма
func (c ClaimConfig) MagicLinkWait() time.Duration {
	return time.Duration(c.MagicLinkWaitSec) * time.Second
}

// PollInterval возвращает интервал опроса сессии
func (c ClaimConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

// FlowTTL возвращает время жизни неактивного потока
func (c ClaimConfig) FlowTTL() time.Duration {
	return time.Duration(c.FlowTTLMin) * time.Minute
}

// ListCacheTTL возвращает время жизни кеша списка локаций
func (c ClaimConfig) ListCacheTTL() time.Duration {
	return time.Duration(c.ListCacheTTLSec) * time.Second
}

// Load загружает конфигурацию из файла и переменных окружения
func Load(configPath string) (*Config, error) {
	vip := viper.New()

	// 1. Значения по умолчанию
	vip.SetDefault("server.port", "8080")
	vip.SetDefault("server.read_timeout", 15)
	vip.SetDefault("server.write_timeout", 15)
	vip.SetDefault("database.sslmode", "disable")
	vip.SetDefault("database.migrations_path", "file://migrations")
	vip.SetDefault("database.max_open_conns", 25)
	vip.SetDefault("database.max_idle_conns", 10)
	vip.SetDefault("database.conn_max_lifetime_min", 60)
	vip.SetDefault("database.log_level", "warn")
	vip.SetDefault("redis.mode", "single")
	vip.SetDefault("claim.country_code", "27")
	vip.SetDefault("claim.cooldown_sec", 60)
	vip.SetDefault("claim.magic_link_wait_sec", 300)
	vip.SetDefault("claim.poll_interval_sec", 2)
	vip.SetDefault("claim.flow_ttl_min", 30)
	vip.SetDefault("claim.max_flows_per_visitor", 5)
	vip.SetDefault("claim.list_cache_ttl_sec", 30)
	vip.SetDefault("identity.otp_ttl_sec", 600)
	vip.SetDefault("identity.otp_max_attempts", 5)
	vip.SetDefault("identity.resend_cooldown_sec", 60)
	vip.SetDefault("identity.session_ttl_hrs", 168)
	vip.SetDefault("identity.magic_link_ttl_min", 15)
	vip.SetDefault("sms.mode", "http")
	vip.SetDefault("visitor.cookie_max_age_days", 365)

	// 2. Привязываем переменные окружения ЯВНО
	// Database
	vip.BindEnv("database.host", "DATABASE_HOST")
	vip.BindEnv("database.port", "DATABASE_PORT")
	vip.BindEnv("database.user", "DATABASE_USER")
	vip.BindEnv("database.password", "DATABASE_PASSWORD")
	vip.BindEnv("database.dbname", "DATABASE_DBNAME")
	vip.BindEnv("database.sslmode", "DATABASE_SSLMODE")
	vip.BindEnv("database.migrations_path", "DATABASE_MIGRATIONS_PATH")
	vip.BindEnv("database.max_open_conns", "DATABASE_MAX_OPEN_CONNS")
	vip.BindEnv("database.max_idle_conns", "DATABASE_MAX_IDLE_CONNS")
	vip.BindEnv("database.conn_max_lifetime_min", "DATABASE_CONN_MAX_LIFETIME_MIN")
	vip.BindEnv("database.log_level", "DATABASE_LOG_LEVEL")

	// Redis
	vip.BindEnv("redis.mode", "REDIS_MODE")
	vip.BindEnv("redis.addrs", "REDIS_ADDRS")
	vip.BindEnv("redis.addr", "REDIS_ADDR")
	vip.BindEnv("redis.password", "REDIS_PASSWORD")
	vip.BindEnv("redis.db", "REDIS_DB")
	vip.BindEnv("redis.master_name", "REDIS_MASTER_NAME")

	// Server
	vip.BindEnv("server.port", "SERVER_PORT")

	// Claim
	vip.BindEnv("claim.country_code", "CLAIM_COUNTRY_CODE")
	vip.BindEnv("claim.cooldown_sec", "CLAIM_COOLDOWN_SEC")
	vip.BindEnv("claim.magic_link_wait_sec", "CLAIM_MAGIC_LINK_WAIT_SEC")
	vip.BindEnv("claim.poll_interval_sec", "CLAIM_POLL_INTERVAL_SEC")
	vip.BindEnv("claim.phone_match_policy", "CLAIM_PHONE_MATCH_POLICY")
	vip.BindEnv("claim.flow_ttl_min", "CLAIM_FLOW_TTL_MIN")
	vip.BindEnv("claim.max_flows_per_visitor", "CLAIM_MAX_FLOWS_PER_VISITOR")
	vip.BindEnv("claim.list_cache_ttl_sec", "CLAIM_LIST_CACHE_TTL_SEC")

	// Identity
	vip.BindEnv("identity.jwt_secret", "IDENTITY_JWT_SECRET")
	vip.BindEnv("identity.code_pepper", "IDENTITY_CODE_PEPPER")
	vip.BindEnv("identity.otp_ttl_sec", "IDENTITY_OTP_TTL_SEC")
	vip.BindEnv("identity.otp_max_attempts", "IDENTITY_OTP_MAX_ATTEMPTS")
	vip.BindEnv("identity.resend_cooldown_sec", "IDENTITY_RESEND_COOLDOWN_SEC")
	vip.BindEnv("identity.session_ttl_hrs", "IDENTITY_SESSION_TTL_HRS")
	vip.BindEnv("identity.magic_link_ttl_min", "IDENTITY_MAGIC_LINK_TTL_MIN")
	vip.BindEnv("identity.public_base_url", "IDENTITY_PUBLIC_BASE_URL")

	// Email / SMS
	vip.BindEnv("email.resend_api_key", "RESEND_API_KEY")
	vip.BindEnv("email.from", "EMAIL_FROM")
	vip.BindEnv("sms.mode", "SMS_MODE")
	vip.BindEnv("sms.api_key", "SMS_API_KEY")
	vip.BindEnv("sms.base_url", "SMS_BASE_URL")
	vip.BindEnv("sms.sender_id", "SMS_SENDER_ID")

	// Admin / CORS / Visitor
	vip.BindEnv("admin.key_hash", "ADMIN_KEY_HASH")
	vip.BindEnv("cors.origins", "CORS_ORIGINS")
	vip.BindEnv("visitor.cookie_domain", "VISITOR_COOKIE_DOMAIN")
	vip.BindEnv("visitor.cookie_secure", "VISITOR_COOKIE_SECURE")

	// 3. Файл конфигурации необязателен
	if configPath != "" {
		vip.SetConfigFile(configPath)
		if err := vip.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); ok || os.IsNotExist(err) {
				log.Printf("Файл конфигурации '%s' не найден, используются переменные окружения/умолчания.", configPath)
			} else {
				log.Printf("Предупреждение: не удалось прочитать файл конфигурации '%s': %v", configPath, err)
			}
		}
	}

	// 4. Анмаршалим конфигурацию
	var cfg Config
	if err := vip.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Списки из env приходят одной строкой через запятую
	cfg.Redis.Addrs = splitList(cfg.Redis.Addrs)
	cfg.CORS.Origins = splitList(cfg.CORS.Origins)

	// 5. Логирование конфигурации (только в debug режиме)
	if os.Getenv("GIN_MODE") != "release" {
		log.Printf("--- Загруженные значения конфигурации ---")
		log.Printf("Database Host: %s", cfg.Database.Host)
		log.Printf("Database Name: %s", cfg.Database.DBName)
		log.Printf("Database Migrations: %s, Log Level: %s", cfg.Database.MigrationsPath, cfg.Database.LogLevel)
		log.Printf("Redis Addr: %s, Addrs: %v, Mode: %s", cfg.Redis.Addr, cfg.Redis.Addrs, cfg.Redis.Mode)
		log.Printf("Claim Country Code: %s", cfg.Claim.CountryCode)
		log.Printf("Claim Phone Match Policy: %s", cfg.Claim.PhoneMatchPolicy)
		log.Printf("Identity JWT Secret Set: %t", cfg.Identity.JWTSecret != "")
		log.Printf("Identity Public Base URL: %s", cfg.Identity.PublicBaseURL)
		log.Printf("Email Configured: %t", cfg.Email.ResendAPIKey != "")
		log.Printf("SMS Mode: %s", cfg.SMS.Mode)
		log.Printf("Admin Key Set: %t", cfg.Admin.KeyHash != "")
		log.Printf("CORS Origins: %v", cfg.CORS.Origins)
		log.Printf("Server Port: %s", cfg.Server.Port)
		log.Printf("-----------------------------------------")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate проверяет обязательные параметры
func (c *Config) Validate() error {
	if c.Database.Host == "" || c.Database.DBName == "" || c.Database.User == "" {
		return fmt.Errorf("database configuration (host, dbname, user) is incomplete in config (check DATABASE_HOST, DATABASE_DBNAME, DATABASE_USER env vars)")
	}
	switch c.Database.LogLevel {
	case "", "silent", "error", "warn", "info":
	default:
		return fmt.Errorf("unknown database log level %q (expected silent, error, warn or info)", c.Database.LogLevel)
	}
	if c.Database.MaxOpenConns > 0 && c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("database max idle conns (%d) exceeds max open conns (%d)", c.Database.MaxIdleConns, c.Database.MaxOpenConns)
	}
	switch c.Claim.PhoneMatchPolicy {
	case "strict", "normalized":
	case "":
		return fmt.Errorf("claim phone match policy is required (check CLAIM_PHONE_MATCH_POLICY env var: strict or normalized)")
	default:
		return fmt.Errorf("unknown claim phone match policy %q (expected strict or normalized)", c.Claim.PhoneMatchPolicy)
	}
	if len(c.Identity.JWTSecret) < minJWTSecretLength {
		return fmt.Errorf("identity jwt secret must be at least %d characters (check IDENTITY_JWT_SECRET env var)", minJWTSecretLength)
	}
	if c.Identity.PublicBaseURL == "" {
		return fmt.Errorf("identity public base url is required (check IDENTITY_PUBLIC_BASE_URL env var)")
	}
	switch c.SMS.Mode {
	case "http":
		if c.SMS.APIKey == "" {
			return fmt.Errorf("sms api key is required in http mode (check SMS_API_KEY env var)")
		}
	case "log", "disabled":
		if c.SMS.Mode == "log" && os.Getenv("GIN_MODE") == "release" {
			return fmt.Errorf("sms log mode is not allowed in release mode")
		}
	default:
		return fmt.Errorf("unknown sms mode %q (expected http, log or disabled)", c.SMS.Mode)
	}
	if c.Email.ResendAPIKey != "" && c.Email.From == "" {
		return fmt.Errorf("email from is required when resend api key is set (check EMAIL_FROM env var)")
	}
	if len(c.CORS.Origins) == 0 {
		log.Println("Warning: CORS origins are empty, browser requests with Origin will be rejected.")
	}
	return nil
}

func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
