package database

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	migrateV4 "github.com/golang-migrate/migrate/v4"
	migratePostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	gormPostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/yourusername/candy-api/internal/config"
)

// DefaultMigrationsSource - источник миграций, если в конфиге путь не задан
const DefaultMigrationsSource = "file://migrations"

// poolSettings - параметры пула *sql.DB после подстановки умолчаний
type poolSettings struct {
	maxOpen     int
	maxIdle     int
	maxLifetime time.Duration
}

func poolFromConfig(cfg config.DatabaseConfig) poolSettings {
	p := poolSettings{maxOpen: 25, maxIdle: 10, maxLifetime: time.Hour}
	if cfg.MaxOpenConns > 0 {
		p.maxOpen = cfg.MaxOpenConns
	}
	if cfg.MaxIdleConns > 0 {
		p.maxIdle = cfg.MaxIdleConns
	}
	if p.maxIdle > p.maxOpen {
		p.maxIdle = p.maxOpen
	}
	if lifetime := cfg.ConnMaxLifetime(); lifetime > 0 {
		p.maxLifetime = lifetime
	}
	return p
}

// gormLogLevel переводит имя уровня из конфига в уровень gorm. Пустое значение - warn:
// на уровне info gorm пишет каждый SQL-запрос.
func gormLogLevel(name string) (logger.LogLevel, error) {
	switch name {
	case "silent":
		return logger.Silent, nil
	case "error":
		return logger.Error, nil
	case "", "warn":
		return logger.Warn, nil
	case "info":
		return logger.Info, nil
	default:
		return 0, fmt.Errorf("unknown gorm log level %q", name)
	}
}

// NewPostgresDB открывает пул соединений к PostgreSQL с параметрами из конфига
func NewPostgresDB(cfg config.DatabaseConfig) (*gorm.DB, error) {
	level, err := gormLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(gormPostgres.Open(cfg.PostgresConnectionString()), &gorm.Config{
		Logger: logger.Default.LogMode(level),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	pool := poolFromConfig(cfg)
	sqlDB.SetMaxOpenConns(pool.maxOpen)
	sqlDB.SetMaxIdleConns(pool.maxIdle)
	sqlDB.SetConnMaxLifetime(pool.maxLifetime)

	log.Printf("[Database] Подключение к %s/%s: пул %d/%d, lifetime %s",
		cfg.Host, cfg.DBName, pool.maxOpen, pool.maxIdle, pool.maxLifetime)
	return db, nil
}

// MigrateDB применяет миграции "up" из источника source (например "file://migrations").
// Пустой source - DefaultMigrationsSource.
func MigrateDB(db *gorm.DB, source string) error {
	if source == "" {
		source = DefaultMigrationsSource
	}
	log.Printf("[Database] Применяем миграции из %s", source)

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("не удалось получить *sql.DB из *gorm.DB: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("не удалось проверить подключение к БД перед миграцией: %w", err)
	}

	driver, err := migratePostgres.WithInstance(sqlDB, &migratePostgres.Config{})
	if err != nil {
		return fmt.Errorf("не удалось создать драйвер postgres для migrate: %w", err)
	}

	m, err := migrateV4.NewWithDatabaseInstance(source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("не удалось создать экземпляр migrate (%s): %w", source, err)
	}

	switch err := m.Up(); {
	case errors.Is(err, migrateV4.ErrNoChange):
		log.Println("[Database] Схема актуальна, новых миграций нет")
	case err != nil:
		return fmt.Errorf("ошибка применения миграций 'up': %w", err)
	default:
		version, dirty, _ := m.Version()
		log.Printf("[Database] Миграции применены, версия схемы %d (dirty: %t)", version, dirty)
	}
	return nil
}

// GetSQLDB возвращает базовый *sql.DB из *gorm.DB
func GetSQLDB(gormDB *gorm.DB) (*sql.DB, error) {
	sqlDB, err := gormDB.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	return sqlDB, nil
}
