// Пакет config отвечает за сбор и предоставление конфигурации всего приложения.
// Он:
//  1. читает переменные окружения из .env (через godotenv),
//  2. нормализует и валидирует входные значения,
//  3. фиксирует результат в singleton и глобальную таймзону приложения.
//
// Бизнес-контекст: бот слушает групповые чаты и каналы через MTProto-клиента,
// сопоставляет входящие сообщения с подписками пользователей на ключевые слова
// и доставляет уведомления через Bot API. Конфиг среды управляет подключением
// к Telegram, ёмкостью конвейера, окнами дедупликации, лимитами и логированием.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"telegram-keyword-bot/internal/infra/timeutil"

	"github.com/joho/godotenv"
)

// EnvConfig описывает параметры, приходящие из окружения (.env). Это
// «операционные» настройки запуска: учётные данные MTProto и Bot API,
// лог-уровень, ёмкости и окна конвейера, пути файлов состояния.
//
// NB: значения уже проходят минимальную валидацию и нормализацию в loadConfig.
// В рантайме по месту использования предполагается, что EnvConfig последователен.
type EnvConfig struct {
	APIID       int
	APIHash     string
	PhoneNumber string
	BotToken    string
	AdminUID    int64
	TestDC      bool

	SessionFile  string
	RegistryFile string
	ExportDir    string

	LogLevel    string
	AppTimezone string

	ThrottleRPS int

	// Конвейер сопоставления и доставки
	QueueCapacity      int
	EventDedupSec      int
	NotifyDedupSec     int
	AggregateThreshold int
	AggregateSec       int
	DelaySweepSec      int
	MaxSubscriptions   int
	CmdRateLimit       int
	CmdRateWindowSec   int
	DefaultTemplate    string

	// Файловое логирование
	LogFile           string
	LogFileLevel      string
	LogFileMaxSize    int
	LogFileMaxBackups int
	LogFileMaxAge     int
	LogFileCompress   bool
}

// Config хранит конфигурацию среды.
//
// Потокобезопасность: публичные геттеры берут RLock. Конфигурация после
// загрузки не мутируется; перечитывание требует перезапуска процесса.
type Config struct {
	Env      EnvConfig
	warnings []string
	mu       sync.RWMutex
}

// Значения по умолчанию для параметров окружения и связанных файлов.
const (
	defaultThrottleRPS        = 1
	defaultLogLevel           = "info"
	defaultAppTimezone        = "Asia/Shanghai"
	defaultSessionFile        = "data/session.bin"
	defaultRegistryFile       = "data/registry.bbolt"
	defaultExportDir          = "data/exports"
	defaultQueueCapacity      = 1000
	defaultEventDedupSec      = 120
	defaultNotifyDedupSec     = 600
	defaultAggregateThreshold = 5
	defaultAggregateSec       = 300
	defaultDelaySweepSec      = 5
	defaultMaxSubscriptions   = 30
	defaultCmdRateLimit       = 3
	defaultCmdRateWindowSec   = 60
	// Файловое логирование (LOG_FILE не имеет дефолта — должен быть явно указан для активации)
	defaultLogFileLevel      = "debug"
	defaultLogFileMaxSize    = 50
	defaultLogFileMaxBackups = 3
	defaultLogFileMaxAge     = 7
	defaultLogFileCompress   = true
)

// defaultTemplate — шаблон уведомления по умолчанию; подставляется, когда у
// подписки нет собственного шаблона. Плейсхолдеры описаны в пакете delivery.
const defaultTemplate = "🔔 {keyword} matched in {chat_title}\n" +
	"From: {sender_name} (@{sender_username})\n" +
	"Source: {source}"

var (
	cfgInstance *Config
	cfgDone     bool
	cfgMu       sync.Mutex
)

// AppLocation — глобальная таймзона приложения, инициализируется в Load.
var AppLocation *time.Location

// Load — точка входа для инициализации глобальной конфигурации приложения.
// При первом вызове читает .env, формирует EnvConfig и фиксирует singleton.
// Повторный вызов запрещён (возвращается ошибка), чтобы избежать гонок
// конфигурации на старте.
func Load(envPath string) error {
	cfgMu.Lock()
	defer cfgMu.Unlock()
	if cfgDone {
		return errors.New("config already loaded")
	}
	newCfg, err := loadConfig(envPath)
	if err != nil {
		return err
	}
	cfgInstance = newCfg
	cfgDone = true
	return nil
}

// loadConfig выполняет фактическую загрузку/валидацию без установки глобального
// состояния. Удобно для тестов: можно собрать временный Config и проверить его.
func loadConfig(envPath string) (*Config, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("failed to load .env: %w", err)
		}
	}

	apiID, err := parseRequiredInt("API_ID")
	if err != nil {
		return nil, err
	}

	apiHash := strings.TrimSpace(os.Getenv("API_HASH"))
	if apiHash == "" {
		return nil, errors.New("env API_HASH must be set")
	}

	phone := strings.TrimSpace(os.Getenv("PHONE_NUMBER"))
	if phone == "" {
		return nil, errors.New("env PHONE_NUMBER must be set")
	}

	botToken := strings.TrimSpace(os.Getenv("BOT_TOKEN"))
	if botToken == "" {
		return nil, errors.New("env BOT_TOKEN must be set")
	}

	var warnings []string

	adminUID := int64(parseIntDefault("ADMIN_UID", 0, nonNegative, &warnings))
	logLevel := sanitizeLogLevel(os.Getenv("LOG_LEVEL"), defaultLogLevel, &warnings)
	appTimezone := strings.TrimSpace(os.Getenv("APP_TIMEZONE"))
	if appTimezone == "" {
		appTimezone = defaultAppTimezone
	}
	testDC := strings.EqualFold(strings.TrimSpace(os.Getenv("TEST_DC")), "true")

	env := EnvConfig{
		APIID:       apiID,
		APIHash:     apiHash,
		PhoneNumber: phone,
		BotToken:    botToken,
		AdminUID:    adminUID,
		TestDC:      testDC,
		LogLevel:    logLevel,
		AppTimezone: appTimezone,

		SessionFile:  sanitizeFile("SESSION_FILE", os.Getenv("SESSION_FILE"), defaultSessionFile, &warnings),
		RegistryFile: sanitizeFile("REGISTRY_FILE", os.Getenv("REGISTRY_FILE"), defaultRegistryFile, &warnings),
		ExportDir:    sanitizeFile("EXPORT_DIR", os.Getenv("EXPORT_DIR"), defaultExportDir, &warnings),

		ThrottleRPS: parseIntDefault("THROTTLE_RPS", defaultThrottleRPS, greaterThanZero, &warnings),

		QueueCapacity:      parseIntDefault("QUEUE_CAPACITY", defaultQueueCapacity, greaterThanZero, &warnings),
		EventDedupSec:      parseIntDefault("EVENT_DEDUP_WINDOW_SEC", defaultEventDedupSec, nonNegative, &warnings),
		NotifyDedupSec:     parseIntDefault("NOTIFY_DEDUP_WINDOW_SEC", defaultNotifyDedupSec, greaterThanZero, &warnings),
		AggregateThreshold: parseIntDefault("AGGREGATE_THRESHOLD", defaultAggregateThreshold, greaterThanZero, &warnings),
		AggregateSec:       parseIntDefault("AGGREGATE_INTERVAL_SEC", defaultAggregateSec, greaterThanZero, &warnings),
		DelaySweepSec:      parseIntDefault("DELAY_SWEEP_SEC", defaultDelaySweepSec, greaterThanZero, &warnings),
		MaxSubscriptions:   parseIntDefault("MAX_SUBSCRIPTIONS", defaultMaxSubscriptions, greaterThanZero, &warnings),
		CmdRateLimit:       parseIntDefault("CMD_RATE_LIMIT", defaultCmdRateLimit, greaterThanZero, &warnings),
		CmdRateWindowSec:   parseIntDefault("CMD_RATE_WINDOW_SEC", defaultCmdRateWindowSec, greaterThanZero, &warnings),
		DefaultTemplate:    sanitizeTemplate(os.Getenv("DEFAULT_TEMPLATE"), &warnings),

		LogFile:           strings.TrimSpace(os.Getenv("LOG_FILE")),
		LogFileLevel:      sanitizeLogLevel(os.Getenv("LOG_FILE_LEVEL"), defaultLogFileLevel, &warnings),
		LogFileMaxSize:    parseIntDefault("LOG_FILE_MAX_SIZE_MB", defaultLogFileMaxSize, greaterThanZero, &warnings),
		LogFileMaxBackups: parseIntDefault("LOG_FILE_MAX_BACKUPS", defaultLogFileMaxBackups, nonNegative, &warnings),
		LogFileMaxAge:     parseIntDefault("LOG_FILE_MAX_AGE_DAYS", defaultLogFileMaxAge, nonNegative, &warnings),
		LogFileCompress:   parseBoolDefault("LOG_FILE_COMPRESS", defaultLogFileCompress, &warnings),
	}

	AppLocation, err = timeutil.ParseLocation(env.AppTimezone)
	if err != nil {
		return nil, fmt.Errorf("invalid APP_TIMEZONE %q: %w", env.AppTimezone, err)
	}

	return &Config{Env: env, warnings: warnings}, nil
}

// Env возвращает EnvConfig из глобального singleton. Это неизменяемый снимок
// на момент загрузки.
func Env() EnvConfig {
	return cfgInstance.Env
}

// Warnings возвращает накопленные предупреждения, возникшие при загрузке .env
// (например, когда подставлено значение по умолчанию). Возвращается копия.
func Warnings() []string {
	cfgInstance.mu.RLock()
	defer cfgInstance.mu.RUnlock()
	result := make([]string, len(cfgInstance.warnings))
	copy(result, cfgInstance.warnings)
	return result
}

// parseRequiredInt читает обязательную целочисленную переменную окружения name.
// Если переменная не задана или не является корректным числом — возвращает ошибку.
func parseRequiredInt(name string) (int, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return 0, fmt.Errorf("env %s must be set", name)
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("env %s must be a valid integer: %w", name, err)
	}
	return v, nil
}

// parseIntDefault читает name как int. Если пусто/некорректно/не проходит
// дополнительную проверку validator — возвращает defaultVal и пишет предупреждение.
func parseIntDefault(name string, defaultVal int, validator func(int) bool, warnings *[]string) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid integer; using default %d", name, value, defaultVal)
		return defaultVal
	}
	if validator != nil && !validator(v) {
		appendWarningf(warnings, "env %s value %d does not satisfy constraints; using default %d", name, v, defaultVal)
		return defaultVal
	}
	return v
}

// parseBoolDefault читает name как bool. Если пусто/некорректно — возвращает defaultVal.
func parseBoolDefault(name string, defaultVal bool, warnings *[]string) bool {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return defaultVal
	}
	v, err := strconv.ParseBool(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid boolean; using default %v", name, value, defaultVal)
		return defaultVal
	}
	return v
}

// sanitizeLogLevel нормализует уровень логирования до одного из поддерживаемых.
func sanitizeLogLevel(value, defaultVal string, warnings *[]string) string {
	v := strings.ToLower(strings.TrimSpace(value))
	switch v {
	case "debug", "info", "warn", "error":
		return v
	case "":
		return defaultVal
	default:
		appendWarningf(warnings, "env log level %q is unknown; using %q", value, defaultVal)
		return defaultVal
	}
}

// sanitizeFile возвращает очищенный путь или defaultVal для пустых значений.
func sanitizeFile(name, value, defaultVal string, warnings *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		return defaultVal
	}
	return v
}

// sanitizeTemplate возвращает пользовательский шаблон уведомлений или дефолт.
// Синтаксическая валидация плейсхолдеров выполняется в пакете delivery на старте.
func sanitizeTemplate(value string, warnings *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		return defaultTemplate
	}
	return v
}

// Проверки диапазона для parseIntDefault.
func greaterThanZero(v int) bool { return v > 0 }
func nonNegative(v int) bool     { return v >= 0 }

// appendWarningf накапливает предупреждения о некорректных переменных окружения.
func appendWarningf(warnings *[]string, format string, args ...any) {
	if warnings == nil {
		return
	}
	*warnings = append(*warnings, fmt.Sprintf(format, args...))
}
