package config

import (
	"errors"
	"fmt"
	"time"
)

// HTTPConfig — REST API леджера.
type HTTPConfig struct {
	Host            string        `env:"HTTP_HOST" envDefault:"0.0.0.0"`
	Port            int           `env:"HTTP_PORT" envDefault:"8080"`
	ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"10s"`
	WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	RateLimit       int           `env:"HTTP_RATE_LIMIT" envDefault:"300"`
	RateLimitWindow time.Duration `env:"HTTP_RATE_LIMIT_WINDOW" envDefault:"1m"`
}

// Addr возвращает адрес HTTP сервера.
func (c HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// AuthConfig — проверка сервисных RS256 токенов ботов.
// Пустой PublicKeyPath отключает авторизацию (локальная разработка).
type AuthConfig struct {
	PublicKeyPath  string        `env:"AUTH_PUBLIC_KEY_PATH"`
	PrivateKeyPath string        `env:"AUTH_PRIVATE_KEY_PATH"`
	Issuer         string        `env:"AUTH_ISSUER" envDefault:"stars-ledger"`
	TokenTTL       time.Duration `env:"AUTH_TOKEN_TTL" envDefault:"720h"`
}

// Enabled — включена ли авторизация API.
func (c AuthConfig) Enabled() bool {
	return c.PublicKeyPath != ""
}

// LedgerConfig — параметры ядра: ретраи оркестратора, таймауты хранилища, аллокатор инвойсов.
type LedgerConfig struct {
	RetryAttempts       int           `env:"LEDGER_RETRY_ATTEMPTS" envDefault:"3"`
	RetryBaseDelay      time.Duration `env:"LEDGER_RETRY_BASE_DELAY" envDefault:"100ms"`
	StoreTimeout        time.Duration `env:"LEDGER_STORE_TIMEOUT" envDefault:"3s"`
	InvoiceMaxAttempts  int           `env:"LEDGER_INVOICE_MAX_ATTEMPTS" envDefault:"3"`
	InvoiceCheckTimeout time.Duration `env:"LEDGER_INVOICE_CHECK_TIMEOUT" envDefault:"500ms"`
	IdempotencyCacheTTL time.Duration `env:"LEDGER_IDEMPOTENCY_CACHE_TTL" envDefault:"24h"`
	DefaultCurrency     string        `env:"LEDGER_DEFAULT_CURRENCY" envDefault:"RUB"`
	BreakerFailureRatio float64       `env:"LEDGER_BREAKER_FAILURE_RATIO" envDefault:"0.5"`
	BreakerOpenTimeout  time.Duration `env:"LEDGER_BREAKER_OPEN_TIMEOUT" envDefault:"15s"`
	BreakerMinRequests  uint32        `env:"LEDGER_BREAKER_MIN_REQUESTS" envDefault:"10"`
}

// ReconcileConfig — расписание и пороги сверки.
type ReconcileConfig struct {
	Enabled       bool          `env:"RECONCILE_ENABLED" envDefault:"true"`
	Schedule      string        `env:"RECONCILE_SCHEDULE" envDefault:"@every 1m"`
	PendingAge    time.Duration `env:"RECONCILE_PENDING_AGE" envDefault:"5m"`
	OperationAge  time.Duration `env:"RECONCILE_OPERATION_AGE" envDefault:"2m"`
	InvoiceExpiry time.Duration `env:"RECONCILE_INVOICE_EXPIRY" envDefault:"24h"`
	BatchSize     int           `env:"RECONCILE_BATCH_SIZE" envDefault:"100"`
}

// NotifierConfig — доставка уведомлений в Telegram.
type NotifierConfig struct {
	TelegramToken string `env:"TELEGRAM_BOT_TOKEN"`
	AdminChatID   int64  `env:"TELEGRAM_ADMIN_CHAT_ID" envDefault:"0"`
	Language      string `env:"NOTIFIER_LANGUAGE" envDefault:"ru"`
	ConsumerGroup string `env:"NOTIFIER_CONSUMER_GROUP" envDefault:"stars-notifier"`
}

// validate отсекает значения, с которыми ядро не может работать.
func (c *Config) validate() error {
	var errs []error
	if c.Ledger.RetryAttempts < 1 {
		errs = append(errs, errors.New("LEDGER_RETRY_ATTEMPTS должен быть >= 1"))
	}
	if c.Ledger.InvoiceMaxAttempts < 1 {
		errs = append(errs, errors.New("LEDGER_INVOICE_MAX_ATTEMPTS должен быть >= 1"))
	}
	if c.Ledger.BreakerFailureRatio <= 0 || c.Ledger.BreakerFailureRatio > 1 {
		errs = append(errs, errors.New("LEDGER_BREAKER_FAILURE_RATIO должен быть в (0, 1]"))
	}
	if c.Reconcile.BatchSize < 1 {
		errs = append(errs, errors.New("RECONCILE_BATCH_SIZE должен быть >= 1"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("некорректная конфигурация: %w", err)
	}
	return nil
}
