// Package dispatcher превращает события леджера в сообщения пользователю и администратору.
// Доставка best-effort: ошибка отправки логируется и не возвращается в Kafka.
package dispatcher

import (
	"context"
	"strconv"
	"strings"

	"golang.org/x/text/language"

	"example.com/stars-ledger/pkg/events"
	"example.com/stars-ledger/pkg/i18n"
	"example.com/stars-ledger/pkg/logger"
	"example.com/stars-ledger/pkg/metrics"
)

// Sender отправляет текст в чат Telegram.
type Sender interface {
	Send(ctx context.Context, chatID int64, text string) error
}

// Config — параметры диспетчера.
type Config struct {
	// AdminChatID — чат для алертов о сбоях хранилища; 0 отключает алерты.
	AdminChatID int64
	// Language — язык по умолчанию, если бот не передал language_code.
	Language string
}

// Dispatcher отправляет уведомления.
type Dispatcher struct {
	sender  Sender
	admin   int64
	defLang string
}

// New создаёт Dispatcher.
func New(sender Sender, cfg Config) *Dispatcher {
	return &Dispatcher{sender: sender, admin: cfg.AdminChatID, defLang: cfg.Language}
}

// Виды уведомлений (метка kind в notifier_messages_total).
const (
	kindCredited     = "credited"
	kindDebited      = "debited"
	kindInsufficient = "insufficient_funds"
	kindStoreError   = "store_error"
	kindAdminAlert   = "admin_alert"
)

// BalanceUpdated уведомляет о зачислении. О списаниях пишем только
// по запросу бота (metadata.notify = true): результат генерации бот показывает сам.
func (d *Dispatcher) BalanceUpdated(ctx context.Context, ev *events.BalanceUpdated) {
	log := logger.FromContext(ctx).With().Str("operation_id", ev.OperationID).Logger()

	delta, _ := ev.Delta()
	newBalance, _ := ev.NewBalance()
	lang := d.language(ev.Metadata)

	switch {
	case delta > 0:
		d.send(ctx, kindCredited, ev.TelegramID, i18n.Sprintf(lang, i18n.MsgBalanceCredited, delta, newBalance))
	case delta < 0 && notifyRequested(ev.Metadata):
		d.send(ctx, kindDebited, ev.TelegramID, i18n.Sprintf(lang, i18n.MsgBalanceDebited, -delta, newBalance))
	default:
		log.Debug().Int64("delta", delta).Msg("Уведомление о списании не запрошено")
	}
}

// BalanceUpdateFailed уведомляет об отказе. При сбое хранилища дополнительно
// отправляется алерт администратору с operation_id.
func (d *Dispatcher) BalanceUpdateFailed(ctx context.Context, ev *events.BalanceUpdateFailed) {
	log := logger.FromContext(ctx).With().
		Str("operation_id", ev.OperationID).
		Str("kind", string(ev.Kind)).
		Logger()

	lang := d.language(ev.Metadata)

	switch ev.Kind {
	case events.KindInsufficientFunds:
		var balance int64
		if ev.Balance != nil {
			balance = *ev.Balance
		}
		d.send(ctx, kindInsufficient, ev.TelegramID, i18n.Sprintf(lang, i18n.MsgInsufficientFunds, abs(ev.Amount), balance))
	case events.KindStoreError:
		d.send(ctx, kindStoreError, ev.TelegramID, i18n.Sprintf(lang, i18n.MsgStoreError))
		if d.admin != 0 {
			text := i18n.Sprintf(language.Russian, i18n.MsgAdminStoreAlert, ev.OperationID, ev.TelegramID, ev.Error)
			d.sendChat(ctx, kindAdminAlert, d.admin, text)
		}
	default:
		// некорректный запрос — ошибка бота, пользователю писать нечего
		log.Warn().Str("error", ev.Error).Msg("Отклонён некорректный запрос на изменение баланса")
	}
}

func (d *Dispatcher) send(ctx context.Context, kind, telegramID, text string) {
	chatID, err := strconv.ParseInt(strings.TrimSpace(telegramID), 10, 64)
	if err != nil {
		logger.Ctx(ctx).Warn().Str("telegram_id", telegramID).Msg("telegram_id не является chat id, уведомление пропущено")
		metrics.NotificationsSent.WithLabelValues(kind, "skipped").Inc()
		return
	}
	d.sendChat(ctx, kind, chatID, text)
}

func (d *Dispatcher) sendChat(ctx context.Context, kind string, chatID int64, text string) {
	if err := d.sender.Send(ctx, chatID, text); err != nil {
		logger.Ctx(ctx).Error().Err(err).Int64("chat_id", chatID).Str("kind", kind).Msg("Ошибка отправки уведомления")
		metrics.NotificationsSent.WithLabelValues(kind, "error").Inc()
		return
	}
	metrics.NotificationsSent.WithLabelValues(kind, "sent").Inc()
}

func (d *Dispatcher) language(meta map[string]any) language.Tag {
	code, _ := meta[events.MetaLanguage].(string)
	if code == "" {
		return i18n.Match(d.defLang)
	}
	return i18n.Match(code)
}

func notifyRequested(meta map[string]any) bool {
	v, _ := meta[events.MetaNotify].(bool)
	return v
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
