// Package telegram отправляет сообщения через Telegram Bot API.
package telegram

import (
	"context"
	"fmt"

	"github.com/go-telegram/bot"
)

// Sender — отправка текстовых сообщений в чат.
type Sender struct {
	bot *bot.Bot
}

// NewSender создаёт клиента Bot API. Обновления не читаются:
// нотификатор только отправляет сообщения.
func NewSender(token string, opts ...bot.Option) (*Sender, error) {
	opts = append([]bot.Option{bot.WithSkipGetMe()}, opts...)
	b, err := bot.New(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания Telegram бота: %w", err)
	}
	return &Sender{bot: b}, nil
}

// Send отправляет text в чат chatID.
func (s *Sender) Send(ctx context.Context, chatID int64, text string) error {
	_, err := s.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: chatID,
		Text:   text,
	})
	if err != nil {
		return fmt.Errorf("ошибка отправки сообщения в чат %d: %w", chatID, err)
	}
	return nil
}
