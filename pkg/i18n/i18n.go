// Package i18n — пользовательские тексты леджера на русском и английском.
// Каталог строится на golang.org/x/text/message, язык выбирается по
// Accept-Language или по коду языка Telegram.
package i18n

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
)

// Ключи сообщений.
const (
	MsgInsufficientFunds = "insufficient_funds"
	MsgStoreError        = "store_error"
	MsgInvalidRequest    = "invalid_request"
	MsgBalanceCredited   = "balance_credited"
	MsgBalanceDebited    = "balance_debited"
	MsgAdminStoreAlert   = "admin_store_alert"
)

var supported = []language.Tag{language.Russian, language.English}

var matcher = language.NewMatcher(supported)

var cat = newCatalog()

func newCatalog() *catalog.Builder {
	b := catalog.NewBuilder(catalog.Fallback(language.Russian))

	set := func(tag language.Tag, key, msg string) {
		if err := b.SetString(tag, key, msg); err != nil {
			panic(err)
		}
	}

	// %[1]d — сумма операции, %[2]d — баланс
	set(language.Russian, MsgInsufficientFunds, "Недостаточно звёзд: нужно %[1]d ⭐, на балансе %[2]d ⭐. Пополните баланс, чтобы продолжить.")
	set(language.English, MsgInsufficientFunds, "Not enough stars: %[1]d ⭐ required, your balance is %[2]d ⭐. Please top up to continue.")

	set(language.Russian, MsgStoreError, "Не удалось выполнить операцию. Мы уже разбираемся, попробуйте позже.")
	set(language.English, MsgStoreError, "The operation could not be completed. We are looking into it, please try again later.")

	set(language.Russian, MsgInvalidRequest, "Некорректный запрос: %[1]s")
	set(language.English, MsgInvalidRequest, "Invalid request: %[1]s")

	set(language.Russian, MsgBalanceCredited, "Баланс пополнен на %[1]d ⭐. Текущий баланс: %[2]d ⭐.")
	set(language.English, MsgBalanceCredited, "Your balance was topped up by %[1]d ⭐. Current balance: %[2]d ⭐.")

	set(language.Russian, MsgBalanceDebited, "Списано %[1]d ⭐. Текущий баланс: %[2]d ⭐.")
	set(language.English, MsgBalanceDebited, "%[1]d ⭐ charged. Current balance: %[2]d ⭐.")

	set(language.Russian, MsgAdminStoreAlert, "⚠️ Сбой хранилища\nоперация: %[1]s\ntelegram_id: %[2]s\nпричина: %[3]s")
	set(language.English, MsgAdminStoreAlert, "⚠️ Store failure\noperation: %[1]s\ntelegram_id: %[2]s\nreason: %[3]s")

	return b
}

// Match выбирает поддерживаемый язык по списку предпочтений
// (значение Accept-Language или код языка Telegram). По умолчанию русский.
func Match(prefs ...string) language.Tag {
	var tags []language.Tag
	for _, p := range prefs {
		if p == "" {
			continue
		}
		parsed, _, err := language.ParseAcceptLanguage(p)
		if err != nil {
			continue
		}
		tags = append(tags, parsed...)
	}
	if len(tags) == 0 {
		return language.Russian
	}
	_, idx, conf := matcher.Match(tags...)
	if conf < language.High {
		return language.Russian
	}
	return supported[idx]
}

// Printer возвращает принтер для языка.
func Printer(tag language.Tag) *message.Printer {
	return message.NewPrinter(tag, message.Catalog(cat))
}

// Sprintf форматирует сообщение key на языке tag.
func Sprintf(tag language.Tag, key string, args ...any) string {
	return Printer(tag).Sprintf(key, args...)
}
