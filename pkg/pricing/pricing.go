// Package pricing — стоимость генераций в звёздах.
// Чистые функции без I/O: режим и параметры на входе, Quote на выходе.
package pricing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrUnknownMode   = errors.New("неизвестный режим генерации")
	ErrInvalidParams = errors.New("некорректные параметры генерации")
)

// Mode — режим генерации. Закрытое перечисление: новый режим требует ветки в Cost.
type Mode int

const (
	ModeTextToImage Mode = iota + 1
	ModeImageToImage
	ModeImageToVideo
	ModeTextToVideo
	ModeTextToSpeech
	ModeVoiceClone
	ModeLipSync
	ModeChat
)

var modeNames = map[Mode]string{
	ModeTextToImage:  "text_to_image",
	ModeImageToImage: "image_to_image",
	ModeImageToVideo: "image_to_video",
	ModeTextToVideo:  "text_to_video",
	ModeTextToSpeech: "text_to_speech",
	ModeVoiceClone:   "voice_clone",
	ModeLipSync:      "lip_sync",
	ModeChat:         "chat",
}

// String — строковое имя режима, как его присылают боты.
func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode разбирает строковый режим на границе API.
func ParseMode(s string) (Mode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for m, name := range modeNames {
		if name == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

// Modes — все режимы в порядке объявления.
func Modes() []Mode {
	return []Mode{
		ModeTextToImage, ModeImageToImage, ModeImageToVideo, ModeTextToVideo,
		ModeTextToSpeech, ModeVoiceClone, ModeLipSync, ModeChat,
	}
}

// Params — параметры генерации. Нулевые значения заменяются значениями по умолчанию.
type Params struct {
	Images          int // картинок за запрос
	DurationSeconds int // длительность видео
	Characters      int // символов текста для озвучки
	Messages        int // сообщений в чате
}

// Quote — результат расчёта.
type Quote struct {
	Mode  Mode
	Stars int64
	RUB   decimal.Decimal
	USD   decimal.Decimal
}

// Rates — курс звезды.
type Rates struct {
	RUBPerStar decimal.Decimal
	USDPerStar decimal.Decimal
}

// DefaultRates — курс по умолчанию: 1 звезда = 1.5 RUB = 0.016 USD.
func DefaultRates() Rates {
	return Rates{
		RUBPerStar: decimal.RequireFromString("1.5"),
		USDPerStar: decimal.RequireFromString("0.016"),
	}
}

// Oracle считает стоимость по фиксированному курсу.
type Oracle struct {
	rates Rates
}

// NewOracle создаёт Oracle.
func NewOracle(rates Rates) *Oracle {
	return &Oracle{rates: rates}
}

// Cost возвращает стоимость генерации.
func (o *Oracle) Cost(mode Mode, p Params) (Quote, error) {
	stars, err := Stars(mode, p)
	if err != nil {
		return Quote{}, err
	}
	n := decimal.NewFromInt(stars)
	return Quote{
		Mode:  mode,
		Stars: stars,
		RUB:   n.Mul(o.rates.RUBPerStar).Round(2),
		USD:   n.Mul(o.rates.USDPerStar).Round(2),
	}, nil
}

// Stars — стоимость в звёздах без пересчёта в валюты.
func Stars(mode Mode, p Params) (int64, error) {
	if p.Images < 0 || p.DurationSeconds < 0 || p.Characters < 0 || p.Messages < 0 {
		return 0, ErrInvalidParams
	}

	switch mode {
	case ModeTextToImage:
		return 7 * orDefault(p.Images, 1), nil
	case ModeImageToImage:
		return 8 * orDefault(p.Images, 1), nil
	case ModeImageToVideo:
		return 20 * orDefault(p.DurationSeconds, 5), nil
	case ModeTextToVideo:
		return 25 * orDefault(p.DurationSeconds, 5), nil
	case ModeTextToSpeech:
		// 1 звезда за каждые начатые 100 символов, минимум 2
		chars := orDefault(p.Characters, 1)
		return max((chars+99)/100, 2), nil
	case ModeVoiceClone:
		return 50, nil
	case ModeLipSync:
		return 30, nil
	case ModeChat:
		return orDefault(p.Messages, 1), nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnknownMode, mode)
	}
}

func orDefault(v, def int) int64 {
	if v == 0 {
		return int64(def)
	}
	return int64(v)
}
