package i18n

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/text/language"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		name  string
		prefs []string
		want  language.Tag
	}{
		{"пусто", nil, language.Russian},
		{"английский", []string{"en-US,en;q=0.9"}, language.English},
		{"русский", []string{"ru"}, language.Russian},
		{"неподдерживаемый", []string{"de"}, language.Russian},
		{"неподдерживаемый и английский", []string{"de,en;q=0.5"}, language.English},
		{"мусор", []string{"@@@"}, language.Russian},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Match(tt.prefs...))
		})
	}
}

func TestSprintf(t *testing.T) {
	ru := Sprintf(language.Russian, MsgInsufficientFunds, int64(10), int64(5))
	assert.Contains(t, ru, "нужно 10")
	assert.Contains(t, ru, "на балансе 5")

	en := Sprintf(language.English, MsgBalanceCredited, int64(100), int64(150))
	assert.Equal(t, "Your balance was topped up by 100 ⭐. Current balance: 150 ⭐.", en)
}
