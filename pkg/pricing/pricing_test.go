package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMode(t *testing.T) {
	for _, m := range Modes() {
		parsed, err := ParseMode(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, parsed)
	}

	parsed, err := ParseMode("  Text_To_Image ")
	require.NoError(t, err)
	assert.Equal(t, ModeTextToImage, parsed)

	_, err = ParseMode("neuro_photo_v3")
	assert.ErrorIs(t, err, ErrUnknownMode)
}

func TestStars(t *testing.T) {
	tests := []struct {
		name   string
		mode   Mode
		params Params
		want   int64
	}{
		{"картинка по умолчанию", ModeTextToImage, Params{}, 7},
		{"четыре картинки", ModeTextToImage, Params{Images: 4}, 28},
		{"image to image", ModeImageToImage, Params{Images: 2}, 16},
		{"видео 5 секунд", ModeImageToVideo, Params{}, 100},
		{"текст в видео 10 секунд", ModeTextToVideo, Params{DurationSeconds: 10}, 250},
		{"короткая озвучка", ModeTextToSpeech, Params{Characters: 40}, 2},
		{"длинная озвучка", ModeTextToSpeech, Params{Characters: 1050}, 11},
		{"клон голоса", ModeVoiceClone, Params{}, 50},
		{"lip sync", ModeLipSync, Params{}, 30},
		{"чат", ModeChat, Params{Messages: 3}, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Stars(tt.mode, tt.params)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStars_Errors(t *testing.T) {
	_, err := Stars(Mode(99), Params{})
	assert.ErrorIs(t, err, ErrUnknownMode)

	_, err = Stars(ModeTextToImage, Params{Images: -1})
	assert.ErrorIs(t, err, ErrInvalidParams)
}

func TestOracle_Cost(t *testing.T) {
	o := NewOracle(DefaultRates())

	q, err := o.Cost(ModeTextToVideo, Params{DurationSeconds: 4})
	require.NoError(t, err)

	assert.Equal(t, int64(100), q.Stars)
	assert.True(t, decimal.RequireFromString("150").Equal(q.RUB), q.RUB.String())
	assert.True(t, decimal.RequireFromString("1.6").Equal(q.USD), q.USD.String())
}

func TestModes_AllPriced(t *testing.T) {
	for _, m := range Modes() {
		_, err := Stars(m, Params{})
		assert.NoError(t, err, m.String())
	}
}
