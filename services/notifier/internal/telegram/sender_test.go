package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-telegram/bot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSender_Send(t *testing.T) {
	var gotChat, gotText string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/sendMessage"), r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		gotChat = r.FormValue("chat_id")
		gotText = r.FormValue("text")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":     true,
			"result": map[string]any{"message_id": 1, "date": 0, "chat": map[string]any{"id": 42, "type": "private"}},
		})
	}))
	t.Cleanup(srv.Close)

	s, err := NewSender("123:token", bot.WithServerURL(srv.URL))
	require.NoError(t, err)

	require.NoError(t, s.Send(context.Background(), 42, "привет"))
	assert.Equal(t, "42", gotChat)
	assert.Equal(t, "привет", gotText)
}

func TestSender_SendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":          false,
			"error_code":  403,
			"description": "Forbidden: bot was blocked by the user",
		})
	}))
	t.Cleanup(srv.Close)

	s, err := NewSender("123:token", bot.WithServerURL(srv.URL))
	require.NoError(t, err)

	err = s.Send(context.Background(), 42, "привет")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "чат 42")
}
