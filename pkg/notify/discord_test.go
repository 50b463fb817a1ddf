package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDiscordEmptyURL(t *testing.T) {
	assert.Nil(t, NewDiscord("", nil))
}

func TestDiscordNotify(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDiscord(srv.URL, srv.Client())
	require.NoError(t, d.Notify(context.Background(), strings.Repeat("x", 2500)))
	assert.Len(t, got["content"], maxContentLen)
	assert.True(t, strings.HasSuffix(got["content"], "..."))
}

func TestDiscordNotifyKeepsMultibyteCharactersWhole(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	content := "live ended: " + strings.Repeat("直播", 1200)
	require.NoError(t, NewDiscord(srv.URL, srv.Client()).Notify(context.Background(), content))
	assert.True(t, utf8.ValidString(got["content"]))
	assert.Equal(t, maxContentLen, utf8.RuneCountInString(got["content"]))
	assert.True(t, strings.HasPrefix(got["content"], "live ended: 直播"))
	assert.True(t, strings.HasSuffix(got["content"], "直..."))
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{name: "short", in: "hello", n: 10, want: "hello"},
		{name: "exact", in: "héllo", n: 5, want: "héllo"},
		{name: "ascii", in: "abcdefghij", n: 6, want: "abc..."},
		{name: "multibyte", in: "ééééééé", n: 5, want: "éé..."},
		{name: "emoji", in: "🎥🎥🎥🎥🎥", n: 4, want: "🎥..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, truncate(tt.in, tt.n))
		})
	}
}

func TestDiscordNotifyStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewDiscord(srv.URL, srv.Client()).Notify(context.Background(), "hi")
	assert.Error(t, err)
}
