package realtime

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShellQuoteTerminal_EscapesSingleQuotes(t *testing.T) {
	assert.Equal(t, `'it'\''s'`, shellQuoteTerminal("it's"))
}

func TestShellQuoteTerminal_NoSpecialChars(t *testing.T) {
	assert.Equal(t, `'npm run dev'`, shellQuoteTerminal("npm run dev"))
}

func TestTerminalConfig_CheckOrigin_EmptyAllowlistRequiresEmptyOrigin(t *testing.T) {
	cfg := TerminalConfig{}
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, cfg.checkOrigin(req))

	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, cfg.checkOrigin(req))
}

func TestTerminalConfig_CheckOrigin_AllowlistedOriginPasses(t *testing.T) {
	cfg := TerminalConfig{AllowedOrigins: []string{"https://app.example.com"}}
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Origin", "https://app.example.com")
	assert.True(t, cfg.checkOrigin(req))
}

func TestTerminalConfig_CheckOrigin_NonAllowlistedOriginRejected(t *testing.T) {
	cfg := TerminalConfig{AllowedOrigins: []string{"https://app.example.com"}}
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Origin", "https://other.example.com")
	assert.False(t, cfg.checkOrigin(req))
}
