package handlers

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModeLabel(t *testing.T) {
	assert.Equal(t, "Day Furnished", modeLabel(map[string]any{"mode": "day_furnished"}))
	assert.Equal(t, "Dusk", modeLabel(map[string]any{"mode": "dusk"}))
	assert.Empty(t, modeLabel(nil))
	assert.Empty(t, modeLabel(map[string]any{"mode": 7}), "non-string modes render no label")
}

func TestRemoteIP(t *testing.T) {
	r := httptest.NewRequest("POST", "/", nil)
	r.RemoteAddr = "203.0.113.9:44122"
	assert.Equal(t, "203.0.113.9", remoteIP(r))

	r.RemoteAddr = "203.0.113.9"
	assert.Equal(t, "203.0.113.9", remoteIP(r))
}

func TestHealth(t *testing.T) {
	app := &App{Logger: zerolog.Nop()}
	rec := httptest.NewRecorder()
	app.Health(rec, httptest.NewRequest("GET", "/v1/healthz", nil))

	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestErrorEnvelope(t *testing.T) {
	app := &App{Logger: zerolog.Nop()}
	rec := httptest.NewRecorder()
	app.error(rec, 402, "insufficient_credits", "not enough credits")

	assert.Equal(t, 402, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "insufficient_credits", body["error"])
	assert.Equal(t, "not enough credits", body["message"])
}
