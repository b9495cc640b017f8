package dashboard

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/tradepilot/internal/config"
	"github.com/quantfold/tradepilot/internal/db"
	"github.com/quantfold/tradepilot/internal/exitscan"
)

func testServer(t *testing.T, mock pgxmock.PgxPoolIface) *Server {
	t.Helper()
	var store *db.DB
	if mock != nil {
		store = db.NewWithPool(mock)
	}
	exits := exitscan.New(nil, config.ExitScanConfig{Enabled: true, UrgencyThreshold: 40, CriticalThreshold: 70, CooldownMinutes: 30})
	return NewServer(config.DashboardConfig{Host: "127.0.0.1", Port: 0}, store, nil, nil, nil, exits)
}

func postAction(t *testing.T, s *Server, body map[string]interface{}) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/action", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func TestHandleActionValidation(t *testing.T) {
	s := testServer(t, nil)

	t.Run("missing action field", func(t *testing.T) {
		w := postAction(t, s, map[string]interface{}{})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown action", func(t *testing.T) {
		w := postAction(t, s, map[string]interface{}{"action": "reboot_universe"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "unknown action")
	})

	t.Run("close without justification", func(t *testing.T) {
		w := postAction(t, s, map[string]interface{}{
			"action": "close_position",
			"symbol": "SOLUSDT",
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "justification")
	})

	t.Run("close with a short justification", func(t *testing.T) {
		w := postAction(t, s, map[string]interface{}{
			"action":        "close_all_positions",
			"justification": "because",
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("update settings without key", func(t *testing.T) {
		w := postAction(t, s, map[string]interface{}{"action": "update_settings", "value": "x"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "key is required")
	})

	t.Run("analyze without symbol", func(t *testing.T) {
		w := postAction(t, s, map[string]interface{}{"action": "analyze_position"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "symbol is required")
	})
}

func TestHandleExitScannerStatus(t *testing.T) {
	s := testServer(t, nil)

	w := postAction(t, s, map[string]interface{}{"action": "get_exit_scanner_status"})
	assert.Equal(t, http.StatusOK, w.Code)

	var status exitscan.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.True(t, status.Enabled)
	assert.Equal(t, 40, status.UrgencyThreshold)
}

func TestHandlePauseResume(t *testing.T) {
	t.Run("pause writes the setting", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectExec("INSERT INTO app_settings").
			WithArgs("paused", "true", pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		s := testServer(t, mock)
		w := postAction(t, s, map[string]interface{}{"action": "pause_trading"})

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"paused":true`)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("resume writes the setting", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectExec("INSERT INTO app_settings").
			WithArgs("paused", "false", pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		s := testServer(t, mock)
		w := postAction(t, s, map[string]interface{}{"action": "resume_trading"})

		assert.Equal(t, http.StatusOK, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestHandleUpdateSettings(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("INSERT INTO app_settings").
		WithArgs("scanner.interval_minutes", "10", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	s := testServer(t, mock)
	w := postAction(t, s, map[string]interface{}{
		"action": "update_settings",
		"key":    "scanner.interval_minutes",
		"value":  "10",
	})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHealth(t *testing.T) {
	t.Run("healthy database", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()
		mock.ExpectPing()

		s := testServer(t, mock)
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"status":"ok"`)
	})
}
