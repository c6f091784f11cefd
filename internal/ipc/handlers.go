package ipc

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/matjam/lucent"
)

// GET /status
func statusHandler(m *Manager) echo.HandlerFunc {
	return func(c echo.Context) error {
		st, err := m.Status()
		if err != nil {
			return c.JSON(http.StatusInternalServerError, Response{Status: "error", Message: err.Error()})
		}
		st.Version = strings.Trim(lucent.Version, "\n\r ")
		return c.JSONPretty(http.StatusOK, st, "  ")
	}
}

// GET /outputs
func outputsHandler(m *Manager) echo.HandlerFunc {
	return func(c echo.Context) error {
		st, err := m.Status()
		if err != nil {
			return c.JSON(http.StatusInternalServerError, Response{Status: "error", Message: err.Error()})
		}
		return c.JSONPretty(http.StatusOK, st.Outputs, "  ")
	}
}

// POST /stop
func stopHandler(m *Manager) echo.HandlerFunc {
	return func(c echo.Context) error {
		m.Stop()
		return c.JSON(http.StatusOK, Response{Status: "ok", Message: "stopping"})
	}
}

// POST /screenshot — responds with the captured frame as image/png.
func screenshotHandler(m *Manager) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req ScreenshotRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, Response{Status: "error", Message: "invalid screenshot request"})
		}
		data, err := m.Screenshot(req)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, Response{Status: "error", Message: err.Error()})
		}
		return c.Blob(http.StatusOK, "image/png", data)
	}
}

// POST /clock/advance — the test-only entry point for driving the fake
// clock. 409 when the daemon runs on the real clock.
func clockAdvanceHandler(m *Manager) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req ClockAdvanceRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, Response{Status: "error", Message: "invalid advance request"})
		}
		if err := m.AdvanceClock(req.Ms); err != nil {
			if errors.Is(err, ErrRealClock) {
				return c.JSON(http.StatusConflict, Response{Status: "error", Message: err.Error()})
			}
			return c.JSON(http.StatusBadRequest, Response{Status: "error", Message: err.Error()})
		}
		return c.JSON(http.StatusOK, Response{Status: "ok"})
	}
}

// POST /damage
func damageHandler(m *Manager) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req DamageRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, Response{Status: "error", Message: "invalid damage request"})
		}
		if err := m.InjectDamage(req); err != nil {
			return c.JSON(http.StatusBadRequest, Response{Status: "error", Message: err.Error()})
		}
		return c.JSON(http.StatusOK, Response{Status: "ok"})
	}
}
