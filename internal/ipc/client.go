package ipc

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"resty.dev/v3"
)

// newClient dials the daemon's unix socket.
func newClient() *resty.Client {
	path := SocketPath()

	client := resty.NewWithClient(&http.Client{
		Transport: &http.Transport{
			DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
				return net.Dial("unix", path)
			},
		},
	})

	client.SetBaseURL("http://lucent")
	client.SetHeader("Content-Type", "application/json")
	client.SetHeader("Accept", "application/json")
	client.SetHeader("User-Agent", "lucent")

	return client
}

// SendStatus fetches daemon status; an error means no daemon is running.
func SendStatus() (*StatusResponse, error) {
	result := StatusResponse{}
	response, err := newClient().R().SetResult(&result).Get("/status")
	if err != nil {
		return nil, err
	}
	if response.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("status request failed: %s", response.Status())
	}
	return &result, nil
}

// SendStop asks the daemon to quit.
func SendStop() error {
	response, err := newClient().R().Post("/stop")
	if err != nil {
		return err
	}
	if response.StatusCode() != http.StatusOK {
		return fmt.Errorf("stop request failed: %s", response.Status())
	}
	return nil
}

// SendScreenshot captures a frame and returns the PNG bytes.
func SendScreenshot(req ScreenshotRequest) ([]byte, error) {
	response, err := newClient().R().SetBody(req).Post("/screenshot")
	if err != nil {
		return nil, err
	}
	if response.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("screenshot request failed: %s", response.Status())
	}
	return response.Bytes(), nil
}

// SendClockAdvance advances the daemon's fake clock by ms milliseconds.
func SendClockAdvance(ms int) error {
	result := Response{}
	response, err := newClient().R().
		SetBody(ClockAdvanceRequest{Ms: ms}).
		SetError(&result).
		Post("/clock/advance")
	if err != nil {
		return err
	}
	if response.StatusCode() != http.StatusOK {
		if result.Message != "" {
			return fmt.Errorf("advance rejected: %s", result.Message)
		}
		return fmt.Errorf("advance request failed: %s", response.Status())
	}
	return nil
}

// SendDamage injects damage into the daemon's scene.
func SendDamage(req DamageRequest) error {
	response, err := newClient().R().SetBody(req).Post("/damage")
	if err != nil {
		return err
	}
	if response.StatusCode() != http.StatusOK {
		return fmt.Errorf("damage request failed: %s", response.Status())
	}
	return nil
}
