package ipc

// Response is the generic JSON envelope for control requests.
type Response struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// OutputInfo describes one output in status responses.
type OutputInfo struct {
	Name       string `json:"name"`
	X          int    `json:"x"`
	Y          int    `json:"y"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	RefreshMHz int    `json:"refresh_mhz"`
	Border     int    `json:"border"`
	Linear     bool   `json:"linear_blending"`
}

// StatusResponse is the GET /status payload.
type StatusResponse struct {
	Status   string       `json:"status"`
	Message  string       `json:"message"`
	Version  string       `json:"version"`
	PID      int          `json:"pid"`
	Socket   string       `json:"socket"`
	Config   string       `json:"config"`
	Renderer string       `json:"renderer"`
	Clock    string       `json:"clock"`
	ClockMS  int64        `json:"clock_ms"`
	Surfaces int          `json:"surfaces"`
	Outputs  []OutputInfo `json:"outputs"`
}

// ClockAdvanceRequest advances the fake clock. Rejected when the daemon
// runs on the real clock.
type ClockAdvanceRequest struct {
	Ms int `json:"ms"`
}

// DamageRequest injects global-coordinate damage, for driving repaints
// from tests and the CLI.
type DamageRequest struct {
	Output string `json:"output,omitempty"`
	X      int    `json:"x"`
	Y      int    `json:"y"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// ScreenshotRequest captures one frame of an output. Source selects the
// full framebuffer (default) or the composited blending area.
type ScreenshotRequest struct {
	Output string `json:"output,omitempty"`
	Source string `json:"source,omitempty"`
}
