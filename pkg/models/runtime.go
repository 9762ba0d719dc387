package models

// RuntimeInfo describes the backend runtime settings a client needs to build
// request URLs. It is intentionally small and stable.
type RuntimeInfo struct {
	HTTPBaseURL string `json:"http_base_url"`
	WSBaseURL   string `json:"ws_base_url"`
	Port        int    `json:"port"`
}
