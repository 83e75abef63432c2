// Package types defines the JSON API types shared by the softphone server
// and its command line client.
package types

// HealthResponse is the response from /health
type HealthResponse struct {
	Status string `json:"status"`
	Uptime int64  `json:"uptime"`
}

// Controls lists which phone actions are currently enabled
type Controls struct {
	Connect    bool `json:"connect"`
	Disconnect bool `json:"disconnect"`
	Reset      bool `json:"reset"`
	Call       bool `json:"call"`
	Answer     bool `json:"answer"`
	Hangup     bool `json:"hangup"`
}

// StatusResponse is the response from /api/v1/status and from every action
type StatusResponse struct {
	Connection string   `json:"connection"`
	Call       string   `json:"call"`
	Label      string   `json:"label"`
	Error      string   `json:"error,omitempty"`
	Controls   Controls `json:"controls"`
}

// ConnectRequest is the body of POST /api/v1/connect
type ConnectRequest struct {
	Server   string `json:"server"`
	User     string `json:"user"`
	Password string `json:"password"`
}

// CallRequest is the body of POST /api/v1/call
type CallRequest struct {
	Destination string `json:"destination"`
}

// ErrorResponse is returned with any non-2xx status
type ErrorResponse struct {
	Error  string          `json:"error"`
	Status *StatusResponse `json:"status,omitempty"`
}
