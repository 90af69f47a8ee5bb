package client

import (
	"errors"
	"net/http"
	"time"
)

// Status is the daemon status.
type Status struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Display string `json:"display"`
	Items   int    `json:"items"`
}

// Plugin is an installed plugin descriptor.
type Plugin struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name,omitempty"`
	Exec        string `json:"exec"`
	Description string `json:"description,omitempty"`
	Unique      bool   `json:"unique,omitempty"`
	Path        string `json:"path,omitempty"`
}

// Item is a panel item.
type Item struct {
	ID          string `json:"id"`
	Plugin      string `json:"plugin"`
	DisplayName string `json:"display_name"`
	Executable  string `json:"executable"`
	State       string `json:"state"`
	PID         int    `json:"pid,omitempty"`
	Expand      bool   `json:"expand"`
	Anomalous   bool   `json:"anomalous,omitempty"`
	Error       string `json:"error,omitempty"`
}

// CreateItemRequest is the request body for adding an item.
type CreateItemRequest struct {
	Plugin string `json:"plugin"`
	ID     string `json:"id,omitempty"`
	// Wait holds the response until the item is live or has failed.
	Wait bool `json:"wait,omitempty"`
}

// PanelRequest changes panel-wide values. Zero fields are left alone.
type PanelRequest struct {
	Size           *int   `json:"size,omitempty"`
	ScreenPosition string `json:"screen_position,omitempty"`
}

// LogEntry is a single line of an item's log.
type LogEntry struct {
	Timestamp time.Time `json:"ts"`
	Stream    string    `json:"stream"`
	Line      string    `json:"line"`
	Source    string    `json:"source"`
	ItemID    string    `json:"item_id"`
	Plugin    string    `json:"plugin,omitempty"`
}

// APIError is returned when the API returns an error response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return e.Message
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}
