// Package transport is the network boundary of the dispatch engine: it sends
// per-recipient messages and fetches prekey bundles over HTTP or a
// WebSocket, and classifies server responses into typed faults.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrNotFound is returned for a 404: the recipient (or device) is not
// registered.
var ErrNotFound = errors.New("transport: not found")

// MismatchedDevicesError is a 409: the targeted devices do not match the
// recipient's registered devices.
type MismatchedDevicesError struct {
	MissingDevices []int `json:"missingDevices"`
	ExtraDevices   []int `json:"extraDevices"`
}

func (e *MismatchedDevicesError) Error() string {
	return fmt.Sprintf("transport: mismatched devices: missing=%v extra=%v", e.MissingDevices, e.ExtraDevices)
}

// StaleDevicesError is a 410: sessions for the listed devices are stale.
type StaleDevicesError struct {
	StaleDevices []int `json:"staleDevices"`
}

func (e *StaleDevicesError) Error() string {
	return fmt.Sprintf("transport: stale devices: %v", e.StaleDevices)
}

// StatusError is any other unsuccessful response.
type StatusError struct {
	Code int
	Body []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("transport: status %d: %s", e.Code, e.Body)
}

// classify maps a response status to nil or a typed fault.
func classify(status int, body []byte) error {
	switch status {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted, http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		var parsed MismatchedDevicesError
		if err := json.Unmarshal(body, &parsed); err != nil {
			return &StatusError{Code: status, Body: body}
		}
		return &parsed
	case http.StatusGone:
		var parsed StaleDevicesError
		if err := json.Unmarshal(body, &parsed); err != nil {
			return &StatusError{Code: status, Body: body}
		}
		return &parsed
	default:
		return &StatusError{Code: status, Body: body}
	}
}
