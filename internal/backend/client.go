// Package backend calls the driver REST API: status updates and the
// pending-ride check performed when a driver comes online.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/example/ride-coordinator/internal/models"
)

// Status values understood by the backend.
const (
	StatusLive    = "Live"
	StatusOffline = "offline"
)

var ErrUnauthorized = errors.New("backend rejected credential")

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), HTTP: &http.Client{Timeout: timeout}}
}

type statusRequest struct {
	DriverID    string           `json:"driverId"`
	Status      string           `json:"status"`
	VehicleType string           `json:"vehicleType"`
	Location    *models.Position `json:"location"`
}

// UpdateStatus records the driver's availability. loc may be nil.
func (c *Client) UpdateStatus(ctx context.Context, token, driverID, status, vehicleType string, loc *models.Position) error {
	body, err := json.Marshal(statusRequest{DriverID: driverID, Status: status, VehicleType: vehicleType, Location: loc})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/drivers/update-status", bytes.NewReader(body))
	if err != nil {
		return err
	}
	resp, err := c.do(req, token)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

type pendingResponse struct {
	Success      bool              `json:"success"`
	PendingRides []json.RawMessage `json:"pendingRides"`
}

// PendingRides returns the raw offers the backend still holds for the driver,
// in the order it returned them.
func (c *Client) PendingRides(ctx context.Context, token, driverID string) ([]json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/api/drivers/pending-rides/"+driverID, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req, token)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var out pendingResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode pending rides: %w", err)
	}
	if !out.Success {
		return nil, nil
	}
	return out.PendingRides, nil
}

func (c *Client) do(req *http.Request, token string) (*http.Response, error) {
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		resp.Body.Close()
		return nil, ErrUnauthorized
	case resp.StatusCode >= 300:
		resp.Body.Close()
		return nil, fmt.Errorf("%s %s: status %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	return resp, nil
}
