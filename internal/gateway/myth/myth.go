// Package myth is the client for the Myth booking/device registry gateway.
package myth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/resortops/passkeeper/internal/gateway"
	"github.com/resortops/passkeeper/internal/models"
)

type SwapRequest struct {
	OrderID   int64  `json:"orderId"`
	OldPassID string `json:"oldPassId"`
	NewPassID string `json:"newPassId"`
	ResortID  int    `json:"resortId"`
}

type SwapResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// errorEnvelope is the Myth error body. details.response.detail is the most
// specific message when present.
type errorEnvelope struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Details struct {
		Response struct {
			Detail string `json:"detail"`
		} `json:"response"`
	} `json:"details"`
}

// ErrorMessage picks details.response.detail, then message, then error.
func ErrorMessage(body []byte) string {
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return ""
	}
	switch {
	case env.Details.Response.Detail != "":
		return env.Details.Response.Detail
	case env.Message != "":
		return env.Message
	default:
		return env.Error
	}
}

type Client struct {
	api *gateway.Client
}

func NewClient(baseURL, token string, timeout time.Duration) *Client {
	return &Client{api: gateway.NewClient("myth", baseURL, token, timeout)}
}

// SwapDevice moves the active device assignment of a booking to the new pass.
// A 2xx body with "success": false is a rejection.
func (c *Client) SwapDevice(ctx context.Context, req SwapRequest) (*SwapResponse, error) {
	var raw json.RawMessage
	if err := c.api.Do(ctx, http.MethodPost, "/devices/swap", req, &raw, ErrorMessage); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return &SwapResponse{Success: true}, nil
	}

	var resp SwapResponse
	var flag struct {
		Success *bool `json:"success"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode myth swap response: %w", err)
	}
	_ = json.Unmarshal(raw, &flag)
	if flag.Success != nil && !*flag.Success {
		msg := ErrorMessage(raw)
		if msg == "" {
			msg = "swap was not successful"
		}
		return nil, &gateway.APIError{System: c.api.System(), StatusCode: http.StatusOK, Message: msg, Body: raw}
	}
	return &resp, nil
}

func (c *Client) GetDevice(ctx context.Context, deviceID string) (*models.MythDevice, error) {
	var dev models.MythDevice
	if err := c.api.Do(ctx, http.MethodGet, "/devices/"+url.PathEscape(deviceID), nil, &dev, ErrorMessage); err != nil {
		return nil, err
	}
	if dev.DeviceID == "" {
		dev.DeviceID = deviceID
	}
	return &dev, nil
}
