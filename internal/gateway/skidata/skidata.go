// Package skidata is the client for the Skidata ticketing gateway.
package skidata

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/resortops/passkeeper/internal/gateway"
	"github.com/resortops/passkeeper/internal/models"
)

type CreateTicketRequest struct {
	OrderID   int64 `json:"orderId"`
	OldPassID int64 `json:"oldPassId"`
	NewPassID int64 `json:"newPassId"`
}

type CancelTicketRequest struct {
	OrderID  int64 `json:"orderId"`
	DeviceID int64 `json:"deviceId"`
}

// Response is the common Skidata envelope.
type Response struct {
	Success bool            `json:"success"`
	Results json.RawMessage `json:"results,omitempty"`
	Message string          `json:"message,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// NewOrderID returns the Skidata order id named in the results, if any.
// Both {"orderId": n} and {"skidataOrderId": n} are accepted.
func (r *Response) NewOrderID() int64 {
	if r == nil || len(r.Results) == 0 {
		return 0
	}
	var res struct {
		OrderID        json.Number `json:"orderId"`
		SkidataOrderID json.Number `json:"skidataOrderId"`
	}
	if err := json.Unmarshal(r.Results, &res); err != nil {
		return 0
	}
	for _, n := range []json.Number{res.SkidataOrderID, res.OrderID} {
		if id, err := n.Int64(); err == nil && id > 0 {
			return id
		}
	}
	return 0
}

func (r *Response) message() string {
	if r.Message != "" {
		return r.Message
	}
	return r.Error
}

// ErrorMessage extracts message, then error, from a non-2xx body.
func ErrorMessage(body []byte) string {
	var r Response
	if err := json.Unmarshal(body, &r); err != nil {
		return ""
	}
	return r.message()
}

type Client struct {
	api *gateway.Client
}

func NewClient(baseURL, token string, timeout time.Duration) *Client {
	return &Client{api: gateway.NewClient("skidata", baseURL, token, timeout)}
}

func (c *Client) CreateTicket(ctx context.Context, req CreateTicketRequest) (*Response, error) {
	return c.post(ctx, "/tickets", req)
}

func (c *Client) CancelTicket(ctx context.Context, req CancelTicketRequest) (*Response, error) {
	return c.post(ctx, "/tickets/cancel", req)
}

// GetOrder returns the order items of a Skidata order.
func (c *Client) GetOrder(ctx context.Context, skidataOrderID int64) ([]models.SkidataOrderItem, error) {
	var resp struct {
		Response
		Results struct {
			OrderItems []models.SkidataOrderItem `json:"orderItems"`
		} `json:"results"`
	}
	path := "/orders/" + strconv.FormatInt(skidataOrderID, 10)
	if err := c.api.Do(ctx, http.MethodGet, path, nil, &resp, ErrorMessage); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, c.rejected(&resp.Response)
	}
	return resp.Results.OrderItems, nil
}

func (c *Client) post(ctx context.Context, path string, in any) (*Response, error) {
	var resp Response
	if err := c.api.Do(ctx, http.MethodPost, path, in, &resp, ErrorMessage); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, c.rejected(&resp)
	}
	return &resp, nil
}

func (c *Client) rejected(r *Response) error {
	msg := r.message()
	if msg == "" {
		msg = "request was not successful"
	}
	return &gateway.APIError{System: c.api.System(), StatusCode: http.StatusOK, Message: msg}
}
