// Package restapi is the thin client for the platform's request/response
// collaborators: history pages, the active-ride lookup, read-receipt
// fallback and the authoritative ride-status mutation. The UI layer polls
// these on fixed intervals, independent of the event-driven path.
package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"goridesync/internal/models"
)

// RequestError carries the gateway's error body for a failed call.
type RequestError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("gateway request failed (%d %s): %s", e.StatusCode, e.Code, e.Message)
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

type apiEnvelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body interface{}, out interface{}) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		reqErr := &RequestError{StatusCode: resp.StatusCode}
		if env.Error != nil {
			reqErr.Code = env.Error.Code
			reqErr.Message = env.Error.Message
		}
		return reqErr
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode response data: %w", err)
		}
	}
	return nil
}

type rideRequestBody struct {
	PickupLocation  models.Location     `json:"pickup_location"`
	DropoffLocation models.Location     `json:"dropoff_location"`
	VehicleClass    models.VehicleClass `json:"vehicle_class"`
}

// RequestRide creates a new ride request and returns the stored session.
func (c *Client) RequestRide(ctx context.Context, pickup, dropoff models.Location, class models.VehicleClass) (models.RideSession, error) {
	var session models.RideSession
	err := c.do(ctx, http.MethodPost, "/api/v1/rides", nil, rideRequestBody{
		PickupLocation:  pickup,
		DropoffLocation: dropoff,
		VehicleClass:    class,
	}, &session)
	return session, err
}

// ActiveRide fetches the caller's in-flight ride, if any. The sync core
// uses it to restore a session after a reload.
func (c *Client) ActiveRide(ctx context.Context, role string) (models.RideSession, bool, error) {
	var session models.RideSession
	query := url.Values{"role": {role}}
	err := c.do(ctx, http.MethodGet, "/api/v1/rides/active", query, nil, &session)
	var reqErr *RequestError
	if errors.As(err, &reqErr) && reqErr.StatusCode == http.StatusNotFound {
		return models.RideSession{}, false, nil
	}
	if err != nil {
		return models.RideSession{}, false, err
	}
	return session, true, nil
}

// PendingRides lists open requests for driver dashboards.
func (c *Client) PendingRides(ctx context.Context) ([]models.RideSession, error) {
	var pending []models.RideSession
	err := c.do(ctx, http.MethodGet, "/api/v1/rides/pending", nil, nil, &pending)
	return pending, err
}

type updateStatusBody struct {
	PreviousStatus models.RideStatus `json:"previous_status"`
	NewStatus      models.RideStatus `json:"new_status"`
	CancelReason   string            `json:"cancel_reason,omitempty"`
}

// UpdateRideStatus performs the authoritative mutation. Satisfies
// ride.StatusStore; the caller's identity travels in the token, so
// updatedBy is informational only.
func (c *Client) UpdateRideStatus(ctx context.Context, rideID string, prev, next models.RideStatus, updatedBy, reason string) error {
	return c.do(ctx, http.MethodPut, "/api/v1/rides/"+rideID+"/status", nil, updateStatusBody{
		PreviousStatus: prev,
		NewStatus:      next,
		CancelReason:   reason,
	}, nil)
}

// MessageHistory fetches one page of a room's history, oldest first within
// the page.
func (c *Client) MessageHistory(ctx context.Context, rideID string, page, limit int) ([]models.Message, error) {
	query := url.Values{
		"page":  {strconv.Itoa(page)},
		"limit": {strconv.Itoa(limit)},
	}
	var msgs []models.Message
	err := c.do(ctx, http.MethodGet, "/api/v1/rides/"+rideID+"/messages", query, nil, &msgs)
	return msgs, err
}

type markReadBody struct {
	MessageIDs []string `json:"message_ids"`
}

// MarkMessagesRead is the REST fallback when the socket is down.
func (c *Client) MarkMessagesRead(ctx context.Context, rideID string, messageIDs []string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/rides/"+rideID+"/messages/read", nil, markReadBody{
		MessageIDs: messageIDs,
	}, nil)
}

// Conversations lists the ride IDs the user has exchanged messages in.
func (c *Client) Conversations(ctx context.Context) ([]string, error) {
	var rideIDs []string
	err := c.do(ctx, http.MethodGet, "/api/v1/conversations", nil, nil, &rideIDs)
	return rideIDs, err
}

// UnreadCount returns the user's unread message counter.
func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	var data struct {
		Count int `json:"count"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/messages/unread_count", nil, nil, &data)
	return data.Count, err
}

// Notifications lists stored notifications for the user.
func (c *Client) Notifications(ctx context.Context) ([]models.Notification, error) {
	var notifications []models.Notification
	err := c.do(ctx, http.MethodGet, "/api/v1/notifications", nil, nil, &notifications)
	return notifications, err
}

func (c *Client) MarkNotificationRead(ctx context.Context, notificationID string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/notifications/"+notificationID+"/read", nil, nil, nil)
}

func (c *Client) MarkAllNotificationsRead(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/v1/notifications/read_all", nil, nil, nil)
}
