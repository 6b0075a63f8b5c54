// Package lobby talks to the external lobby service that creates rooms and
// wants to hear when they close.
package lobby

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/hashicorp/go-retryablehttp"
)

// ErrRoomNotFound is returned when the lobby does not know a room.
var ErrRoomNotFound = errors.New("room not found")

const (
	retryMax     = 3
	retryWaitMin = 200 * time.Millisecond
	retryWaitMax = 2 * time.Second
	maxBody      = 1 << 20
)

// Descriptor is the lobby's view of a room.
type Descriptor struct {
	RoomID   string `json:"roomId"`
	MaxSlots int    `json:"maxSlots"`
	Password string `json:"password,omitempty"`
	HostName string `json:"hostName"`
}

// Client is a lobby HTTP client with retries.
type Client struct {
	Logger  logr.Logger
	baseURL string
	http    *retryablehttp.Client
}

// New builds a client for the lobby at baseURL.
func New(baseURL string, logger logr.Logger) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = retryMax
	rc.RetryWaitMin = retryWaitMin
	rc.RetryWaitMax = retryWaitMax
	rc.Logger = leveled{logger.WithName("http")}
	return &Client{
		Logger:  logger,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    rc,
	}
}

// FetchSession retrieves the descriptor of roomID.
func (c *Client) FetchSession(ctx context.Context, roomID string) (Descriptor, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.roomURL(roomID), nil)
	if err != nil {
		return Descriptor{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return Descriptor{}, fmt.Errorf("fetch room %s: %w", roomID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Descriptor{}, fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	case resp.StatusCode != http.StatusOK:
		return Descriptor{}, fmt.Errorf("fetch room %s: unexpected status %d", roomID, resp.StatusCode)
	}

	var d Descriptor
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(&d); err != nil {
		return Descriptor{}, fmt.Errorf("decode room %s: %w", roomID, err)
	}
	if d.RoomID == "" {
		d.RoomID = roomID
	}
	return d, nil
}

// ReportClosed tells the lobby that roomID is gone.
func (c *Client) ReportClosed(ctx context.Context, roomID string) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.roomURL(roomID)+"/closed", nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("report room %s closed: %w", roomID, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))

	if resp.StatusCode >= http.StatusBadRequest && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("report room %s closed: unexpected status %d", roomID, resp.StatusCode)
	}
	c.Logger.Info("reported room closed", "room", roomID)
	return nil
}

func (c *Client) roomURL(roomID string) string {
	return c.baseURL + "/rooms/" + url.PathEscape(roomID)
}

// leveled adapts logr to retryablehttp's LeveledLogger.
type leveled struct {
	l logr.Logger
}

func (a leveled) Error(msg string, kv ...interface{}) { a.l.Error(nil, msg, kv...) }
func (a leveled) Info(msg string, kv ...interface{})  { a.l.V(1).Info(msg, kv...) }
func (a leveled) Debug(msg string, kv ...interface{}) { a.l.V(2).Info(msg, kv...) }
func (a leveled) Warn(msg string, kv ...interface{})  { a.l.Info(msg, kv...) }

var _ retryablehttp.LeveledLogger = leveled{}
