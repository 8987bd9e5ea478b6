package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"Roastr/internal/api"
	"Roastr/internal/federation"
)

// Client talks to a roastr daemon over its HTTP API.
type Client struct {
	baseURL string       // baseURL is the daemon address, e.g. "http://127.0.0.1:7400"
	http    *http.Client // http carries the requests
}

// New creates a client for the daemon at addr. A bare host:port is taken as http.
func New(addr string) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}

	return &Client{
		baseURL: strings.TrimRight(addr, "/"),
		http:    &http.Client{Timeout: 11 * time.Minute},
	}
}

// Health reports whether the daemon is up and joined.
func (c *Client) Health(ctx context.Context) (joined bool, err error) {
	var resp struct {
		Joined bool `json:"joined"`
	}

	if err := c.do(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return false, err
	}

	return resp.Joined, nil
}

// Join redeems an invite code with the admin credentials.
func (c *Client) Join(ctx context.Context, inviteCode string, adminPeer uint16, adminAuth []byte) (*api.JoinResponse, error) {
	req := api.JoinRequest{InviteCode: inviteCode, AdminPeerID: adminPeer, AdminAuth: federation.HexBytes(adminAuth)}

	var resp api.JoinResponse
	if err := c.do(ctx, http.MethodPost, "/federation/join", req, &resp); err != nil {
		return nil, fmt.Errorf("join:\n%w", err)
	}

	return &resp, nil
}

// CreateNote opens a signing session and returns the event id.
func (c *Client) CreateNote(ctx context.Context, content []byte) (string, error) {
	var resp api.CreateNoteResponse
	if err := c.do(ctx, http.MethodPost, "/notes", api.CreateNoteRequest{Content: content}, &resp); err != nil {
		return "", fmt.Errorf("create note:\n%w", err)
	}

	return resp.EventID, nil
}

// SignNote runs one signing attempt. wait bounds how long the daemon holds the request; zero uses its default.
func (c *Client) SignNote(ctx context.Context, eventID string, wait time.Duration) (*api.SignResponse, error) {
	path := "/notes/" + eventID + "/sign"
	if wait > 0 {
		path += "?wait=" + wait.String()
	}

	var resp api.SignResponse
	if err := c.do(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("sign note %s:\n%w", eventID, err)
	}

	return &resp, nil
}

// SignNoteUntilDone repeats SignNote with backoff while the daemon reports a retryable failure.
func (c *Client) SignNoteUntilDone(ctx context.Context, eventID string, wait time.Duration) (*api.SignResponse, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = 0

	op := func() (*api.SignResponse, error) {
		resp, err := c.SignNote(ctx, eventID, wait)
		if err != nil && !IsRetryable(err) {
			return nil, backoff.Permanent(err)
		}
		return resp, err
	}

	return backoff.RetryWithData(op, backoff.WithContext(bo, ctx))
}

// BroadcastNote publishes a signed note through the federation.
func (c *Client) BroadcastNote(ctx context.Context, eventID string) (*api.ReceiptResponse, error) {
	var resp api.ReceiptResponse
	if err := c.do(ctx, http.MethodPost, "/notes/"+eventID+"/broadcast", nil, &resp); err != nil {
		return nil, fmt.Errorf("broadcast note %s:\n%w", eventID, err)
	}

	return &resp, nil
}

// SigningSessions returns each guardian's share status for a note.
func (c *Client) SigningSessions(ctx context.Context, eventID string) (*api.SessionsResponse, error) {
	var resp api.SessionsResponse
	if err := c.do(ctx, http.MethodGet, "/notes/"+eventID+"/sessions", nil, &resp); err != nil {
		return nil, fmt.Errorf("signing sessions %s:\n%w", eventID, err)
	}

	return &resp, nil
}

// Note returns a signed note.
func (c *Client) Note(ctx context.Context, eventID string) (*api.NoteResponse, error) {
	var resp api.NoteResponse
	if err := c.do(ctx, http.MethodGet, "/notes/"+eventID, nil, &resp); err != nil {
		return nil, fmt.Errorf("note %s:\n%w", eventID, err)
	}

	return &resp, nil
}

// Notes lists every signing session.
func (c *Client) Notes(ctx context.Context) ([]api.SignResponse, error) {
	var resp []api.SignResponse
	if err := c.do(ctx, http.MethodGet, "/notes/", nil, &resp); err != nil {
		return nil, fmt.Errorf("list notes:\n%w", err)
	}

	return resp, nil
}

// IsRetryable reports whether err is a daemon answer marked retryable.
func IsRetryable(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Retryable
}
