// Package client is the voice client's side of the relay: HTTP calls to
// the API, the chat transports, the stream consumer and the local store.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/markdave123-py/chatrelay/internal/models"
)

// HTTPError is a non-2xx answer from the API.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("api returned %d: %s", e.Status, e.Body)
}

type Options struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

type Client struct {
	baseURL  *url.URL
	token    string
	http     *http.Client
	stream   *http.Client
	logger   *slog.Logger
	encoders map[string]Encoder
}

func New(opts Options) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", opts.BaseURL)
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	// Streaming responses must not be cut off by the request timeout.
	stream := *opts.HTTPClient
	stream.Timeout = 0
	c := &Client{
		baseURL:  u,
		token:    opts.Token,
		http:     opts.HTTPClient,
		stream:   &stream,
		logger:   opts.Logger,
		encoders: make(map[string]Encoder),
	}
	c.RegisterEncoder(WAVEncoder{})
	return c, nil
}

func (c *Client) Token() string { return c.token }

// SetToken replaces the bearer token, e.g. after creating a guest.
func (c *Client) SetToken(token string) { c.token = token }

func (c *Client) endpoint(path string) string {
	return c.baseURL.String() + path
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), body)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// do sends req and turns non-2xx answers into *HTTPError. The caller
// closes the body of a successful response.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	return send(c.http, req)
}

// doStream is do without the client timeout, for long-lived responses.
func (c *Client) doStream(req *http.Request) (*http.Response, error) {
	return send(c.stream, req)
}

func send(hc *http.Client, req *http.Request) (*http.Response, error) {
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, &HTTPError{Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	return resp, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}

// Guest is a freshly issued guest identity.
type Guest struct {
	ID    string `json:"guest_id"`
	Token string `json:"token"`
}

// CreateGuest asks the API for a guest identity and adopts its token.
func (c *Client) CreateGuest(ctx context.Context) (*Guest, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/api/guests", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("create guest: %w", err)
	}
	defer resp.Body.Close()
	var g Guest
	if err := json.NewDecoder(resp.Body).Decode(&g); err != nil {
		return nil, fmt.Errorf("decode guest: %w", err)
	}
	c.token = g.Token
	return &g, nil
}

// Messages loads a conversation ordered by message_number.
func (c *Client) Messages(ctx context.Context, chatID string) ([]models.Message, error) {
	var out struct {
		Messages []models.Message `json:"messages"`
	}
	if err := c.getJSON(ctx, "/api/conversations/"+url.PathEscape(chatID)+"/messages", &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// PaymentStatus returns the gate signals recorded for guestID.
func (c *Client) PaymentStatus(ctx context.Context, guestID string) (models.PaymentSignals, error) {
	var out models.PaymentSignals
	err := c.getJSON(ctx, "/api/guests/"+url.PathEscape(guestID)+"/payment-status", &out)
	return out, err
}

// WaitUnlocked polls the payment status until the gate opens or ctx ends.
func (c *Client) WaitUnlocked(ctx context.Context, guestID string, every time.Duration) (models.PaymentSignals, error) {
	if every <= 0 {
		every = 3 * time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		sig, err := c.PaymentStatus(ctx, guestID)
		if err != nil {
			var he *HTTPError
			if !errors.As(err, &he) || he.Status >= 500 {
				c.logger.Debug("payment status poll failed", "error", err)
			} else {
				return sig, err
			}
		} else if ComputeGate(true, sig) == Unlocked {
			return sig, nil
		}
		select {
		case <-ctx.Done():
			return sig, ctx.Err()
		case <-t.C:
		}
	}
}
