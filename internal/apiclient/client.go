// Package apiclient is the typed HTTP boundary of the inbox: message
// history, sends, read receipts, the ticket list and media uploads.
// Every response is decoded into a per-endpoint envelope and validated
// before it is handed to the stores.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/psds-microservice/crm-inbox/internal/errs"
	"github.com/psds-microservice/crm-inbox/internal/model"
	"github.com/rs/zerolog"
)

const maxErrorBody = 4 << 10

type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger

	mu    sync.RWMutex
	token string
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.httpClient = hc } }

func WithLogger(l zerolog.Logger) Option { return func(c *Client) { c.logger = l } }

func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SetToken swaps the bearer token (login/logout).
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// ListMessages fetches one page of a ticket's history, newest first.
func (c *Client) ListMessages(ctx context.Context, ticketID int64, page, limit int) (model.MessagePage, error) {
	q := url.Values{}
	q.Set("pageNumber", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))
	var env messageListResponse
	if err := c.doJSON(ctx, http.MethodGet, messagesPath(ticketID), q, nil, &env); err != nil {
		return model.MessagePage{}, fmt.Errorf("list messages: %w", err)
	}
	if err := env.validate(ticketID); err != nil {
		return model.MessagePage{}, fmt.Errorf("list messages: %w", err)
	}
	return *env.Data, nil
}

func (c *Client) SendMessage(ctx context.Context, ticketID int64, out model.OutgoingMessage) (model.Message, error) {
	var env messageResponse
	if err := c.doJSON(ctx, http.MethodPost, messagesPath(ticketID), nil, out, &env); err != nil {
		return model.Message{}, fmt.Errorf("send message: %w", err)
	}
	if err := env.validate(ticketID); err != nil {
		return model.Message{}, fmt.Errorf("send message: %w", err)
	}
	return *env.Data, nil
}

func (c *Client) MarkRead(ctx context.Context, ticketID int64) error {
	var env ackResponse
	if err := c.doJSON(ctx, http.MethodPut, messagesPath(ticketID)+"/read", nil, nil, &env); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if err := env.validate(); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// ListTickets omits status and search from the query when they are empty.
func (c *Client) ListTickets(ctx context.Context, query model.TicketQuery) (model.TicketPage, error) {
	q := url.Values{}
	if query.Status != "" {
		q.Set("status", query.Status)
	}
	if query.Search != "" {
		q.Set("search", query.Search)
	}
	page := query.PageNumber
	if page <= 0 {
		page = 1
	}
	q.Set("pageNumber", strconv.Itoa(page))
	if query.Limit > 0 {
		q.Set("limit", strconv.Itoa(query.Limit))
	}
	var env ticketListResponse
	if err := c.doJSON(ctx, http.MethodGet, "/tickets", q, nil, &env); err != nil {
		return model.TicketPage{}, fmt.Errorf("list tickets: %w", err)
	}
	if err := env.validate(); err != nil {
		return model.TicketPage{}, fmt.Errorf("list tickets: %w", err)
	}
	return *env.Data, nil
}

func messagesPath(ticketID int64) string {
	return "/messages/" + strconv.FormatInt(ticketID, 10)
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if tok := c.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	return req, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := c.newRequest(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", errs.ErrRequestFailed, err)
	}
	defer resp.Body.Close()
	c.logger.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Msg("api request")

	if resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode: %v", errs.ErrInvalidResponse, err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	apiErr := &errs.APIError{StatusCode: resp.StatusCode}
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &body) == nil {
		apiErr.Message = body.Error
		if apiErr.Message == "" {
			apiErr.Message = body.Message
		}
	}
	return apiErr
}
