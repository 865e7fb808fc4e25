// Package client talks to the edit history HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/edithistory/internal/history"
	"go.uber.org/zap"
)

const (
	defaultTimeout   = 10 * time.Second
	maxErrorBodySize = 4096
	jsonContentType  = "application/json"
)

var (
	// ErrInvalidClientConfig indicates an unusable base URL.
	ErrInvalidClientConfig = errors.New("client: invalid config")
	// ErrUnexpectedStatus indicates a non-success response from the API.
	ErrUnexpectedStatus = errors.New("client: unexpected status")
)

// StatusError carries the status and error code of a failed API call.
type StatusError struct {
	StatusCode int
	Code       string
}

func (e *StatusError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("%v: %d", ErrUnexpectedStatus, e.StatusCode)
	}
	return fmt.Sprintf("%v: %d %s", ErrUnexpectedStatus, e.StatusCode, e.Code)
}

func (e *StatusError) Unwrap() error {
	return ErrUnexpectedStatus
}

// Config bundles the settings of a Client.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *zap.Logger
}

// Client calls the edit history API and implements history.Fetcher.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	logger     *zap.Logger
}

// New validates cfg and returns a Client.
func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("%w: base url %q", ErrInvalidClientConfig, cfg.BaseURL)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{baseURL: base, httpClient: httpClient, logger: logger}, nil
}

// Event is the wire form of a stored event.
type Event struct {
	EventID        string          `json:"event_id"`
	RoomID         string          `json:"room_id"`
	Sender         string          `json:"sender"`
	Type           string          `json:"type"`
	Content        json.RawMessage `json:"content"`
	OriginServerTS int64           `json:"origin_server_ts"`
}

type editsResponse struct {
	Chunk         []Event `json:"chunk"`
	NextBatch     string  `json:"next_batch,omitempty"`
	OriginalEvent *Event  `json:"original_event,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// FetchEdits implements history.Fetcher over GET /rooms/:room_id/messages/:message_id/edits.
func (c *Client) FetchEdits(ctx context.Context, request history.FetchRequest) (history.Page, error) {
	query := url.Values{}
	if !request.From.IsZero() {
		query.Set("from", request.From.String())
	}
	if request.Limit > 0 {
		query.Set("limit", strconv.Itoa(request.Limit))
	}
	if request.Encrypted {
		query.Set("encrypted", "true")
	}

	var response editsResponse
	endpoint := c.endpoint(query, "rooms", request.RoomID, "messages", request.MessageID, "edits")
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &response); err != nil {
		return history.Page{}, err
	}

	page := history.Page{
		Revisions:  make([]history.RawRevision, 0, len(response.Chunk)),
		NextCursor: history.Cursor(response.NextBatch),
	}
	for _, event := range response.Chunk {
		page.Revisions = append(page.Revisions, event.RawRevision())
	}
	if response.OriginalEvent != nil {
		original := response.OriginalEvent.RawRevision()
		page.Original = &original
	}
	return page, nil
}

// CreateMessage posts an original message and returns the stored event.
func (c *Client) CreateMessage(ctx context.Context, roomID, sender, eventType string, content json.RawMessage) (Event, error) {
	var created Event
	body := eventRequest{Sender: sender, Type: eventType, Content: content}
	err := c.do(ctx, http.MethodPost, c.endpoint(nil, "rooms", roomID, "messages"), body, &created)
	return created, err
}

// AppendEdit posts a replacement event for messageID and returns the stored event.
func (c *Client) AppendEdit(ctx context.Context, roomID, messageID, sender, eventType string, content json.RawMessage) (Event, error) {
	var created Event
	body := eventRequest{Sender: sender, Type: eventType, Content: content}
	err := c.do(ctx, http.MethodPost, c.endpoint(nil, "rooms", roomID, "messages", messageID, "edits"), body, &created)
	return created, err
}

type eventRequest struct {
	Sender  string          `json:"sender"`
	Type    string          `json:"type,omitempty"`
	Content json.RawMessage `json:"content"`
}

// RawRevision converts the wire event into the fetch port representation.
func (e Event) RawRevision() history.RawRevision {
	var ts time.Time
	if e.OriginServerTS > 0 {
		ts = time.UnixMilli(e.OriginServerTS).UTC()
	}
	return history.RawRevision{
		EventID:        e.EventID,
		RoomID:         e.RoomID,
		SenderID:       e.Sender,
		Type:           e.Type,
		Content:        e.Content,
		OriginServerTS: ts,
	}
}

func (c *Client) endpoint(query url.Values, segments ...string) string {
	escaped := make([]string, 0, len(segments))
	for _, segment := range segments {
		escaped = append(escaped, url.PathEscape(segment))
	}
	target := *c.baseURL
	prefix := strings.TrimRight(target.EscapedPath(), "/")
	target.RawPath = prefix + "/" + strings.Join(escaped, "/")
	target.Path = strings.TrimRight(target.Path, "/") + "/" + strings.Join(segments, "/")
	if len(query) > 0 {
		target.RawQuery = query.Encode()
	}
	return target.String()
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var payload io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, endpoint, payload)
	if err != nil {
		return err
	}
	request.Header.Set("Accept", jsonContentType)
	if body != nil {
		request.Header.Set("Content-Type", jsonContentType)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		c.logger.Warn("edit history request failed", zap.String("method", method), zap.Error(err))
		return err
	}
	defer response.Body.Close()

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		statusErr := &StatusError{StatusCode: response.StatusCode}
		var decoded errorResponse
		if err := json.NewDecoder(io.LimitReader(response.Body, maxErrorBodySize)).Decode(&decoded); err == nil {
			statusErr.Code = decoded.Error
		}
		c.logger.Warn("edit history request rejected",
			zap.String("method", method),
			zap.Int("status", response.StatusCode),
			zap.String("code", statusErr.Code))
		return statusErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decode response: %w", err)
	}
	return nil
}
