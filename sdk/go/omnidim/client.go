// Package omnidim is a small Go client for the OmniDimension operator API.
package omnidim

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
// Commands wait for the whole reply chain, so it is longer than a plain REST call.
const DefaultHTTPTimeout = 90 * time.Second

// Client wraps the HTTP interactions with the OmniDimension API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// ActionRef points at an action queued by a command.
type ActionRef struct {
	ID   string `json:"id"`
	Kind string `json:"kind,omitempty"`
}

// Message is one conversation entry.
type Message struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Actions   []ActionRef    `json:"actions,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	IsError   bool           `json:"isError,omitempty"`
}

// Source returns the reply tier recorded in the message metadata.
func (m Message) Source() string {
	source, _ := m.Metadata["source"].(string)
	return source
}

// CommandResult holds the two messages a command appends.
type CommandResult struct {
	User  Message `json:"user"`
	Reply Message `json:"reply"`
}

// HistoryEntry is one turn sent to the completion proxy.
type HistoryEntry struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// Envelope is the completion proxy response.
type Envelope struct {
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata"`
}

// ActionResult is the execution note recorded for a finished action.
type ActionResult struct {
	Note         string `json:"note"`
	Model        string `json:"model,omitempty"`
	Observations string `json:"observations,omitempty"`
}

// Action is an action as reported by the queue views.
type Action struct {
	ID          string        `json:"id"`
	Command     string        `json:"command"`
	Channel     string        `json:"channel"`
	Instruction string        `json:"instruction"`
	Status      string        `json:"status"`
	Attempts    int           `json:"attempts"`
	MaxRetries  int           `json:"max_retries"`
	LastError   string        `json:"last_error,omitempty"`
	ErrorCode   string        `json:"error_code,omitempty"`
	Result      *ActionResult `json:"result,omitempty"`
	CreatedAt   int64         `json:"created_at"`
	UpdatedAt   int64         `json:"updated_at"`
}

// ActionFilter narrows ListActions and ActionStats.
type ActionFilter struct {
	Limit    int
	Offset   int
	Statuses []string
	Channels []string
	Query    string

	// UpdatedSince and UpdatedUntil bound the last update time; zero means unbounded.
	UpdatedSince time.Time
	UpdatedUntil time.Time
	// HasResult, when set, keeps only actions with (or without) an execution result.
	HasResult *bool
}

func (f ActionFilter) values() url.Values {
	v := url.Values{}
	if f.Limit > 0 {
		v.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.Offset > 0 {
		v.Set("offset", strconv.Itoa(f.Offset))
	}
	if len(f.Statuses) > 0 {
		v.Set("status", strings.Join(f.Statuses, ","))
	}
	if len(f.Channels) > 0 {
		v.Set("channel", strings.Join(f.Channels, ","))
	}
	if q := strings.TrimSpace(f.Query); q != "" {
		v.Set("q", q)
	}
	if !f.UpdatedSince.IsZero() {
		v.Set("since", strconv.FormatInt(f.UpdatedSince.Unix(), 10))
	}
	if !f.UpdatedUntil.IsZero() {
		v.Set("until", strconv.FormatInt(f.UpdatedUntil.Unix(), 10))
	}
	if f.HasResult != nil {
		v.Set("has_result", strconv.FormatBool(*f.HasResult))
	}
	return v
}

// Stats summarises the action queue.
type Stats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// StatsResponse is returned by ActionStats.
type StatsResponse struct {
	Stats       Stats   `json:"stats"`
	SuccessRate float64 `json:"successRate"`
}

// Agent is one entry of the roster.
type Agent struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Status       string   `json:"status"`
	Capabilities []string `json:"capabilities"`
}

// APIError represents a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("omnidim api error (%d): %s", e.StatusCode, e.Message)
}

// Busy reports whether the server rejected a command because another one is in flight.
func (e *APIError) Busy() bool {
	return e != nil && e.StatusCode == http.StatusConflict
}

// NewClient instantiates a client for the OmniDimension API. When httpClient is
// nil a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SubmitCommand runs a command through the orchestrator and returns the
// appended user and reply messages.
func (c *Client) SubmitCommand(ctx context.Context, command string) (CommandResult, error) {
	var result CommandResult
	err := c.post(ctx, "/api/v1/commands", map[string]string{"command": command}, &result)
	return result, err
}

// Conversation returns up to limit recent messages; limit <= 0 uses the server default.
func (c *Client) Conversation(ctx context.Context, limit int) ([]Message, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var messages []Message
	err := c.get(ctx, "/api/v1/conversation", query, &messages)
	return messages, err
}

// Complete calls the stateless completion proxy. A failed completion is
// returned as an *APIError together with the decoded failure envelope.
func (c *Client) Complete(ctx context.Context, command string, history []HistoryEntry) (Envelope, error) {
	if history == nil {
		history = []HistoryEntry{}
	}
	var env Envelope
	err := c.post(ctx, "/api/omnidimension/chat", map[string]any{
		"command":             command,
		"conversationHistory": history,
	}, &env)
	return env, err
}

// ListActions returns actions matching the filter.
func (c *Client) ListActions(ctx context.Context, filter ActionFilter) ([]Action, error) {
	var actions []Action
	err := c.get(ctx, "/api/v1/actions", filter.values(), &actions)
	return actions, err
}

// GetAction fetches a single action by ID.
func (c *Client) GetAction(ctx context.Context, id string) (Action, error) {
	var action Action
	err := c.get(ctx, "/api/v1/actions/"+url.PathEscape(id), nil, &action)
	return action, err
}

// ActionStats aggregates the action queue.
func (c *Client) ActionStats(ctx context.Context, filter ActionFilter) (StatsResponse, error) {
	var stats StatsResponse
	err := c.get(ctx, "/api/v1/actions/stats", filter.values(), &stats)
	return stats, err
}

// Agents returns the roster.
func (c *Client) Agents(ctx context.Context) ([]Agent, error) {
	var agents []Agent
	err := c.get(ctx, "/api/v1/agents", nil, &agents)
	return agents, err
}

// ToggleVoice flips voice capture and returns the new state.
func (c *Client) ToggleVoice(ctx context.Context) (string, error) {
	var out struct {
		State string `json:"state"`
	}
	err := c.post(ctx, "/api/v1/voice/toggle", nil, &out)
	return out.State, err
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	u := *c.baseURL
	u.Path = path.Join(c.baseURL.Path, endpoint)
	u.RawPath = ""
	u.RawQuery = query.Encode()
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(data, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		// 补全代理失败时仍返回 envelope，尽量解码给调用方。
		if out != nil {
			_ = json.Unmarshal(data, out)
		}
		return apiErr
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
