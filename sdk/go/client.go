package truecodingsdk

import (
	"bufio"
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
)

// Client is a minimal Truecoding HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	APIKey      string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no credential is set. Servers only
	// honour it when legacy actor headers are enabled.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Run represents the API run model.
type Run struct {
	ID               string  `json:"id"`
	ProjectID        string  `json:"project_id"`
	Status           string  `json:"status"`
	CurrentIteration int     `json:"current_iteration"`
	TotalIterations  int     `json:"total_iterations"`
	ErrorSummary     *string `json:"error_summary,omitempty"`
	CreatedAt        string  `json:"created_at"`
	StartedAt        *string `json:"started_at,omitempty"`
	UpdatedAt        string  `json:"updated_at"`
	FinishedAt       *string `json:"finished_at,omitempty"`
	IsStale          bool    `json:"is_stale"`
}

// Terminal reports whether the run has finished.
func (r Run) Terminal() bool {
	return r.Status == "SUCCEEDED" || r.Status == "FAILED" || r.Status == "CANCELED"
}

type StartRunResult struct {
	Run           Run  `json:"run"`
	AlreadyActive bool `json:"already_active"`
}

// Gate is one quality gate result.
type Gate struct {
	GateType   string `json:"gate_type"`
	Passed     bool   `json:"passed"`
	DurationMs int64  `json:"duration_ms"`
}

type Iteration struct {
	ID          string `json:"id"`
	Index       int    `json:"index"`
	Name        string `json:"name"`
	Slug        string `json:"slug"`
	GherkinPath string `json:"gherkin_path"`
	Status      string `json:"status"`
	DeployURL   string `json:"deploy_url,omitempty"`
	Gates       []Gate `json:"gates,omitempty"`
}

// Event represents a run log entry.
type Event struct {
	ID          int64           `json:"id"`
	RunID       string          `json:"run_id"`
	Sequence    int64           `json:"sequence"`
	EventType   string          `json:"event_type"`
	IterationID *string         `json:"iteration_id,omitempty"`
	Message     *string         `json:"message,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CreatedAt   string          `json:"created_at"`
}

// EventPage wraps paged event reads.
type EventPage struct {
	Items     []Event `json:"items"`
	NextAfter int64   `json:"next_after"`
}

type CheckpointResult struct {
	RunID          string `json:"run_id"`
	Status         string `json:"status"`
	Action         string `json:"action"`
	IterationIndex int    `json:"iteration_index"`
}

type RecoverResult struct {
	RunID             string `json:"run_id"`
	Status            string `json:"status"`
	AlreadyProcessing bool   `json:"already_processing"`
}

type Project struct {
	ID        string `json:"id"`
	OwnerID   string `json:"owner_id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateProject creates a project owned by the caller.
func (c *Client) CreateProject(ctx context.Context, name string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, "v1/projects", map[string]any{"name": name}, &resp)
	return resp, err
}

// SetPlan records a business, technical or ux plan document.
func (c *Client) SetPlan(ctx context.Context, kind string, content any) error {
	return c.do(ctx, http.MethodPut, c.projectPath("plans/"+url.PathEscape(kind)), map[string]any{"content": content}, nil)
}

// StartRun starts a run. Pass nil for both plan parts to let the server plan.
func (c *Client) StartRun(ctx context.Context, assessment, iterations json.RawMessage) (StartRunResult, error) {
	body := map[string]any{}
	if assessment != nil {
		body["assessment"] = assessment
	}
	if iterations != nil {
		body["iterations"] = iterations
	}
	var resp StartRunResult
	err := c.do(ctx, http.MethodPost, c.projectPath("runs"), body, &resp)
	return resp, err
}

func (c *Client) ListRuns(ctx context.Context) ([]Run, error) {
	var resp struct {
		Items []Run `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, c.projectPath("runs"), nil, &resp)
	return resp.Items, err
}

func (c *Client) GetRun(ctx context.Context, runID string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodGet, c.runPath(runID, ""), nil, &resp)
	return resp, err
}

func (c *Client) Iterations(ctx context.Context, runID string) ([]Iteration, error) {
	var resp struct {
		Items []Iteration `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, c.runPath(runID, "iterations"), nil, &resp)
	return resp.Items, err
}

// Events returns one page of events with sequence > after.
func (c *Client) Events(ctx context.Context, runID string, after int64, limit int) (EventPage, error) {
	q := url.Values{}
	q.Set("after", strconv.FormatInt(after, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp EventPage
	err := c.do(ctx, http.MethodGet, c.runPath(runID, "events")+"?"+q.Encode(), nil, &resp)
	return resp, err
}

// Checkpoint applies pause, resume or approve at an iteration.
func (c *Client) Checkpoint(ctx context.Context, runID string, index int, action string) (CheckpointResult, error) {
	var resp CheckpointResult
	endpoint := c.runPath(runID, fmt.Sprintf("iterations/%d/checkpoint", index))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"action": action}, &resp)
	return resp, err
}

func (c *Client) Recover(ctx context.Context, runID string) (RecoverResult, error) {
	var resp RecoverResult
	err := c.do(ctx, http.MethodPost, c.runPath(runID, "recover"), nil, &resp)
	return resp, err
}

func (c *Client) Retry(ctx context.Context, runID string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPost, c.runPath(runID, "retry"), nil, &resp)
	return resp, err
}

func (c *Client) Cancel(ctx context.Context, runID, reason string) (Run, error) {
	var resp Run
	var body any
	if reason != "" {
		body = map[string]any{"reason": reason}
	}
	err := c.do(ctx, http.MethodPost, c.runPath(runID, "cancel"), body, &resp)
	return resp, err
}

// MessageKind tells stream messages apart.
type MessageKind string

const (
	MessageEvent MessageKind = "event"
	MessageDone  MessageKind = "done"
	MessageError MessageKind = "error"
)

// Message is one frame of a run stream. Exactly one of Event, Done or
// Error is meaningful, per Kind.
type Message struct {
	Kind  MessageKind
	Event Event
	Done  struct {
		Status       string `json:"status"`
		LastSequence int64  `json:"last_sequence"`
	}
	Error string
}

// Stream reads a run's server-sent events. Close it when done.
type Stream struct {
	body io.ReadCloser
	sc   *bufio.Scanner
	// LastSequence is the sequence of the last event read; use it to resume.
	LastSequence int64
}

// Stream opens the run's event stream. after <= 0 lets the server start at
// the current attempt.
func (c *Client) Stream(ctx context.Context, runID string, after int64) (*Stream, error) {
	endpoint := c.runPath(runID, "stream")
	if after > 0 {
		endpoint += "?after=" + strconv.FormatInt(after, 10)
	}
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	// The shared client carries a timeout that would cut long streams.
	httpClient := &http.Client{}
	if c.HTTPClient != nil {
		httpClient.Transport = c.HTTPClient.Transport
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, readAPIError(resp)
	}
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return &Stream{body: resp.Body, sc: sc, LastSequence: after}, nil
}

// Next blocks for the next frame. It returns io.EOF when the server closes
// the stream.
func (s *Stream) Next() (Message, error) {
	var event, data string
	for s.sc.Scan() {
		line := s.sc.Text()
		switch {
		case line == "":
			if event == "" {
				continue
			}
			return s.decode(event, data)
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data += strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
	if err := s.sc.Err(); err != nil {
		return Message{}, err
	}
	return Message{}, io.EOF
}

func (s *Stream) decode(event, data string) (Message, error) {
	switch event {
	case "done":
		msg := Message{Kind: MessageDone}
		err := json.Unmarshal([]byte(data), &msg.Done)
		return msg, err
	case "error":
		var body struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal([]byte(data), &body); err != nil {
			return Message{}, err
		}
		return Message{Kind: MessageError, Error: body.Message}, nil
	default:
		msg := Message{Kind: MessageEvent}
		if err := json.Unmarshal([]byte(data), &msg.Event); err != nil {
			return Message{}, err
		}
		s.LastSequence = msg.Event.Sequence
		return msg, nil
	}
}

func (s *Stream) Close() error {
	return s.body.Close()
}

// ErrStreamFailed is returned by Follow when the server ends a stream with
// an error frame.
var ErrStreamFailed = errors.New("stream failed")

// Follow streams until the run is done, calling fn for each event.
func (c *Client) Follow(ctx context.Context, runID string, fn func(Event) error) (string, error) {
	st, err := c.Stream(ctx, runID, 0)
	if err != nil {
		return "", err
	}
	defer st.Close()
	for {
		msg, err := st.Next()
		if err != nil {
			return "", err
		}
		switch msg.Kind {
		case MessageDone:
			return msg.Done.Status, nil
		case MessageError:
			return "", fmt.Errorf("%w: %s", ErrStreamFailed, msg.Error)
		default:
			if err := fn(msg.Event); err != nil {
				return "", err
			}
		}
	}
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body any) (*http.Request, error) {
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	req, err := c.newRequest(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return readAPIError(resp)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func readAPIError(resp *http.Response) error {
	b, _ := io.ReadAll(resp.Body)
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(b, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
	}
	return apiErr
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v1/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) runPath(runID, p string) string {
	base := c.projectPath("runs/" + url.PathEscape(runID))
	if p == "" {
		return base
	}
	return base + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
