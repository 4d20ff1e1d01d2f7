// ABOUTME: MCP client for user-registered tool servers over Streamable HTTP.
// ABOUTME: Classifies failures into timeout, connection, auth, and invalid-server errors.

package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/2389/coven-connect/internal/store"
)

// Client failure classes. Transport and protocol failures wrap exactly one;
// server-reported failures surface as *JSONRPCError or *ToolError.
var (
	// ErrTimeout means the request did not complete before its deadline.
	ErrTimeout = errors.New("tool server timed out")
	// ErrConnection means the server could not be reached (refused, DNS, reset, 502-504).
	ErrConnection = errors.New("tool server unreachable")
	// ErrUnauthorized means the server answered 401 or 403.
	ErrUnauthorized = errors.New("tool server rejected credentials")
	// ErrInvalidResponse means the server answered but not as an MCP tool server.
	ErrInvalidResponse = errors.New("invalid tool server response")
)

// maxListPages bounds tools/list pagination against a misbehaving server.
const maxListPages = 20

// StatusError records an unexpected HTTP status.
type StatusError struct {
	StatusCode int
	class      error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: http %d", e.class, e.StatusCode)
}

func (e *StatusError) Unwrap() error { return e.class }

// ToolError is a tools/call result flagged isError by the server.
type ToolError struct {
	Text string
}

func (e *ToolError) Error() string {
	if e.Text == "" {
		return "tool reported an error"
	}
	return "tool reported an error: " + e.Text
}

// Client speaks MCP JSON-RPC to a single tool server endpoint.
// It is safe for concurrent use.
type Client struct {
	endpoint   string
	httpClient *http.Client
	header     http.Header
	logger     *slog.Logger

	mu          sync.Mutex
	initialized bool
	sessionID   string

	nextID atomic.Int64
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithBearerToken authenticates every request with the token.
func WithBearerToken(token string) ClientOption {
	return func(c *Client) { c.header.Set("Authorization", "Bearer "+token) }
}

// WithHeader adds a header to every request.
func WithHeader(key, value string) ClientOption {
	return func(c *Client) { c.header.Set(key, value) }
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a client for the endpoint. Deadlines come from the
// context passed to each call.
func NewClient(endpoint string, opts ...ClientOption) *Client {
	c := &Client{
		endpoint:   endpoint,
		httpClient: http.DefaultClient,
		header:     make(http.Header),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "mcp.client")
	return c
}

// Initialize performs the MCP handshake. Servers that answer method-not-found
// are treated as stateless and used without a session.
func (c *Client) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initializeLocked(ctx)
}

func (c *Client) initializeLocked(ctx context.Context) error {
	if c.initialized {
		return nil
	}

	params := MCPInitializeParams{
		ProtocolVersion: latestProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      MCPImplInfo{Name: "coven-connect", Version: "1.0.0"},
	}
	_, header, err := c.roundTrip(ctx, "initialize", params, "")
	var rpcErr *JSONRPCError
	switch {
	case err == nil:
		c.sessionID = header.Get("Mcp-Session-Id")
		// The initialized notification is best effort; the server has no reply to give.
		if _, _, nerr := c.roundTrip(ctx, "notifications/initialized", nil, c.sessionID); nerr != nil {
			c.logger.Debug("initialized notification failed", "error", nerr)
		}
	case errors.As(err, &rpcErr) && rpcErr.Code == JSONRPCMethodNotFound:
		c.logger.Debug("server does not implement initialize, continuing stateless")
	default:
		return err
	}

	c.initialized = true
	return nil
}

// ListTools returns the server's tool catalog, following pagination.
func (c *Client) ListTools(ctx context.Context) ([]store.ToolInfo, error) {
	tools := []store.ToolInfo{}
	cursor := ""
	for page := 0; page < maxListPages; page++ {
		var params any
		if cursor != "" {
			params = map[string]string{"cursor": cursor}
		}
		raw, err := c.call(ctx, "tools/list", params)
		if err != nil {
			return nil, err
		}

		var result struct {
			Tools      *[]MCPToolInfo `json:"tools"`
			NextCursor string         `json:"nextCursor"`
		}
		if err := json.Unmarshal(raw, &result); err != nil || result.Tools == nil {
			return nil, fmt.Errorf("%w: tools/list result has no tools array", ErrInvalidResponse)
		}
		for _, t := range *result.Tools {
			if t.Name == "" {
				return nil, fmt.Errorf("%w: tool without a name", ErrInvalidResponse)
			}
			tools = append(tools, t.toToolInfo())
		}
		if result.NextCursor == "" {
			return tools, nil
		}
		cursor = result.NextCursor
	}
	c.logger.Warn("tools/list pagination truncated", "endpoint", c.endpoint, "pages", maxListPages)
	return tools, nil
}

// CallTool invokes a tool and returns its text content as JSON. Text that is
// already valid JSON is returned as-is; anything else is returned as a JSON string.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage(`{}`)
	}

	raw, err := c.call(ctx, "tools/call", MCPCallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}

	var result MCPCallToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("%w: malformed tools/call result", ErrInvalidResponse)
	}

	var text strings.Builder
	for _, part := range result.Content {
		if part.Type == "text" {
			text.WriteString(part.Text)
		}
	}
	if result.IsError {
		return nil, &ToolError{Text: text.String()}
	}

	out := text.String()
	if json.Valid([]byte(out)) && out != "" {
		return json.RawMessage(out), nil
	}
	encoded, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encoding tool output: %w", err)
	}
	return encoded, nil
}

func (c *Client) ensureSession(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.initializeLocked(ctx); err != nil {
		return "", err
	}
	return c.sessionID, nil
}

// call sends a request inside the current session. A 404 to a request that
// carried a session ID means the server dropped the session; the client
// re-initializes once and replays the request.
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	sessionID, err := c.ensureSession(ctx)
	if err != nil {
		return nil, err
	}
	raw, _, err := c.roundTrip(ctx, method, params, sessionID)
	var statusErr *StatusError
	if sessionID == "" || !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusNotFound {
		return raw, err
	}

	c.logger.Debug("tool server session expired, re-initializing", "endpoint", c.endpoint)
	c.resetSession(sessionID)
	if sessionID, err = c.ensureSession(ctx); err != nil {
		return nil, err
	}
	raw, _, err = c.roundTrip(ctx, method, params, sessionID)
	return raw, err
}

// resetSession forgets sessionID unless a concurrent call already replaced it.
func (c *Client) resetSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionID == sessionID {
		c.sessionID = ""
		c.initialized = false
	}
}

// roundTrip sends one JSON-RPC message. A nil params with a notifications/
// method is sent without an ID and expects no result.
func (c *Client) roundTrip(ctx context.Context, method string, params any, sessionID string) (json.RawMessage, http.Header, error) {
	isNotification := strings.HasPrefix(method, "notifications/")

	req := JSONRPCRequest{JSONRPC: "2.0", Method: method}
	var id json.RawMessage
	if !isNotification {
		id = json.RawMessage(strconv.FormatInt(c.nextID.Add(1), 10))
		req.ID = id
	}
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, nil, fmt.Errorf("encoding %s params: %w", method, err)
		}
		req.Params = b
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding %s request: %w", method, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: building request: %v", ErrConnection, err)
	}
	for k, vs := range c.header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	if method != "initialize" {
		httpReq.Header.Set("Mcp-Protocol-Version", latestProtocolVersion)
	}
	if sessionID != "" {
		httpReq.Header.Set("Mcp-Session-Id", sessionID)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, nil, classifyTransportError(ctx, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, nil, &StatusError{StatusCode: resp.StatusCode, class: ErrUnauthorized}
	case resp.StatusCode == http.StatusBadGateway ||
		resp.StatusCode == http.StatusServiceUnavailable ||
		resp.StatusCode == http.StatusGatewayTimeout:
		return nil, nil, &StatusError{StatusCode: resp.StatusCode, class: ErrConnection}
	case resp.StatusCode/100 != 2:
		return nil, nil, &StatusError{StatusCode: resp.StatusCode, class: ErrInvalidResponse}
	}

	if isNotification {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBodySize))
		return nil, resp.Header, nil
	}

	msg, err := c.readResponse(ctx, resp)
	if err != nil {
		return nil, nil, err
	}
	if msg.JSONRPC != "2.0" {
		return nil, nil, fmt.Errorf("%w: not a JSON-RPC 2.0 response", ErrInvalidResponse)
	}
	if msg.Error != nil {
		return nil, nil, msg.Error
	}
	if len(msg.Result) == 0 {
		return nil, nil, fmt.Errorf("%w: response has neither result nor error", ErrInvalidResponse)
	}
	return msg.Result, resp.Header, nil
}

// readResponse decodes a plain JSON body or the first JSON-RPC response
// carried in an SSE stream.
func (c *Client) readResponse(ctx context.Context, resp *http.Response) (*rawResponse, error) {
	body := io.LimitReader(resp.Body, maxResponseBodySize)

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType != "text/event-stream" {
		var msg rawResponse
		if err := json.NewDecoder(body).Decode(&msg); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, classifyTransportError(ctx, ctxErr)
			}
			return nil, fmt.Errorf("%w: body is not JSON", ErrInvalidResponse)
		}
		return &msg, nil
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxResponseBodySize)
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data:") {
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			continue
		}
		if line != "" || data.Len() == 0 {
			continue
		}
		var msg rawResponse
		if err := json.Unmarshal([]byte(data.String()), &msg); err == nil && (len(msg.Result) > 0 || msg.Error != nil) {
			return &msg, nil
		}
		data.Reset()
	}
	if err := scanner.Err(); err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	if data.Len() > 0 {
		var msg rawResponse
		if err := json.Unmarshal([]byte(data.String()), &msg); err == nil {
			return &msg, nil
		}
	}
	return nil, fmt.Errorf("%w: event stream ended without a response", ErrInvalidResponse)
}

// classifyTransportError maps a failed HTTP exchange onto ErrTimeout or ErrConnection.
func classifyTransportError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrConnection, err)
}

// IsTransient reports whether err is worth one retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrConnection)
}
