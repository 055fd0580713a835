package tools

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	clierr "github.com/ggonzalez94/paycall/internal/errors"
	"github.com/ggonzalez94/paycall/internal/httpx"
	"github.com/ggonzalez94/paycall/internal/registry"
	"github.com/ggonzalez94/paycall/internal/x402"
)

const (
	MethodList = "tools/list"
	MethodCall = "tools/call"

	maxListPages  = 20
	maxEventBytes = 4 << 20
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type listResult struct {
	Tools      []Descriptor `json:"tools"`
	NextCursor string       `json:"nextCursor,omitempty"`
}

type callParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Client speaks JSON-RPC 2.0 to a tool endpoint over HTTP POST.
type Client struct {
	endpoint string
	http     *httpx.Client
	payments *x402.Client
	logger   *zap.Logger
	ids      atomic.Uint64
}

func NewClient(endpoint string, httpClient *httpx.Client, payments *x402.Client, logger *zap.Logger) (*Client, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, clierr.New(clierr.CodeUsage, "tool endpoint is required (--endpoint or PAYCALL_TOOL_ENDPOINT)")
	}
	if !registry.IsAllowedToolEndpoint(endpoint) {
		return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("tool endpoint %s must use https (http is allowed for loopback hosts only)", endpoint))
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{endpoint: endpoint, http: httpClient, payments: payments, logger: logger.Named("tools")}, nil
}

func (c *Client) Endpoint() string { return c.endpoint }

// List follows nextCursor until the endpoint stops paginating.
func (c *Client) List(ctx context.Context) ([]Descriptor, error) {
	var (
		out    []Descriptor
		cursor string
	)
	for page := 0; page < maxListPages; page++ {
		var params any
		if cursor != "" {
			params = map[string]string{"cursor": cursor}
		}
		body, err := json.Marshal(c.request(MethodList, params))
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeInternal, "encode tools/list", err)
		}
		var resp rpcResponse
		if _, err := httpx.DoBodyJSON(ctx, c.http, http.MethodPost, c.endpoint, body, nil, &resp); err != nil {
			return nil, err
		}
		if resp.Error != nil {
			return nil, upstreamError(resp.Error)
		}
		var result listResult
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return nil, clierr.Wrap(clierr.CodeUpstream, "decode tools/list result", err)
		}
		for _, tool := range result.Tools {
			if err := validate.Struct(tool); err != nil {
				c.logger.Warn("skipping invalid tool descriptor", zap.String("tool", tool.Name), zap.Error(err))
				continue
			}
			out = append(out, tool)
		}
		if result.NextCursor == "" || result.NextCursor == cursor {
			return out, nil
		}
		cursor = result.NextCursor
	}
	return out, nil
}

// Call invokes a tool. sess may be nil for free tools. onChunk, when set,
// receives streamed chunks as they arrive.
func (c *Client) Call(ctx context.Context, sess x402.Session, name string, args json.RawMessage, price *x402.Price, onChunk func(Chunk)) (CallResult, error) {
	req := c.request(MethodCall, callParams{Name: name, Arguments: args})
	body, err := json.Marshal(req)
	if err != nil {
		return CallResult{}, clierr.Wrap(clierr.CodeInternal, "encode tools/call", err)
	}
	resp, err := c.payments.Do(ctx, sess, x402.Request{
		Method: http.MethodPost,
		URL:    c.endpoint,
		Body:   body,
		Header: map[string]string{"Accept": "application/json, text/event-stream"},
		Price:  price,
	})
	if err != nil {
		if resp != nil {
			return CallResult{Payment: resp.Payment}, err
		}
		return CallResult{}, err
	}
	defer resp.Body.Close()

	result := CallResult{StatusCode: resp.StatusCode, Payment: resp.Payment}
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	result.ContentType = mediaType

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		buf, _ := httpx.ReadBody(resp.Response)
		return result, statusError(resp.StatusCode, buf)
	}
	if mediaType == "text/event-stream" {
		result.Streamed = true
		raw, chunks, err := readStream(resp.Body, req.ID, onChunk)
		result.Chunks = chunks
		if err != nil {
			return result, err
		}
		result.Result = raw
		return result, nil
	}

	buf, err := httpx.ReadBody(resp.Response)
	if err != nil {
		return result, err
	}
	var envelope rpcResponse
	if err := json.Unmarshal(buf, &envelope); err != nil {
		return result, clierr.Wrap(clierr.CodeUpstream, "decode tools/call response", err)
	}
	if envelope.Error != nil {
		return result, upstreamError(envelope.Error)
	}
	result.Result = envelope.Result
	return result, nil
}

func (c *Client) request(method string, params any) rpcRequest {
	return rpcRequest{JSONRPC: "2.0", ID: c.ids.Add(1), Method: method, Params: params}
}

// readStream consumes text/event-stream frames. A JSON-RPC response for id
// ends the call. Every other frame is a chunk; without a final response the
// chunks are returned as a JSON array.
func readStream(r io.Reader, id uint64, onChunk func(Chunk)) (json.RawMessage, int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxEventBytes)

	var (
		chunks []json.RawMessage
		event  string
		data   bytes.Buffer
	)
	wantID := []byte(fmt.Sprintf("%d", id))

	flush := func() (json.RawMessage, bool, error) {
		defer func() { event = ""; data.Reset() }()
		if data.Len() == 0 {
			return nil, false, nil
		}
		payload := append([]byte(nil), data.Bytes()...)
		var msg rpcResponse
		if json.Unmarshal(payload, &msg) == nil && bytes.Equal(bytes.TrimSpace(msg.ID), wantID) && msg.Method == "" {
			if msg.Error != nil {
				return nil, true, upstreamError(msg.Error)
			}
			if msg.Result != nil {
				return msg.Result, true, nil
			}
		}
		chunk := asJSON(payload)
		chunks = append(chunks, chunk)
		if onChunk != nil {
			onChunk(Chunk{Index: len(chunks) - 1, Event: event, Data: chunk})
		}
		return nil, false, nil
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if result, done, err := flush(); done || err != nil {
				return result, len(chunks), err
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, len(chunks), clierr.Wrap(clierr.CodeUnavailable, "read event stream", err)
	}
	if result, done, err := flush(); done || err != nil {
		return result, len(chunks), err
	}
	joined, err := json.Marshal(chunks)
	if err != nil {
		return nil, len(chunks), clierr.Wrap(clierr.CodeInternal, "join stream chunks", err)
	}
	return joined, len(chunks), nil
}

func asJSON(payload []byte) json.RawMessage {
	if json.Valid(payload) {
		return json.RawMessage(payload)
	}
	quoted, _ := json.Marshal(string(payload))
	return quoted
}

func upstreamError(e *rpcError) error {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = fmt.Sprintf("tool endpoint returned JSON-RPC error %d", e.Code)
	}
	return clierr.New(clierr.CodeUpstream, msg)
}

func statusError(status int, body []byte) error {
	var envelope rpcResponse
	if json.Unmarshal(body, &envelope) == nil && envelope.Error != nil {
		return upstreamError(envelope.Error)
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return clierr.New(clierr.CodeAuth, fmt.Sprintf("tool endpoint denied access (status %d)", status))
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" || len(msg) > 512 {
		msg = fmt.Sprintf("tool endpoint returned status %d", status)
	}
	return clierr.New(clierr.CodeUpstream, msg)
}
