package appclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/g960059/chanpool/internal/api"
	"github.com/g960059/chanpool/internal/model"
	"github.com/g960059/chanpool/internal/reorder"
)

type Client struct {
	baseURL      string
	client       *http.Client
	unaryTimeout time.Duration
}

const defaultUnaryTimeout = 10 * time.Second

var _ reorder.Backend = (*Client)(nil)

func New(socketPath string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return NewWithClient("http://unix", &http.Client{Transport: transport})
}

func NewWithClient(baseURL string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       client,
		unaryTimeout: defaultUnaryTimeout,
	}
}

func (c *Client) WithUnaryTimeout(timeout time.Duration) *Client {
	if c == nil {
		return nil
	}
	clone := *c
	clone.unaryTimeout = timeout
	return &clone
}

type RequestError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	code := strings.TrimSpace(e.Code)
	message := strings.TrimSpace(e.Message)
	if code != "" && message != "" {
		return fmt.Sprintf("%s: %s", code, message)
	}
	if code != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("http %d: %s", e.StatusCode, code)
		}
		return code
	}
	if message != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("http %d: %s", e.StatusCode, message)
		}
		return message
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return "http error"
}

func (e *RequestError) Retryable() bool {
	if e == nil {
		return false
	}
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout {
		return true
	}
	return e.StatusCode >= 500
}

// Is lets errors.Is match a 409 order rejection against the controller's
// sentinel.
func (e *RequestError) Is(target error) bool {
	return e != nil && target == reorder.ErrOrderMismatch && e.Code == model.ErrOrderMismatch
}

func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	var out api.HealthResponse
	err := c.do(ctx, http.MethodGet, "/v1/health", nil, nil, &out, "health")
	return out, err
}

func (c *Client) ListChannels(ctx context.Context, protocol model.Protocol) (api.ChannelsEnvelope, error) {
	var query url.Values
	if protocol != "" {
		query = url.Values{"protocol": []string{string(protocol)}}
	}
	var env api.ChannelsEnvelope
	err := c.do(ctx, http.MethodGet, "/v1/channels", query, nil, &env, "channels envelope")
	return env, err
}

func (c *Client) GetChannel(ctx context.Context, id string) (api.ChannelEnvelope, error) {
	path, err := channelPath(id, "")
	if err != nil {
		return api.ChannelEnvelope{}, err
	}
	var env api.ChannelEnvelope
	err = c.do(ctx, http.MethodGet, path, nil, nil, &env, "channel envelope")
	return env, err
}

func (c *Client) UpsertChannel(ctx context.Context, req api.ChannelRequest) (api.ChannelEnvelope, error) {
	var env api.ChannelEnvelope
	err := c.do(ctx, http.MethodPost, "/v1/channels", nil, req, &env, "channel envelope")
	return env, err
}

func (c *Client) DeleteChannel(ctx context.Context, id string) error {
	path, err := channelPath(id, "")
	if err != nil {
		return err
	}
	_, err = c.request(ctx, http.MethodDelete, path, nil, nil)
	return err
}

func (c *Client) SetChannelEnabled(ctx context.Context, id string, enabled bool) (api.ChannelEnvelope, error) {
	suffix := "/disable"
	if enabled {
		suffix = "/enable"
	}
	path, err := channelPath(id, suffix)
	if err != nil {
		return api.ChannelEnvelope{}, err
	}
	var env api.ChannelEnvelope
	err = c.do(ctx, http.MethodPost, path, nil, nil, &env, "channel envelope")
	return env, err
}

func (c *Client) PatchEntity(ctx context.Context, kind model.EntityKind, channelID, entityID string, req api.EntityPatchRequest) (api.ChannelEnvelope, error) {
	segment := "/endpoints/"
	if kind == model.EntityKey {
		segment = "/keys/"
	}
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return api.ChannelEnvelope{}, fmt.Errorf("%s id is required", kind)
	}
	path, err := channelPath(channelID, segment+url.PathEscape(entityID))
	if err != nil {
		return api.ChannelEnvelope{}, err
	}
	var env api.ChannelEnvelope
	err = c.do(ctx, http.MethodPatch, path, nil, req, &env, "channel envelope")
	return env, err
}

// FetchChannels returns every channel in engine form. Key secrets arrive
// masked.
func (c *Client) FetchChannels(ctx context.Context) ([]model.Channel, error) {
	env, err := c.ListChannels(ctx, "")
	if err != nil {
		return nil, err
	}
	out := make([]model.Channel, 0, len(env.Channels))
	for _, resp := range env.Channels {
		ch, err := resp.ToModel()
		if err != nil {
			return nil, fmt.Errorf("decode channel: %w", err)
		}
		out = append(out, ch)
	}
	return out, nil
}

func (c *Client) PersistOrder(ctx context.Context, protocol model.Protocol, ids []string) error {
	path := "/v1/protocols/" + url.PathEscape(string(protocol)) + "/order"
	if ids == nil {
		ids = []string{}
	}
	_, err := c.request(ctx, http.MethodPut, path, nil, api.OrderRequest{ChannelIDs: ids})
	return err
}

func channelPath(id, suffix string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("channel id is required")
	}
	return "/v1/channels/" + url.PathEscape(id) + suffix, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any, what string) error {
	payload, err := c.request(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode %s: %w", what, err)
	}
	return nil
}

func (c *Client) request(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	reqCtx := ctx
	if c.unaryTimeout > 0 {
		if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > c.unaryTimeout {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, c.unaryTimeout)
			defer cancel()
		}
	}
	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = buf
	}
	req, err := http.NewRequestWithContext(reqCtx, method, u, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, decodeError(resp.StatusCode, payload)
	}
	return payload, nil
}

// decodeError reads the error envelope, tolerating proxies that answer with
// a bare {"error":"..."} or plain text.
func decodeError(status int, payload []byte) *RequestError {
	if gjson.ValidBytes(payload) {
		parsed := gjson.ParseBytes(payload)
		if code := parsed.Get("error.code").String(); code != "" {
			return &RequestError{StatusCode: status, Code: code, Message: parsed.Get("error.message").String()}
		}
		if msg := parsed.Get("error"); msg.Type == gjson.String {
			return &RequestError{StatusCode: status, Code: fmt.Sprintf("HTTP_%d", status), Message: msg.String()}
		}
	}
	return &RequestError{
		StatusCode: status,
		Code:       fmt.Sprintf("HTTP_%d", status),
		Message:    strings.TrimSpace(string(payload)),
	}
}
