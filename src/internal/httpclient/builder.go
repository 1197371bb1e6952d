package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// maxErrorBody caps how much of an error response is kept.
const maxErrorBody = 1 << 20

// RequestBuilder assembles one JSON call to an upstream API.
type RequestBuilder struct {
	method   string
	baseURL  string
	path     string
	query    url.Values
	headers  map[string]string
	body     any
	errorOut any
	ctx      context.Context
}

func NewRequest(method, baseURL string) *RequestBuilder {
	return &RequestBuilder{
		method:  method,
		baseURL: baseURL,
		query:   make(url.Values),
		headers: make(map[string]string),
		ctx:     context.Background(),
	}
}

func (b *RequestBuilder) Path(path string) *RequestBuilder {
	b.path = path
	return b
}

func (b *RequestBuilder) Query(key, value string) *RequestBuilder {
	b.query.Add(key, value)
	return b
}

func (b *RequestBuilder) Header(key, value string) *RequestBuilder {
	b.headers[key] = value
	return b
}

// Bearer sets an Authorization: Bearer header. Empty tokens are skipped.
func (b *RequestBuilder) Bearer(token string) *RequestBuilder {
	if token != "" {
		b.headers["Authorization"] = "Bearer " + token
	}
	return b
}

// JSON sets the request body as JSON
func (b *RequestBuilder) JSON(body any) *RequestBuilder {
	b.body = body
	b.headers["Content-Type"] = "application/json"
	return b
}

// ErrorJSON asks ExecuteJSON to decode an error response body into v, so
// callers can read the upstream's own message. Decoding is best effort.
func (b *RequestBuilder) ErrorJSON(v any) *RequestBuilder {
	b.errorOut = v
	return b
}

func (b *RequestBuilder) Context(ctx context.Context) *RequestBuilder {
	b.ctx = ctx
	return b
}

func (b *RequestBuilder) Build() (*http.Request, error) {
	u, err := url.Parse(b.baseURL + b.path)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if len(b.query) > 0 {
		u.RawQuery = b.query.Encode()
	}

	var payload io.Reader
	if b.body != nil {
		encoded, err := json.Marshal(b.body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		// bytes.Reader gives the request a GetBody, which retries need.
		payload = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(b.ctx, b.method, u.String(), payload)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range b.headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

func (b *RequestBuilder) Execute(client *Client) (*http.Response, error) {
	req, err := b.Build()
	if err != nil {
		return nil, err
	}
	return client.Do(b.ctx, req)
}

// ExecuteJSON runs the call and decodes a 2xx/3xx body into result. Status
// codes >= 400 come back as *HTTPError, with the body also decoded into the
// ErrorJSON target when one is set.
func (b *RequestBuilder) ExecuteJSON(client *Client, result any) error {
	resp, err := b.Execute(client)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if b.errorOut != nil {
			_ = json.Unmarshal(body, b.errorOut)
		}
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       body,
		}
	}

	if result == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
