// Copyright 2025 Market Spine Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package client is the HTTP client for the control-plane API, used by
// the spinectl CLI. Error envelopes are decoded back into the shared
// taxonomy so callers can branch on category.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	spineerrors "github.com/marketspine/spine/pkg/errors"
)

// DefaultBaseURL is where a locally running spined listens.
const DefaultBaseURL = "http://127.0.0.1:7410"

// Client talks to one spined instance.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the given base URL. An empty baseURL uses
// DefaultBaseURL.
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

// do performs one request. A non-nil out receives the decoded response
// body; error responses are mapped back onto the taxonomy.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return spineerrors.Permanent(err, "encoding request body")
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return spineerrors.Permanent(err, "building request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return spineerrors.Transient(err, "calling "+method+" "+path)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return spineerrors.Permanent(err, "decoding response body")
	}
	return nil
}

// decodeError rebuilds a taxonomy error from the API error envelope.
func decodeError(resp *http.Response) error {
	var envelope struct {
		Error struct {
			Category string         `json:"category"`
			Message  string         `json:"message"`
			Details  map[string]any `json:"details"`
		} `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Error.Message == "" {
		return spineerrors.Newf(categoryForStatus(resp.StatusCode),
			"server returned %s", resp.Status)
	}
	return &spineerrors.Error{
		Category: spineerrors.Category(envelope.Error.Category),
		Message:  envelope.Error.Message,
		Details:  envelope.Error.Details,
	}
}

func categoryForStatus(status int) spineerrors.Category {
	switch status {
	case http.StatusBadRequest:
		return spineerrors.CategoryValidation
	case http.StatusNotFound:
		return spineerrors.CategoryNotFound
	case http.StatusConflict:
		return spineerrors.CategoryConflict
	case http.StatusGatewayTimeout:
		return spineerrors.CategoryTimeout
	default:
		return spineerrors.CategoryPermanent
	}
}

// Health checks the daemon is reachable.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil, nil)
}

func pathf(format string, args ...any) string {
	escaped := make([]any, len(args))
	for i, a := range args {
		escaped[i] = url.PathEscape(fmt.Sprint(a))
	}
	return fmt.Sprintf(format, escaped...)
}
