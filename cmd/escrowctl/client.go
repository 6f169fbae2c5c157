package main

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

	"github.com/google/uuid"

	"escrowledger/crypto"
	"escrowledger/gateway/auth"
	"escrowledger/gateway/idempotency"
	"escrowledger/gateway/middleware"
)

// apiError is the decoded error body of a non-2xx gateway response.
type apiError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"error"`
}

func (e *apiError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("gateway returned %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("gateway returned %d %s: %s", e.Status, e.Code, e.Message)
}

// client talks to the escrowd HTTP API. Requests are authenticated with a
// wallet signature when a key is loaded, else a bearer token, else the dev
// caller header.
type client struct {
	baseURL     string
	httpClient  *http.Client
	key         *crypto.PrivateKey
	token       string
	caller      string
	idempotency string
	now         func() time.Time
}

func (c *client) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *client) post(ctx context.Context, path string, body, out interface{}) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var raw []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		raw = encoded
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.baseURL, "/")+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method == http.MethodPost {
		key := c.idempotency
		if key == "" {
			key = uuid.NewString()
		}
		req.Header.Set(idempotency.HeaderKey, key)
	}
	if err := c.authenticate(req, raw); err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &apiError{Status: resp.StatusCode}
		if json.Unmarshal(payload, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(payload))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if rawOut, ok := out.(*json.RawMessage); ok {
		*rawOut = append((*rawOut)[:0], payload...)
		return nil
	}
	return json.Unmarshal(payload, out)
}

func (c *client) authenticate(req *http.Request, body []byte) error {
	switch {
	case c.key != nil:
		now := time.Now
		if c.now != nil {
			now = c.now
		}
		return auth.SignRequest(req, c.key, body, now(), uuid.NewString())
	case c.token != "":
		req.Header.Set("Authorization", "Bearer "+c.token)
	case c.caller != "":
		req.Header.Set(middleware.HeaderCaller, c.caller)
	}
	return nil
}
