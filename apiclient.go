package appstax

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// apiClient is the JSON transport shared by all services. It injects the
// app key and session id headers and turns non-2xx responses into
// *TransportError with the server's errorMessage.
type apiClient struct {
	baseURL string
	appKey  string
	http    *http.Client
	log     *zap.Logger

	mu        sync.RWMutex
	sessionID string
}

func newAPIClient(cfg Config) *apiClient {
	return &apiClient{
		baseURL: cfg.BaseURL,
		appKey:  cfg.AppKey,
		http:    cfg.HTTPClient,
		log:     cfg.Logger,
	}
}

func (c *apiClient) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

func (c *apiClient) SetSessionID(id string) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

// urlFromTemplate expands ":name" placeholders in template with
// url-escaped parameter values and appends query parameters in sorted
// key order.
func (c *apiClient) urlFromTemplate(template string, params map[string]string, query map[string]string) string {
	path := strings.TrimPrefix(template, "/")
	for key, value := range params {
		path = strings.ReplaceAll(path, ":"+key, url.PathEscape(value))
	}
	full := c.baseURL + path

	if len(query) > 0 {
		keys := make([]string, 0, len(query))
		for key := range query {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, key := range keys {
			pairs = append(pairs, key+"="+url.QueryEscape(query[key]))
		}
		sep := "?"
		if strings.Contains(full, "?") {
			sep = "&"
		}
		full += sep + strings.Join(pairs, "&")
	}
	return full
}

func (c *apiClient) urlFromPath(parts ...string) string {
	return c.baseURL + strings.Join(parts, "")
}

func (c *apiClient) getJSON(ctx context.Context, url string) (map[string]any, error) {
	return c.do(ctx, http.MethodGet, url, nil, "")
}

func (c *apiClient) postJSON(ctx context.Context, url string, body map[string]any) (map[string]any, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, http.MethodPost, url, data, "application/json")
}

func (c *apiClient) putJSON(ctx context.Context, url string, body map[string]any) (map[string]any, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, http.MethodPut, url, data, "application/json")
}

func (c *apiClient) delete(ctx context.Context, url string) error {
	_, err := c.do(ctx, http.MethodDelete, url, nil, "")
	return err
}

func (c *apiClient) putData(ctx context.Context, url string, data []byte, mimeType string) error {
	_, err := c.do(ctx, http.MethodPut, url, data, mimeType)
	return err
}

type multipartPart struct {
	Name     string
	Filename string
	MimeType string
	Data     []byte
}

func (c *apiClient) postMultipart(ctx context.Context, url string, parts []multipartPart) (map[string]any, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for _, part := range parts {
		header := textproto.MIMEHeader{}
		if part.Filename != "" {
			header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, part.Name, part.Filename))
		} else {
			header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q`, part.Name))
		}
		if part.MimeType != "" {
			header.Set("Content-Type", part.MimeType)
		}
		field, err := writer.CreatePart(header)
		if err != nil {
			return nil, err
		}
		if _, err := field.Write(part.Data); err != nil {
			return nil, err
		}
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	return c.do(ctx, http.MethodPost, url, buf.Bytes(), writer.FormDataContentType())
}

func (c *apiClient) do(ctx context.Context, method, url string, body []byte, contentType string) (map[string]any, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-appstax-appkey", c.appKey)
	if sessionID := c.SessionID(); sessionID != "" {
		req.Header.Set("x-appstax-sessionid", sessionID)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	c.log.Debug("http request", zap.String("method", method), zap.String("url", url))

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Debug("http transport failure", zap.String("url", url), zap.Error(err))
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var parsed map[string]any
	if len(data) > 0 {
		// Bodies that are not JSON objects are ignored rather than failed:
		// DELETE responses and some 2xx bodies are empty or non-object.
		_ = json.Unmarshal(data, &parsed)
	}

	if resp.StatusCode/100 != 2 {
		message, _ := parsed["errorMessage"].(string)
		c.log.Debug("http error response",
			zap.String("url", url), zap.Int("status", resp.StatusCode), zap.String("message", message))
		return nil, &TransportError{Status: resp.StatusCode, Message: message}
	}

	c.log.Debug("http response", zap.String("url", url), zap.Int("status", resp.StatusCode))
	return parsed, nil
}
