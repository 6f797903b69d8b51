package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// maxBody caps the size of a source response.
const maxBody = 8 << 20

// HTTPReader fetches state with GET requests on a URL template.
// Every "{id}" in the template is replaced by the object id and "{type}"
// by the object type.
type HTTPReader struct {
	template string
	client   *http.Client
	limiter  *rate.Limiter
	header   http.Header
}

// HTTPOption configures an HTTPReader.
type HTTPOption func(*HTTPReader)

// WithHTTPClient sets the client used for requests.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(r *HTTPReader) { r.client = c }
}

// WithRateLimit caps the request rate against the source.
func WithRateLimit(perSecond float64, burst int) HTTPOption {
	return func(r *HTTPReader) {
		if perSecond > 0 {
			r.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
		}
	}
}

// WithHeader adds a header to every request.
func WithHeader(key, value string) HTTPOption {
	return func(r *HTTPReader) { r.header.Add(key, value) }
}

// NewHTTPReader returns a reader for template.
func NewHTTPReader(template string, opts ...HTTPOption) (*HTTPReader, error) {
	if !strings.Contains(template, "{id}") {
		return nil, fmt.Errorf("http reader: url template %q has no {id}", template)
	}
	r := &HTTPReader{
		template: template,
		client:   &http.Client{Timeout: 10 * time.Second},
		header:   http.Header{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// URL renders the template for one object.
func (r *HTTPReader) URL(objectType string, objectID int64) string {
	return strings.NewReplacer(
		"{id}", strconv.FormatInt(objectID, 10),
		"{type}", objectType,
	).Replace(r.template)
}

// Read implements Reader. Non-2xx responses are errors; 404 wraps ErrNotFound.
func (r *HTTPReader) Read(ctx context.Context, objectType string, objectID int64) (json.RawMessage, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("read %s:%d: %w", objectType, objectID, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL(objectType, objectID), nil)
	if err != nil {
		return nil, fmt.Errorf("read %s:%d: %w", objectType, objectID, err)
	}
	req.Header.Set("Accept", "application/json")
	for k, vs := range r.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("read %s:%d: %w", objectType, objectID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("read %s:%d: body: %w", objectType, objectID, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("read %s:%d: %w", objectType, objectID, ErrNotFound)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("read %s:%d: unexpected status %d", objectType, objectID, resp.StatusCode)
	}

	body = bytes.TrimSpace(body)
	if !json.Valid(body) || len(body) == 0 || body[0] != '{' {
		return nil, fmt.Errorf("read %s:%d: response is not a JSON object", objectType, objectID)
	}
	return body, nil
}
