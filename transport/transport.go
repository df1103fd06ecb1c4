// Package transport is the HTTP helper the engine sends every request
// through: it attaches the project-id and bearer headers, optionally
// invokes a per-mutation header provider (bot-protection tokens), and
// decodes both success bodies and the typed error taxonomy of
// spec.md §4.2/§7.
//
// Modeled on the teacher's cli/pkg/client (resty construction, header
// injection via request hooks) and cli/pkg/api/error.go (typed error
// decoding, status classifiers).
package transport

import (
	"context"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/go-resty/resty/v2"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// HeaderProvider is supplied by the host to inject per-mutation headers
// (e.g. bot-protection tokens). It is awaited only for writes, never
// for reads. See spec.md §4.2 point 3.
type HeaderProvider func(ctx context.Context) (map[string]string, error)

// Config configures a Transport instance.
type Config struct {
	BaseURL   string
	APIKey    string
	Token     string // bearer token; empty when anonymous
	UserAgent string
}

// Transport is a thin HTTP helper over resty. One instance is owned by
// each CommentStore/AuthManager pairing for a given site.
type Transport struct {
	client         *resty.Client
	apiKey         string
	token          string
	getPostHeaders HeaderProvider
}

// New constructs a Transport from cfg.
func New(cfg Config) *Transport {
	c := resty.New()
	c.SetBaseURL(cfg.BaseURL)
	if cfg.UserAgent != "" {
		c.SetHeader("User-Agent", cfg.UserAgent)
	}

	t := &Transport{client: c, apiKey: cfg.APIKey, token: cfg.Token}

	c.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		if t.apiKey != "" {
			req.SetHeader("projectid", t.apiKey)
		}
		if t.token != "" {
			req.SetHeader("Authorization", "Bearer "+t.token)
		}
		log.Debug("transport request", "method", req.Method, "url", req.URL)
		return nil
	})

	return t
}

// SetToken updates the bearer token used on subsequent requests.
// Passing an empty string clears it (anonymous requests).
func (t *Transport) SetToken(token string) {
	t.token = token
}

// SetHeaderProvider installs the per-mutation header provider.
func (t *Transport) SetHeaderProvider(p HeaderProvider) {
	t.getPostHeaders = p
}

// Get issues a GET request and decodes the JSON body into out.
func (t *Transport) Get(ctx context.Context, path string, query map[string]string, out any) error {
	req := t.client.R().SetContext(ctx)
	if out != nil {
		req.SetResult(out).ForceContentType("application/json")
	}
	for k, v := range query {
		req.SetQueryParam(k, v)
	}
	resp, err := req.Get(path)
	return t.check(resp, err)
}

// Post issues a POST request with body, invoking the header provider
// first (if installed), and decodes the JSON response into out.
func (t *Transport) Post(ctx context.Context, path string, body, out any) error {
	return t.write(ctx, http.MethodPost, path, body, out)
}

// Put issues a PUT request with body and decodes the JSON response into out.
func (t *Transport) Put(ctx context.Context, path string, body, out any) error {
	return t.write(ctx, http.MethodPut, path, body, out)
}

// Delete issues a DELETE request and decodes the JSON response into out.
func (t *Transport) Delete(ctx context.Context, path string, out any) error {
	return t.write(ctx, http.MethodDelete, path, nil, out)
}

func (t *Transport) write(ctx context.Context, method, path string, body, out any) error {
	req := t.client.R().SetContext(ctx)

	if t.getPostHeaders != nil {
		headers, err := t.getPostHeaders(ctx)
		if err != nil {
			return NetworkError(err)
		}
		for k, v := range headers {
			req.SetHeader(k, v)
		}
	}

	if body != nil {
		req.SetBody(body)
	}
	if out != nil {
		req.SetResult(out).ForceContentType("application/json")
	}

	resp, err := req.Execute(method, path)
	return t.check(resp, err)
}

// errorBody is the shape of a server error response. See spec.md §4.2.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (t *Transport) check(resp *resty.Response, err error) error {
	if err != nil {
		return NetworkError(err)
	}
	if resp.IsSuccess() {
		return nil
	}

	var eb errorBody
	_ = json.Unmarshal(resp.Body(), &eb)
	message := eb.Error
	if message == "" {
		message = resp.Status()
	}

	return &Error{
		Kind:       statusToKind(resp.StatusCode(), eb.Code),
		Message:    message,
		StatusCode: resp.StatusCode(),
	}
}
