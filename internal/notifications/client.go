package notifications

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/marquee/internal/auth"
	"github.com/go-resty/resty/v2"
)

const (
	defaultClientTimeout = 10 * time.Second
	listPath             = "/notifications"
	markAllSeenPath      = "/notifications/mark-all-seen"
	markCategoryReadPath = "/notifications/mark-read/"
)

var (
	// ErrAPIRequestFailed reports any failed REST call.
	ErrAPIRequestFailed = errors.New("notifications: api request failed")

	errMissingBaseURL     = errors.New("notifications: base url required")
	errMissingCredentials = errors.New("notifications: credential source required")
)

// CredentialSource supplies bearer credentials; Refresh is used once after a 401.
type CredentialSource interface {
	Get(ctx context.Context) (auth.Credential, error)
	Refresh(ctx context.Context) (auth.Credential, error)
}

// Page selects a window of the feed. Zero values let the server choose.
type Page struct {
	Number int
	Size   int
}

// ListResponse is the feed payload returned by list and mark-read endpoints.
type ListResponse struct {
	Notifications []Notification `json:"notifications"`
	Page          int            `json:"page"`
	Size          int            `json:"size"`
	Total         int64          `json:"total"`
}

// ClientConfig configures the REST client.
type ClientConfig struct {
	BaseURL     string
	Credentials CredentialSource
	Timeout     time.Duration
	HTTPClient  *http.Client
}

// Client talks to the notification REST API.
type Client struct {
	client      *resty.Client
	credentials CredentialSource
}

// NewClient constructs a client for the configured API root.
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}
	if cfg.Credentials == nil {
		return nil, errMissingCredentials
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultClientTimeout
	}
	var client *resty.Client
	if cfg.HTTPClient != nil {
		client = resty.NewWithClient(cfg.HTTPClient)
	} else {
		client = resty.New()
	}
	client.SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	return &Client{client: client, credentials: cfg.Credentials}, nil
}

// List fetches the newest-first feed. An empty category returns every kind.
func (c *Client) List(ctx context.Context, page Page, category Category) ([]Notification, error) {
	var payload ListResponse
	_, err := c.do(ctx, "list", func(request *resty.Request) (*resty.Response, error) {
		page.apply(request)
		if category != "" {
			request.SetQueryParam("category", string(category))
		}
		return request.SetResult(&payload).Get(listPath)
	})
	if err != nil {
		return nil, err
	}
	return payload.Notifications, nil
}

// MarkAllSeen confirms the optimistic local mark with the server.
func (c *Client) MarkAllSeen(ctx context.Context) error {
	_, err := c.do(ctx, "mark_all_seen", func(request *resty.Request) (*resty.Response, error) {
		return request.Post(markAllSeenPath)
	})
	return err
}

// MarkCategoryRead marks the category read and returns the authoritative list for the page.
func (c *Client) MarkCategoryRead(ctx context.Context, page Page, category Category) ([]Notification, error) {
	if category == "" {
		return nil, fmt.Errorf("%w: category required", ErrAPIRequestFailed)
	}
	var payload ListResponse
	_, err := c.do(ctx, "mark_category_read", func(request *resty.Request) (*resty.Response, error) {
		page.apply(request)
		return request.SetResult(&payload).Post(markCategoryReadPath + url.PathEscape(string(category)))
	})
	if err != nil {
		return nil, err
	}
	return payload.Notifications, nil
}

func (p Page) apply(request *resty.Request) {
	if p.Number > 0 {
		request.SetQueryParam("page", strconv.Itoa(p.Number))
	}
	if p.Size > 0 {
		request.SetQueryParam("size", strconv.Itoa(p.Size))
	}
}

func (c *Client) do(ctx context.Context, operation string, send func(*resty.Request) (*resty.Response, error)) (*resty.Response, error) {
	credential, err := c.credentials.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrAPIRequestFailed, operation, err)
	}
	response, err := send(c.client.R().SetContext(ctx).SetAuthToken(credential.Token))
	if err == nil && response.StatusCode() == http.StatusUnauthorized {
		credential, err = c.credentials.Refresh(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrAPIRequestFailed, operation, err)
		}
		response, err = send(c.client.R().SetContext(ctx).SetAuthToken(credential.Token))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrAPIRequestFailed, operation, err)
	}
	if response.IsError() {
		return nil, fmt.Errorf("%w: %s returned status %d", ErrAPIRequestFailed, operation, response.StatusCode())
	}
	return response, nil
}
