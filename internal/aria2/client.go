package aria2

import (
	"net/http"
	"net/url"
	"time"
)

const (
	defaultRPCURL  = "http://127.0.0.1:6800/jsonrpc"
	defaultTimeout = 3 * time.Second
)

type Client struct {
	baseURL *url.URL
	secret  string
	http    *http.Client
}

// NewClient builds a client for the aria2 JSON-RPC endpoint. An empty or
// unparsable URL falls back to the local default; a non-positive timeout
// uses the default.
func NewClient(rawURL, secret string, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if rawURL == "" {
		rawURL = defaultRPCURL
	}
	baseURL, err := url.Parse(rawURL)
	if err != nil || baseURL.Scheme == "" {
		baseURL, err = url.Parse(defaultRPCURL)
		if err != nil {
			return nil, err
		}
	}
	return &Client{
		baseURL: baseURL,
		secret:  secret,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

func (c *Client) BaseURL() *url.URL  { return c.baseURL }
func (c *Client) Secret() string     { return c.secret }
func (c *Client) HTTP() *http.Client { return c.http }
