package http

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/artpar/quotaguard/pkg/jsonapi"
	"github.com/rs/zerolog"
)

// UpstreamProxy forwards admitted requests to the protected API.
type UpstreamProxy struct {
	proxy   *httputil.ReverseProxy
	client  *http.Client
	baseURL *url.URL
}

// UpstreamConfig contains configuration for the upstream proxy.
type UpstreamConfig struct {
	BaseURL         string
	Timeout         time.Duration
	MaxIdleConns    int
	IdleConnTimeout time.Duration
}

// NewUpstreamProxy creates a reverse proxy to cfg.BaseURL.
func NewUpstreamProxy(cfg UpstreamConfig, logger zerolog.Logger) (*UpstreamProxy, error) {
	baseURL, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	if baseURL.Scheme == "" || baseURL.Host == "" {
		return nil, fmt.Errorf("upstream URL %q must be absolute", cfg.BaseURL)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	maxIdleConns := cfg.MaxIdleConns
	if maxIdleConns == 0 {
		maxIdleConns = 100
	}
	idleConnTimeout := cfg.IdleConnTimeout
	if idleConnTimeout == 0 {
		idleConnTimeout = 90 * time.Second
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          maxIdleConns,
		MaxIdleConnsPerHost:   maxIdleConns,
		IdleConnTimeout:       idleConnTimeout,
		ResponseHeaderTimeout: timeout,
	}

	log := logger.With().Str("component", "upstream").Logger()
	proxy := httputil.NewSingleHostReverseProxy(baseURL)
	proxy.Transport = transport
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.Error().Err(err).Str("path", r.URL.Path).Msg("upstream request failed")
		jsonapi.WriteError(w, jsonapi.NewError(http.StatusBadGateway, "upstream_error", "Bad Gateway").
			Detail("The upstream service could not be reached").
			Build())
	}

	return &UpstreamProxy{
		proxy:   proxy,
		client:  &http.Client{Transport: transport, Timeout: timeout},
		baseURL: baseURL,
	}, nil
}

// ServeHTTP forwards the request.
func (u *UpstreamProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	u.proxy.ServeHTTP(w, r)
}

// HealthCheck verifies the upstream is reachable. Any response, even a 404,
// counts as reachable.
func (u *UpstreamProxy) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u.baseURL.String(), nil)
	if err != nil {
		return err
	}
	resp, err := u.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Close releases idle connections.
func (u *UpstreamProxy) Close() error {
	u.client.CloseIdleConnections()
	return nil
}
