// Package relay talks to the push relay that forwards wake-ups to a
// registered endpoint.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"

	"github.com/tinywideclouds/go-pushlink-service/pkg/registration"
)

// ErrMalformedURL reports a relay URL that cannot be probed.
var ErrMalformedURL = errors.New("malformed relay url")

const maxResponseBytes = 64 << 10

// Client implements registration.RelayClient over HTTP.
type Client struct {
	httpClient *http.Client
	ping       bool
	logger     *slog.Logger
}

// NewClient creates a relay client. Every request is bounded by timeout.
// With ping set the relay sends a test push after each registration.
func NewClient(timeout time.Duration, ping bool, logger *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		ping:       ping,
		logger:     logger.With("component", "RelayClient"),
	}
}

// DiscoverRelay probes relayURL. Connection refusals and DNS failures count as
// unreachable; other transport faults are returned as errors.
func (c *Client) DiscoverRelay(ctx context.Context, relayURL string) (registration.Discovery, error) {
	if _, err := ValidateURL(relayURL); err != nil {
		c.logger.Warn("Relay URL rejected", "url", relayURL, "err", err)
		return registration.DiscoveryMalformed, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, relayURL, nil)
	if err != nil {
		return registration.DiscoveryMalformed, nil
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isUnreachable(err) {
			c.logger.Info("Relay not reachable", "url", relayURL, "err", err)
			return registration.DiscoveryUnreachable, nil
		}
		return "", fmt.Errorf("relay discovery failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Info("Relay discovery rejected", "url", relayURL, "status", resp.StatusCode)
		return registration.DiscoveryUnreachable, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("relay discovery read failed: %w", err)
	}
	if !gjson.ValidBytes(body) || !gjson.GetBytes(body, versionPath).Exists() {
		c.logger.Info("URL does not answer as a relay", "url", relayURL)
		return registration.DiscoveryUnreachable, nil
	}

	c.logger.Debug("Relay discovered", "url", relayURL, "version", gjson.GetBytes(body, versionPath).String())
	return registration.DiscoveryReachable, nil
}

// RegisterEndpoint links endpoint to the device on the relay.
func (c *Client) RegisterEndpoint(ctx context.Context, device registration.DeviceIdentity, endpoint, relayURL string) (registration.Status, error) {
	if endpoint == "" {
		return registration.StatusMissingEndpoint, nil
	}
	if _, err := ValidateURL(relayURL); err != nil {
		return registration.StatusInternalError, err
	}

	payload, err := json.Marshal(registerRequest{
		UUID:     device.UUID,
		DeviceID: device.DeviceID,
		Password: device.Password,
		Endpoint: endpoint,
		Ping:     c.ping,
	})
	if err != nil {
		return registration.StatusInternalError, fmt.Errorf("failed to encode registration: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, relayURL, bytes.NewReader(payload))
	if err != nil {
		return registration.StatusInternalError, fmt.Errorf("failed to build registration request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return registration.StatusInternalError, fmt.Errorf("relay registration failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return registration.StatusInternalError, fmt.Errorf("relay registration read failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("Relay registration returned non-success", "status", resp.StatusCode)
		return registration.StatusInternalError, nil
	}
	if !gjson.ValidBytes(body) {
		return registration.StatusInternalError, fmt.Errorf("relay registration: invalid response body")
	}

	reported := gjson.GetBytes(body, statusPath).String()
	outcome, known := statusFromRelay(reported)
	if !known {
		c.logger.Warn("Relay reported an unknown status", "status", reported)
	}
	c.logger.Info("Relay registration completed", "outcome", outcome)
	return outcome, nil
}

// ValidateURL parses relayURL and requires an http(s) scheme and a host.
func ValidateURL(relayURL string) (*url.URL, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrMalformedURL, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrMalformedURL)
	}
	return u, nil
}

// statusFromRelay maps the relay's outcome. Unknown outcomes count as an
// internal error and report known=false.
func statusFromRelay(s string) (status registration.Status, known bool) {
	switch s {
	case relayStatusOK:
		return registration.StatusOK, true
	case relayStatusForbidden, relayStatusInvalidUUID:
		return registration.StatusForbiddenUUID, true
	case relayStatusInvalidEndpoint, relayStatusMissingEndpoint:
		return registration.StatusMissingEndpoint, true
	case relayStatusInternalError:
		return registration.StatusInternalError, true
	default:
		return registration.StatusInternalError, false
	}
}

func isUnreachable(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	return false
}
