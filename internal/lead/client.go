// Package lead fetches caller context from the CRM service and turns it
// into agent instructions.
package lead

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrNotFound is returned when the CRM has no such lead.
var ErrNotFound = errors.New("lead not found")

// Context is what the agent knows about the person on the call.
type Context struct {
	LeadID         string   `json:"lead_id"`
	BusinessID     string   `json:"business_id"`
	BusinessName   string   `json:"business_name"`
	Name           string   `json:"name"`
	Company        string   `json:"company"`
	Notes          string   `json:"notes"`
	Goal           string   `json:"goal"`
	RequiredFields []string `json:"required_fields"`
	Greeting       string   `json:"greeting"`
	Instructions   string   `json:"instructions"`
	Language       string   `json:"language"`

	// Anonymous is set when the lookup failed or was skipped.
	Anonymous bool `json:"-"`
}

// Anonymous returns the fallback context used when the CRM is unavailable.
func Anonymous(leadID, businessID string) *Context {
	return &Context{LeadID: leadID, BusinessID: businessID, Anonymous: true}
}

// envelope is the CRM's standard response wrapper.
type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error,omitempty"`
}

// Client is an HTTP client for the lead/CRM service.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// NewClient creates a CRM client. baseURL is the service root, for example
// "https://crm.example.com/api".
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
	}
}

// Configured reports whether a base URL was set.
func (c *Client) Configured() bool {
	return c != nil && c.baseURL != ""
}

// Lookup fetches one lead scoped to a business.
func (c *Client) Lookup(ctx context.Context, leadID, businessID string) (*Context, error) {
	if leadID == "" {
		return nil, fmt.Errorf("lead: empty lead id")
	}

	u := c.baseURL + "/v1/leads/" + url.PathEscape(leadID)
	if businessID != "" {
		u += "?business_id=" + url.QueryEscape(businessID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("lead: creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lead: sending request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, fmt.Errorf("lead: reading response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		var env envelope
		if json.Unmarshal(body, &env) == nil && env.Error != "" {
			return nil, fmt.Errorf("lead: service error (status %d): %s", resp.StatusCode, env.Error)
		}
		return nil, fmt.Errorf("lead: service returned status %d", resp.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("lead: decoding response: %w", err)
	}
	var lc Context
	if err := json.Unmarshal(env.Data, &lc); err != nil {
		return nil, fmt.Errorf("lead: decoding lead data: %w", err)
	}
	if lc.LeadID == "" {
		lc.LeadID = leadID
	}
	if lc.BusinessID == "" {
		lc.BusinessID = businessID
	}
	return &lc, nil
}
