// Package verification calls third-party verification vendors (flood, title,
// homeowners insurance, appraisal) through the resilience layer and records
// their answers.
package verification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/overtonx/loanbus/failure"
)

// DefaultTimeout bounds a single vendor call.
const DefaultTimeout = 15 * time.Second

// Vendor names a verification provider.
type Vendor string

const (
	VendorFlood     Vendor = "flood"
	VendorTitle     Vendor = "title"
	VendorHOI       Vendor = "hoi"
	VendorAppraisal Vendor = "appraisal"
)

// Vendors lists every supported vendor.
var Vendors = []Vendor{VendorFlood, VendorTitle, VendorHOI, VendorAppraisal}

// ErrUnknownVendor is returned for vendors without a configured endpoint.
var ErrUnknownVendor = errors.New("unknown vendor")

// ParseVendor validates a vendor name.
func ParseVendor(s string) (Vendor, error) {
	v := Vendor(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Vendors {
		if v == known {
			return v, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownVendor, s)
}

// Endpoint is where and how a vendor is called.
type Endpoint struct {
	URL   string
	Token string
}

// Request is the body posted to a vendor.
type Request struct {
	TenantID  string          `json:"tenantId"`
	LoanID    string          `json:"loanId"`
	RequestID string          `json:"requestId"`
	Details   json.RawMessage `json:"details,omitempty"`
}

// Response is a vendor's answer. Raw keeps the full body for auditing.
type Response struct {
	Status      string          `json:"status"`
	ReferenceID string          `json:"referenceId"`
	Raw         json.RawMessage `json:"-"`
}

// VendorError is a non-2xx vendor answer. Rate limiting and server errors
// are transient, any other status is fatal.
type VendorError struct {
	Vendor     Vendor
	StatusCode int
	Body       string
}

func (e *VendorError) Error() string {
	return fmt.Sprintf("vendor %s responded %d: %s", e.Vendor, e.StatusCode, e.Body)
}

func (e *VendorError) Kind() failure.Kind {
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500 {
		return failure.KindTransient
	}
	return failure.KindFatal
}

// Client posts verification requests to vendors.
type Client struct {
	endpoints  map[Vendor]Endpoint
	httpClient *http.Client
	logger     *zap.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the HTTP client; its Timeout is kept as is.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

func WithTimeout(d time.Duration) ClientOption {
	return func(cl *Client) {
		cl.httpClient = &http.Client{Timeout: d}
	}
}

func WithClientLogger(logger *zap.Logger) ClientOption {
	return func(cl *Client) {
		cl.logger = logger
	}
}

// NewClient creates a client for the given vendor endpoints.
func NewClient(endpoints map[Vendor]Endpoint, opts ...ClientOption) *Client {
	c := &Client{
		endpoints:  endpoints,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Verify posts req to vendor. Transport errors and timeouts are transient.
func (c *Client) Verify(ctx context.Context, vendor Vendor, req Request) (*Response, error) {
	endpoint, ok := c.endpoints[vendor]
	if !ok || endpoint.URL == "" {
		return nil, failure.Fatal(fmt.Errorf("%w: %s", ErrUnknownVendor, vendor))
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, failure.Fatal(fmt.Errorf("marshal %s request: %w", vendor, err))
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.URL, bytes.NewReader(body))
	if err != nil {
		return nil, failure.Fatal(fmt.Errorf("build %s request: %w", vendor, err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if endpoint.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+endpoint.Token)
	}

	start := time.Now()
	res, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, failure.Transient(fmt.Errorf("%s request failed: %w", vendor, err))
	}
	defer res.Body.Close()

	c.logger.Debug("Vendor responded",
		zap.String("vendor", string(vendor)),
		zap.Int("status", res.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &VendorError{Vendor: vendor, StatusCode: res.StatusCode, Body: strings.TrimSpace(string(errBody))}
	}

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, failure.Transient(fmt.Errorf("read %s response: %w", vendor, err))
	}
	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, failure.Fatal(fmt.Errorf("decode %s response: %w", vendor, err))
	}
	out.Raw = raw
	return &out, nil
}
