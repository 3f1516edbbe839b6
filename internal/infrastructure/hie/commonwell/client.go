package commonwell

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/kirillkom/hiesync/internal/core/domain"
	"github.com/kirillkom/hiesync/internal/core/ports"
	"github.com/kirillkom/hiesync/internal/infrastructure/resilience"
)

const (
	headerTrace       = "X-Trace-Id"
	headerOrgOID      = "X-Org-Oid"
	headerOrgName     = "X-Org-Name"
	headerFacilityNPI = "X-Facility-Npi"
)

type Options struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// RequestsPerSecond throttles every client built by the factory; zero
	// disables throttling.
	RequestsPerSecond float64
	Burst             int
	HTTPClient        *http.Client
	Executor          *resilience.Executor
}

// Factory builds one Client per organization/facility. Nothing is cached
// between calls; the limiter and executor are shared process-wide.
type Factory struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	executor   *resilience.Executor
}

var _ ports.NetworkClientFactory = (*Factory)(nil)

func NewFactory(options Options) *Factory {
	httpClient := options.HTTPClient
	if httpClient == nil {
		timeout := options.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if options.RequestsPerSecond > 0 {
		burst := options.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(options.RequestsPerSecond), burst)
	}

	return &Factory{
		baseURL:    strings.TrimRight(options.BaseURL, "/"),
		apiKey:     options.APIKey,
		httpClient: httpClient,
		limiter:    limiter,
		executor:   options.Executor,
	}
}

func (f *Factory) ForFacility(fc domain.FacilityContext) (ports.NetworkClient, error) {
	if strings.TrimSpace(fc.Organization.OID) == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "build commonwell client", errors.New("organization oid is required"))
	}
	return &Client{
		baseURL:     f.baseURL,
		apiKey:      f.apiKey,
		httpClient:  f.httpClient,
		limiter:     f.limiter,
		executor:    f.executor,
		orgName:     fc.Organization.Name,
		orgOID:      fc.Organization.OID,
		facilityNPI: fc.Facility.NPI,
	}, nil
}

// Client talks to the network on behalf of one organization and facility.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	executor   *resilience.Executor

	orgName     string
	orgOID      string
	facilityNPI string
}

var _ ports.NetworkClient = (*Client)(nil)

func (c *Client) orgPath(parts ...string) string {
	return "/v1/org/" + pathEscape(c.orgOID) + joinPath(parts...)
}
