// Package ias implements the Intel Attestation Service (IAS) EPID protocol:
// quote submission, attestation evidence retrieval, and signature revocation
// list download.
package ias

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/graphene-dev/ratls/infrastructure/errors"
	"github.com/graphene-dev/ratls/infrastructure/httputil"
	"github.com/graphene-dev/ratls/infrastructure/logging"
	"github.com/graphene-dev/ratls/infrastructure/metrics"
	"github.com/graphene-dev/ratls/infrastructure/ratelimit"
)

const (
	// DefaultReportURL is the IAS "verify attestation evidence" endpoint.
	// Remove "/dev" from the base for the production environment.
	DefaultReportURL = "https://api.trustedservices.intel.com/sgx/dev/attestation/v3/report"

	// DefaultSigRLURL is the IAS "retrieve SigRL" endpoint. The EPID group
	// id is appended as a path element.
	DefaultSigRLURL = "https://api.trustedservices.intel.com/sgx/dev/attestation/v3/sigrl"

	headerSubscriptionKey = "Ocp-Apim-Subscription-Key"
	headerReportSignature = "X-IASReport-Signature"
	headerSigningCert     = "X-IASReport-Signing-Certificate"
	headerAdvisoryURL     = "Advisory-URL"
	headerAdvisoryIDs     = "Advisory-IDs"

	defaultTimeout = 30 * time.Second

	// maxResponseSize bounds IAS response bodies read into memory.
	maxResponseSize = 1 << 20
)

// Config describes an immutable IAS client configuration. Build it once
// (typically from the environment) and hand it to NewClient; the client
// never mutates it afterwards.
type Config struct {
	// APIKey is the EPID API subscription key. Required.
	APIKey string

	// ReportURL and SigRLURL default to the Intel development endpoints.
	ReportURL string
	SigRLURL  string

	// HTTPClient, when set, is copied; Timeout is applied to the copy only
	// when the client has no timeout of its own. The caller's instance is
	// never mutated.
	HTTPClient *http.Client
	Timeout    time.Duration

	// RequestsPerSecond throttles outbound IAS calls. Zero applies the
	// default subscription budget.
	RequestsPerSecond float64

	Logger  *logging.Logger
	Metrics *metrics.Metrics
}

// Evidence is everything IAS returns for one quote submission: the signed
// report body plus the detached signature and its certificate chain.
type Evidence struct {
	// Report is the exact JSON body as received. Signature verification
	// must run over these bytes, not a re-serialization.
	Report []byte

	// Signature is the decoded RSA signature from X-IASReport-Signature.
	Signature []byte

	// SigningCerts is the URL-decoded PEM chain from
	// X-IASReport-Signing-Certificate.
	SigningCerts []byte

	// AdvisoryURL and AdvisoryIDs surface Intel security advisories for
	// non-OK quote statuses.
	AdvisoryURL string
	AdvisoryIDs string
}

// Client talks to one IAS endpoint pair. It is safe for concurrent use.
type Client struct {
	apiKey    string
	reportURL string
	sigrlURL  string
	http      *http.Client
	limiter   *ratelimit.Limiter
	log       *logging.Logger
	metrics   *metrics.Metrics
}

// NewClient validates cfg and returns a ready client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.MissingAPIKey("RA_TLS_EPID_API_KEY")
	}

	reportURL := cfg.ReportURL
	if reportURL == "" {
		reportURL = DefaultReportURL
	}
	sigrlURL := cfg.SigRLURL
	if sigrlURL == "" {
		sigrlURL = DefaultSigRLURL
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	log := cfg.Logger
	if log == nil {
		log = logging.NewFromEnv("ias-client")
	}

	return &Client{
		apiKey:    cfg.APIKey,
		reportURL: reportURL,
		sigrlURL:  sigrlURL,
		http:      httputil.CopyClientWithTimeout(cfg.HTTPClient, timeout, false),
		limiter:   ratelimit.New(ratelimit.Config{RequestsPerSecond: cfg.RequestsPerSecond}),
		log:       log,
		metrics:   cfg.Metrics,
	}, nil
}

// reportRequest is the JSON body of the "verify attestation evidence" call.
type reportRequest struct {
	IsvEnclaveQuote string `json:"isvEnclaveQuote"`
	Nonce           string `json:"nonce,omitempty"`
}

// VerifyQuote submits quote and nonce to IAS and returns the attestation
// evidence. It does not interpret the report; see ratls.VerifyReport for that.
func (c *Client) VerifyQuote(ctx context.Context, quote []byte, nonce string) (*Evidence, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errors.IASUnavailable(fmt.Errorf("rate limiter: %w", err))
	}

	body, err := json.Marshal(reportRequest{
		IsvEnclaveQuote: base64.StdEncoding.EncodeToString(quote),
		Nonce:           nonce,
	})
	if err != nil {
		return nil, errors.IASUnavailable(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.reportURL, bytes.NewReader(body))
	if err != nil {
		return nil, errors.IASUnavailable(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerSubscriptionKey, c.apiKey)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.ObserveIASRequest("report", "error", time.Since(start))
		return nil, errors.IASUnavailable(err)
	}
	defer resp.Body.Close()
	c.metrics.ObserveIASRequest("report", strconv.Itoa(resp.StatusCode), time.Since(start))

	if resp.StatusCode != http.StatusOK {
		c.log.WithFunc("VerifyQuote").Warnf("IAS rejected the quote: %s", resp.Status)
		return nil, errors.IASRejected(resp.StatusCode, "IAS returned a non-200 status for the quote")
	}

	report, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, errors.IASUnavailable(err)
	}

	sig, err := base64.StdEncoding.DecodeString(resp.Header.Get(headerReportSignature))
	if err != nil || len(sig) == 0 {
		return nil, errors.IASRejected(resp.StatusCode, "IAS response carries no usable report signature")
	}

	chain, err := url.QueryUnescape(resp.Header.Get(headerSigningCert))
	if err != nil {
		return nil, errors.IASRejected(resp.StatusCode, "IAS signing certificate header is not URL-encoded PEM")
	}

	return &Evidence{
		Report:       report,
		Signature:    sig,
		SigningCerts: []byte(chain),
		AdvisoryURL:  resp.Header.Get(headerAdvisoryURL),
		AdvisoryIDs:  resp.Header.Get(headerAdvisoryIDs),
	}, nil
}

// GetSigRL retrieves the signature revocation list for an EPID group. An
// empty list decodes to nil. The verifier pipeline does not consult the
// SigRL; the call exists for attesters that gather it for the quoting
// enclave.
func (c *Client) GetSigRL(ctx context.Context, epidGroupID [4]byte) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errors.IASUnavailable(fmt.Errorf("rate limiter: %w", err))
	}

	// the group id is transmitted big-endian as eight hex digits
	gid := fmt.Sprintf("%02x%02x%02x%02x", epidGroupID[3], epidGroupID[2], epidGroupID[1], epidGroupID[0])

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.sigrlURL+"/"+gid, nil)
	if err != nil {
		return nil, errors.IASUnavailable(err)
	}
	req.Header.Set(headerSubscriptionKey, c.apiKey)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.ObserveIASRequest("sigrl", "error", time.Since(start))
		return nil, errors.IASUnavailable(err)
	}
	defer resp.Body.Close()
	c.metrics.ObserveIASRequest("sigrl", strconv.Itoa(resp.StatusCode), time.Since(start))

	if resp.StatusCode != http.StatusOK {
		return nil, errors.IASRejected(resp.StatusCode, "IAS returned a non-200 status for the SigRL")
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, errors.IASUnavailable(err)
	}
	if len(body) == 0 {
		return nil, nil
	}

	sigrl, err := base64.StdEncoding.DecodeString(string(body))
	if err != nil {
		return nil, errors.IASRejected(resp.StatusCode, "SigRL body is not valid base64")
	}
	return sigrl, nil
}
