package sgx

import (
	"bytes"
	"fmt"
	"os"

	"github.com/graphene-dev/ratls/infrastructure/errors"
)

// Graphene exposes the platform quoting enclave through pseudo-files: the
// enclave writes 64 bytes of report data to one file and reads the resulting
// quote from another.
const (
	DefaultReportDataPath = "/dev/attestation/report_data"
	DefaultQuotePath      = "/dev/attestation/quote"
)

// QuoteProvider supplies an SGX quote bound to caller-chosen report data.
// The returned blob, parsed as a quote, carries reportData in its report body.
type QuoteProvider interface {
	GetQuote(reportData ReportData) ([]byte, error)
}

// DeviceQuoteProvider drives the pseudo-file quoting interface.
type DeviceQuoteProvider struct {
	ReportDataPath string
	QuotePath      string
}

// NewDeviceQuoteProvider returns a provider using the default pseudo-file
// paths.
func NewDeviceQuoteProvider() *DeviceQuoteProvider {
	return &DeviceQuoteProvider{
		ReportDataPath: DefaultReportDataPath,
		QuotePath:      DefaultQuotePath,
	}
}

// GetQuote seeds the quoting interface with reportData and reads back the
// quote. The quote is parsed before being returned so that a broken quoting
// interface is caught here rather than at the verifier.
func (p *DeviceQuoteProvider) GetQuote(reportData ReportData) ([]byte, error) {
	if err := os.WriteFile(p.ReportDataPath, reportData[:], 0o600); err != nil {
		return nil, errors.QuotingUnavailable(fmt.Errorf("write %s: %w", p.ReportDataPath, err))
	}

	raw, err := os.ReadFile(p.QuotePath)
	if err != nil {
		return nil, errors.QuotingUnavailable(fmt.Errorf("read %s: %w", p.QuotePath, err))
	}

	quote, err := ParseQuote(raw)
	if err != nil {
		return nil, err
	}
	if quote.ReportBody.ReportData != reportData {
		return nil, errors.QuoteMalformed("quoting interface returned a quote for different report data")
	}

	return raw, nil
}

// StaticQuoteProvider serves a fixed quote blob with the requested report
// data patched in. It backs simulation mode and tests, where no quoting
// enclave exists.
type StaticQuoteProvider struct {
	Quote []byte
}

// GetQuote returns a copy of the configured quote with reportData written
// into its report body.
func (p *StaticQuoteProvider) GetQuote(reportData ReportData) ([]byte, error) {
	if len(p.Quote) < MinQuoteSize {
		return nil, errors.QuotingUnavailable(fmt.Errorf("static quote is %d bytes, need at least %d", len(p.Quote), MinQuoteSize))
	}
	if len(p.Quote) > MaxQuoteSize {
		return nil, errors.QuoteMalformed("static quote exceeds the maximum accepted size")
	}

	raw := bytes.Clone(p.Quote)
	copy(raw[reportDataOffset:reportDataOffset+ReportDataSize], reportData[:])
	return raw, nil
}
