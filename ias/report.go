package ias

import (
	"encoding/base64"

	"github.com/tidwall/gjson"

	"github.com/graphene-dev/ratls/infrastructure/errors"
)

// Quote statuses RA-TLS distinguishes. Apart from OK, they indicate a valid
// enclave on a platform needing microcode or configuration updates; policies
// may accept those explicitly.
const (
	QuoteStatusOK                = "OK"
	QuoteStatusGroupOutOfDate    = "GROUP_OUT_OF_DATE"
	QuoteStatusConfigNeeded      = "CONFIGURATION_NEEDED"
	QuoteStatusSWHardeningNeeded = "SW_HARDENING_NEEDED"
	QuoteStatusConfigAndSWNeeded = "CONFIGURATION_AND_SW_HARDENING_NEEDED"
)

// Report is the parsed attestation verification report.
type Report struct {
	ID          string
	Timestamp   string
	QuoteStatus string
	Nonce       string

	// QuoteBody is the base64-decoded isvEnclaveQuoteBody: the header and
	// report body of the quote IAS verified, without the EPID signature.
	QuoteBody []byte

	// AdvisoryIDs lists Intel security advisories for non-OK statuses.
	AdvisoryIDs []string

	// Raw preserves the exact bytes the report was parsed from.
	Raw []byte
}

// ParseReport extracts the fields RA-TLS consumes from an IAS report body.
func ParseReport(raw []byte) (*Report, error) {
	if !gjson.ValidBytes(raw) {
		return nil, errors.ReportMalformed("IAS report is not valid JSON")
	}

	status := gjson.GetBytes(raw, "isvEnclaveQuoteStatus")
	if !status.Exists() {
		return nil, errors.ReportMalformed("IAS report lacks isvEnclaveQuoteStatus")
	}

	quoteBodyB64 := gjson.GetBytes(raw, "isvEnclaveQuoteBody")
	if !quoteBodyB64.Exists() {
		return nil, errors.ReportMalformed("IAS report lacks isvEnclaveQuoteBody")
	}
	quoteBody, err := base64.StdEncoding.DecodeString(quoteBodyB64.String())
	if err != nil {
		return nil, errors.ReportMalformed("isvEnclaveQuoteBody is not valid base64")
	}

	var advisories []string
	for _, id := range gjson.GetBytes(raw, "advisoryIDs").Array() {
		advisories = append(advisories, id.String())
	}

	return &Report{
		ID:          gjson.GetBytes(raw, "id").String(),
		Timestamp:   gjson.GetBytes(raw, "timestamp").String(),
		QuoteStatus: status.String(),
		Nonce:       gjson.GetBytes(raw, "nonce").String(),
		QuoteBody:   quoteBody,
		AdvisoryIDs: advisories,
		Raw:         raw,
	}, nil
}

// TCBNeedsUpdate reports whether status names a valid enclave on an
// outdated platform, acceptable only under an explicit policy opt-in.
func TCBNeedsUpdate(status string) bool {
	switch status {
	case QuoteStatusGroupOutOfDate, QuoteStatusConfigNeeded,
		QuoteStatusSWHardeningNeeded, QuoteStatusConfigAndSWNeeded:
		return true
	}
	return false
}
