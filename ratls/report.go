package ratls

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"github.com/graphene-dev/ratls/ias"
	"github.com/graphene-dev/ratls/infrastructure/errors"
	"github.com/graphene-dev/ratls/sgx"
)

// iasReportSigningKeyPEM is the public half of the Intel Attestation
// Service report signing key. A policy may override it for test or proxy
// deployments.
const iasReportSigningKeyPEM = `-----BEGIN PUBLIC KEY-----
MIIBIjANBgkqhkiG9w0BAQEFAAOCAQ8AMIIBCgKCAQEAqXot4OZuphR8nudFrAFi
aGxxkgma/Es/BA+tbeCTUR106AL1ENcWA4FX3K+E9BBL0/7X5rj5nIgX/R/1ubhk
KWw9gfqPG3KeAtIdcv/uTO1yXv50vqaPvE1CRChvzdS/ZEBqQ5oVvLTPZ3VEicQj
lytKgN9cLnxbwtuvLUK7eyRPfJW/ksddOzP8VBBniolYnRCD2jrMRZ8nBM2ZWYwn
XnwYeOAHV+W9tOhAImwRwKF/95yAsVwd21ryHMJBcGH70qLagZ7Ttyt++qO/6+KA
XJuKwZqjRlEtSEz8gZQeFfVYgcwSfo96oSMAzVr7V0L6HSDLRnpb6xxmbPdqNol4
tQIDAQAB
-----END PUBLIC KEY-----`

// iasPublicKey parses the IAS report signing key from pemStr, falling back
// to the built-in production key when empty.
func iasPublicKey(pemStr string) (*rsa.PublicKey, error) {
	if pemStr == "" {
		pemStr = iasReportSigningKeyPEM
	}

	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, errors.BadPolicyValue(EnvIASPubKeyPEM, fmt.Errorf("no PEM block found"))
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, errors.BadPolicyValue(EnvIASPubKeyPEM, err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, errors.BadPolicyValue(EnvIASPubKeyPEM, fmt.Errorf("IAS signing key is not RSA"))
	}
	return pub, nil
}

// VerifyReport validates attestation evidence against policy. The step
// order is fixed: report signature, nonce echo, quote status, then quote
// body binding and enclave identity.
//
// submittedQuote is the quote sent to IAS; the report must echo its header
// and report body verbatim. expectedReportData carries the peer key hash in
// its first half.
func VerifyReport(ev *ias.Evidence, nonce string, policy Policy, submittedQuote []byte, expectedReportData sgx.ReportData) error {
	pub, err := iasPublicKey(policy.IASPubKeyPEM)
	if err != nil {
		return err
	}

	digest := sha256.Sum256(ev.Report)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], ev.Signature); err != nil {
		return errors.BadReportSignature(err)
	}

	report, err := ias.ParseReport(ev.Report)
	if err != nil {
		return err
	}

	if report.Nonce != nonce {
		return errors.NonceMismatch()
	}

	switch {
	case report.QuoteStatus == ias.QuoteStatusOK:
	case ias.TCBNeedsUpdate(report.QuoteStatus):
		if !policy.AllowOutdatedTCB {
			return errors.TCBOutdated(report.QuoteStatus, report.AdvisoryIDs)
		}
	default:
		return errors.QuoteRevoked(report.QuoteStatus)
	}

	quote, err := sgx.ParseQuote(report.QuoteBody)
	if err != nil {
		return err
	}

	// the echoed quote body must match what was submitted; a report for a
	// different quote must not vouch for this certificate
	if len(submittedQuote) < len(report.QuoteBody) || !bytes.Equal(submittedQuote[:len(report.QuoteBody)], report.QuoteBody) {
		return errors.QuoteMismatch()
	}

	body := &quote.ReportBody
	if !bytes.Equal(body.ReportData[:sha256.Size], expectedReportData[:sha256.Size]) {
		return errors.ReportDataMismatch()
	}
	if policy.MRSigner != nil && body.MRSigner != *policy.MRSigner {
		return errors.MrsignerMismatch()
	}
	if policy.MREnclave != nil && body.MREnclave != *policy.MREnclave {
		return errors.MrenclaveMismatch()
	}
	if policy.ISVProdID != nil && body.ISVProdID != *policy.ISVProdID {
		return errors.IsvProdIDMismatch(body.ISVProdID, *policy.ISVProdID)
	}
	if policy.ISVSVN != nil && body.ISVSVN < *policy.ISVSVN {
		return errors.IsvSvnTooLow(body.ISVSVN, *policy.ISVSVN)
	}

	return nil
}
