package ratls

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"os"
	"time"

	"github.com/graphene-dev/ratls/infrastructure/errors"
	"github.com/graphene-dev/ratls/infrastructure/logging"
	"github.com/graphene-dev/ratls/infrastructure/metrics"
	"github.com/graphene-dev/ratls/sgx"
)

// The generated certificate is self-signed and declares itself both
// subject and issuer under a fixed name.
const (
	CertCommonName   = "RA-TLS"
	CertOrganization = "Graphene Developers"
	CertCountry      = "US"
)

// EnvCertNotBefore and EnvCertNotAfter override the certificate validity
// window; values use the YYYYMMDDHHMMSS layout.
const (
	EnvCertNotBefore = "RA_TLS_CERT_TIMESTAMP_NOT_BEFORE"
	EnvCertNotAfter  = "RA_TLS_CERT_TIMESTAMP_NOT_AFTER"

	certTimestampLayout = "20060102150405"
	defaultNotBefore    = "20010101000000"
	defaultNotAfter     = "20301231235959"
)

// AttesterConfig configures an Attester.
type AttesterConfig struct {
	// Provider supplies SGX quotes. Required.
	Provider sgx.QuoteProvider

	// Random defaults to crypto/rand.Reader.
	Random io.Reader

	Logger  *logging.Logger
	Metrics *metrics.Metrics
}

// Attester generates RA-TLS keys and certificates inside the enclave.
type Attester struct {
	provider sgx.QuoteProvider
	random   io.Reader
	log      *logging.Logger
	metrics  *metrics.Metrics
}

// NewAttester validates cfg and returns a ready attester.
func NewAttester(cfg AttesterConfig) (*Attester, error) {
	if cfg.Provider == nil {
		return nil, errors.QuotingUnavailable(nil)
	}

	random := cfg.Random
	if random == nil {
		random = rand.Reader
	}
	log := cfg.Logger
	if log == nil {
		log = logging.NewFromEnv("ratls-attester")
	}

	return &Attester{
		provider: cfg.Provider,
		random:   random,
		log:      log,
		metrics:  cfg.Metrics,
	}, nil
}

// CreateKeyAndCert generates a fresh RSA-3072 key and a self-signed
// certificate embedding a quote over the key's SubjectPublicKeyInfo hash.
func (a *Attester) CreateKeyAndCert() (*rsa.PrivateKey, *x509.Certificate, error) {
	key, der, err := a.createKeyAndCertDER()
	if err != nil {
		return nil, nil, err
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, errors.CertMalformed(err)
	}
	return key, cert, nil
}

// CreateKeyAndCertDER is the DER-out variant: it returns the PKCS#1 private
// key and the certificate as owned byte slices.
func (a *Attester) CreateKeyAndCertDER() (keyDER, certDER []byte, err error) {
	key, certDER, err := a.createKeyAndCertDER()
	if err != nil {
		return nil, nil, err
	}
	return x509.MarshalPKCS1PrivateKey(key), certDER, nil
}

func (a *Attester) createKeyAndCertDER() (*rsa.PrivateKey, []byte, error) {
	key, err := rsa.GenerateKey(a.random, KeyBits)
	if err != nil {
		return nil, nil, errors.Wrap(errors.ErrCodeUnsupportedKey, "RSA key generation failed", err)
	}

	hash, err := HashPublicKey(&key.PublicKey)
	if err != nil {
		return nil, nil, err
	}

	// the key hash fills the first half of report data; the rest stays zero
	var reportData sgx.ReportData
	copy(reportData[:], hash[:])

	quote, err := a.provider.GetQuote(reportData)
	if err != nil {
		return nil, nil, err
	}
	a.metrics.QuoteIssued()

	notBefore, notAfter, err := certValidity()
	if err != nil {
		return nil, nil, err
	}

	subject := pkix.Name{
		CommonName:   CertCommonName,
		Organization: []string{CertOrganization},
		Country:      []string{CertCountry},
	}
	ski := sha1.Sum(x509.MarshalPKCS1PublicKey(&key.PublicKey))

	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               subject,
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		BasicConstraintsValid: true,
		IsCA:                  false,
		SubjectKeyId:          ski[:],
		AuthorityKeyId:        ski[:],
		SignatureAlgorithm:    x509.SHA256WithRSA,
		ExtraExtensions:       []pkix.Extension{QuoteExtension(quote)},
	}

	der, err := x509.CreateCertificate(a.random, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, errors.Wrap(errors.ErrCodeCertMalformed, "certificate signing failed", err)
	}
	a.metrics.CertificateIssued()

	a.log.WithFunc("CreateKeyAndCert").
		WithField("quote_len", len(quote)).
		Debug("issued RA-TLS certificate")

	return key, der, nil
}

// certValidity resolves the certificate validity window from the
// environment, falling back to the fixed default window.
func certValidity() (time.Time, time.Time, error) {
	notBeforeStr := os.Getenv(EnvCertNotBefore)
	if notBeforeStr == "" {
		notBeforeStr = defaultNotBefore
	}
	notAfterStr := os.Getenv(EnvCertNotAfter)
	if notAfterStr == "" {
		notAfterStr = defaultNotAfter
	}

	notBefore, err := time.ParseInLocation(certTimestampLayout, notBeforeStr, time.UTC)
	if err != nil {
		return time.Time{}, time.Time{}, errors.BadPolicyValue(EnvCertNotBefore, err)
	}
	notAfter, err := time.ParseInLocation(certTimestampLayout, notAfterStr, time.UTC)
	if err != nil {
		return time.Time{}, time.Time{}, errors.BadPolicyValue(EnvCertNotAfter, err)
	}
	return notBefore, notAfter, nil
}

// CreateKeyAndCert generates a key and parsed certificate with a default
// attester around provider.
func CreateKeyAndCert(provider sgx.QuoteProvider) (*rsa.PrivateKey, *x509.Certificate, error) {
	a, err := NewAttester(AttesterConfig{Provider: provider})
	if err != nil {
		return nil, nil, err
	}
	return a.CreateKeyAndCert()
}

// CreateKeyAndCertDER generates a key and certificate with a default
// attester around provider, returning both as DER.
func CreateKeyAndCertDER(provider sgx.QuoteProvider) (keyDER, certDER []byte, err error) {
	a, err := NewAttester(AttesterConfig{Provider: provider})
	if err != nil {
		return nil, nil, err
	}
	return a.CreateKeyAndCertDER()
}
