package ratls

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"io"

	"github.com/graphene-dev/ratls/ias"
	"github.com/graphene-dev/ratls/infrastructure/errors"
	"github.com/graphene-dev/ratls/infrastructure/logging"
	"github.com/graphene-dev/ratls/infrastructure/metrics"
	"github.com/graphene-dev/ratls/sgx"
)

// BadCertNotTrusted is the chain flag TLS stacks raise for certificates
// not signed by a trusted CA. RA-TLS certificates are self-signed, so the
// verifier clears this flag for the leaf before running its own checks.
const BadCertNotTrusted uint32 = 0x08

// VerifierConfig configures a Verifier.
type VerifierConfig struct {
	Policy Policy

	// IAS configures the client built by NewVerifier. Ignored when
	// IASClient is set.
	IAS       ias.Config
	IASClient *ias.Client

	// Random seeds nonce generation; defaults to crypto/rand.Reader.
	Random io.Reader

	Logger  *logging.Logger
	Metrics *metrics.Metrics
}

// Verifier validates RA-TLS peer certificates. It is immutable after
// construction and safe for concurrent handshakes.
type Verifier struct {
	policy  Policy
	client  *ias.Client
	random  io.Reader
	log     *logging.Logger
	metrics *metrics.Metrics
}

// NewVerifier validates cfg and returns a ready verifier.
func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	log := cfg.Logger
	if log == nil {
		log = logging.NewFromEnv("ratls-verifier")
	}

	client := cfg.IASClient
	if client == nil {
		iasCfg := cfg.IAS
		if iasCfg.Logger == nil {
			iasCfg.Logger = log
		}
		if iasCfg.Metrics == nil {
			iasCfg.Metrics = cfg.Metrics
		}
		var err error
		client, err = ias.NewClient(iasCfg)
		if err != nil {
			return nil, err
		}
	}

	random := cfg.Random
	if random == nil {
		random = rand.Reader
	}

	return &Verifier{
		policy:  cfg.Policy,
		client:  client,
		random:  random,
		log:     log,
		metrics: cfg.Metrics,
	}, nil
}

// NewVerifierFromEnv builds a verifier from the RA_TLS_* environment in a
// single shot. The resulting configuration is immutable; callers wanting
// different policies construct separate verifiers.
func NewVerifierFromEnv() (*Verifier, error) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	return NewVerifier(VerifierConfig{Policy: cfg.Policy, IAS: cfg.IAS})
}

// VerifyCallback is the TLS-stack-shaped entry point. Only the leaf
// certificate (depth 0) carries RA-TLS information; other depths succeed
// without work. For the leaf the not-trusted chain flag is cleared, since
// a self-signed certificate is expected.
func (v *Verifier) VerifyCallback(cert *x509.Certificate, depth int, flags *uint32) error {
	if depth != 0 {
		return nil
	}
	if flags != nil {
		*flags &^= BadCertNotTrusted
	}
	return v.Verify(context.Background(), cert)
}

// VerifyCallbackDER parses a DER certificate and delegates to the leaf
// verification pipeline. It is the stack-independent entry point.
func (v *Verifier) VerifyCallbackDER(der []byte) error {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return errors.CertMalformed(err)
	}
	return v.VerifyCallback(cert, 0, nil)
}

// VerifyPeerCertificate matches the crypto/tls VerifyPeerCertificate hook.
// Install it with InsecureSkipVerify set, so the standard chain validation
// does not reject the self-signed leaf before this runs.
func (v *Verifier) VerifyPeerCertificate(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return errors.CertMalformed(nil)
	}
	return v.VerifyCallbackDER(rawCerts[0])
}

// Verify runs the full verification pipeline on a peer leaf certificate:
// quote extraction, key binding, IAS submission, and report validation
// against policy.
func (v *Verifier) Verify(ctx context.Context, cert *x509.Certificate) error {
	entry := v.log.WithTraceID(logging.NewTraceID()).WithField("func", "Verify")

	err := v.verify(ctx, cert)
	if err != nil {
		outcome := string(errors.CodeOf(err))
		if outcome == "" {
			outcome = "error"
		}
		v.metrics.ObserveVerification(outcome)
		entry.WithError(err).Warn("peer certificate rejected")
		return err
	}

	v.metrics.ObserveVerification("ok")
	entry.Debug("peer certificate accepted")
	return nil
}

func (v *Verifier) verify(ctx context.Context, cert *x509.Certificate) error {
	quoteRaw, err := FindQuoteExtension(cert)
	if err != nil {
		return err
	}

	quote, err := sgx.ParseQuote(quoteRaw)
	if err != nil {
		return err
	}

	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return errors.UnsupportedKey(0, RSAPub3072KeyDERLen)
	}
	hash, err := HashPublicKey(pub)
	if err != nil {
		return err
	}

	// a broken key binding fails here, before IAS is ever contacted
	if !bytes.Equal(hash[:], quote.ReportBody.ReportData[:sha256.Size]) {
		return errors.ReportDataMismatch()
	}

	nonce, err := ias.GenerateNonce(v.random)
	if err != nil {
		return err
	}

	evidence, err := v.client.VerifyQuote(ctx, quoteRaw, nonce)
	if err != nil {
		return err
	}

	var expected sgx.ReportData
	copy(expected[:], hash[:])
	return VerifyReport(evidence, nonce, v.policy, quoteRaw, expected)
}
