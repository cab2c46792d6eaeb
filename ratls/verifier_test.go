package ratls

import (
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/graphene-dev/ratls/infrastructure/errors"
)

func TestVerifierHappyPath(t *testing.T) {
	stub := newStubIAS(t, "OK")
	v := newTestVerifier(t, stub, fullPolicy(stub))

	_, cert, err := CreateKeyAndCert(testProvider(t))
	require.NoError(t, err)

	require.NoError(t, v.VerifyCallback(cert, 0, nil))
	require.Equal(t, 1, stub.requests)

	// the DER entry point accepts the same certificate
	require.NoError(t, v.VerifyCallbackDER(cert.Raw))

	// and so does the crypto/tls hook shape
	require.NoError(t, v.VerifyPeerCertificate([][]byte{cert.Raw}, nil))
}

func TestVerifierTamperedKey(t *testing.T) {
	stub := newStubIAS(t, "OK")
	v := newTestVerifier(t, stub, fullPolicy(stub))

	// issue a certificate, then rebuild it around a different key while
	// keeping the original quote: the classic cut-and-paste attack
	_, cert, err := CreateKeyAndCert(testProvider(t))
	require.NoError(t, err)

	quote, err := FindQuoteExtension(cert)
	require.NoError(t, err)

	otherKey := testRSAKey(t, 1)
	tmpl := selfSignedTemplate(t, []pkix.Extension{QuoteExtension(quote)})
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &otherKey.PublicKey, otherKey)
	require.NoError(t, err)

	err = v.VerifyCallbackDER(der)
	require.True(t, errors.HasCode(err, errors.ErrCodeReportDataMismatch), "got %v", err)
	require.Equal(t, 0, stub.requests, "IAS must not be contacted for a broken binding")
}

func TestVerifierStaleNonce(t *testing.T) {
	stub := newStubIAS(t, "OK")
	stub.nonceOverride = "00000000000000000000000000000000"
	v := newTestVerifier(t, stub, fullPolicy(stub))

	_, cert, err := CreateKeyAndCert(testProvider(t))
	require.NoError(t, err)

	err = v.VerifyCallback(cert, 0, nil)
	require.True(t, errors.HasCode(err, errors.ErrCodeNonceMismatch), "got %v", err)
}

func TestVerifierOutdatedTCB(t *testing.T) {
	_, cert, err := CreateKeyAndCert(testProvider(t))
	require.NoError(t, err)

	t.Run("rejected by default", func(t *testing.T) {
		stub := newStubIAS(t, "GROUP_OUT_OF_DATE")
		stub.advisories = []string{"INTEL-SA-00161"}
		v := newTestVerifier(t, stub, fullPolicy(stub))

		err := v.VerifyCallback(cert, 0, nil)
		require.True(t, errors.HasCode(err, errors.ErrCodeTCBOutdated), "got %v", err)
	})

	t.Run("accepted when allowed", func(t *testing.T) {
		stub := newStubIAS(t, "GROUP_OUT_OF_DATE")
		stub.advisories = []string{"INTEL-SA-00161"}
		policy := fullPolicy(stub)
		policy.AllowOutdatedTCB = true
		v := newTestVerifier(t, stub, policy)

		require.NoError(t, v.VerifyCallback(cert, 0, nil))
	})
}

func TestVerifierWrongEnclave(t *testing.T) {
	stub := newStubIAS(t, "OK")
	policy := fullPolicy(stub)
	policy.MREnclave = measurementPtr(measurementOf(0xde))
	v := newTestVerifier(t, stub, policy)

	_, cert, err := CreateKeyAndCert(testProvider(t))
	require.NoError(t, err)

	err = v.VerifyCallback(cert, 0, nil)
	require.True(t, errors.HasCode(err, errors.ErrCodeMrenclaveMismatch), "got %v", err)
}

func TestVerifierPolicySubsetMonotonicity(t *testing.T) {
	stub := newStubIAS(t, "OK")

	_, cert, err := CreateKeyAndCert(testProvider(t))
	require.NoError(t, err)

	unset := []struct {
		name   string
		mutate func(*Policy)
	}{
		{"no mrsigner", func(p *Policy) { p.MRSigner = nil }},
		{"no mrenclave", func(p *Policy) { p.MREnclave = nil }},
		{"no prod id", func(p *Policy) { p.ISVProdID = nil }},
		{"no svn", func(p *Policy) { p.ISVSVN = nil }},
	}

	for _, tt := range unset {
		t.Run(tt.name, func(t *testing.T) {
			policy := fullPolicy(stub)
			tt.mutate(&policy)
			v := newTestVerifier(t, stub, policy)
			require.NoError(t, v.VerifyCallback(cert, 0, nil))
		})
	}
}

func TestVerifierDepthShortCircuit(t *testing.T) {
	stub := newStubIAS(t, "OK")
	v := newTestVerifier(t, stub, fullPolicy(stub))

	// any certificate, even one without a quote, passes at depth > 0
	key := testRSAKey(t, 0)
	tmpl := selfSignedTemplate(t, nil)
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	require.NoError(t, v.VerifyCallback(cert, 1, nil))
	require.NoError(t, v.VerifyCallback(cert, 3, nil))
	require.Equal(t, 0, stub.requests, "IAS must not be contacted above depth 0")
}

func TestVerifierClearsNotTrustedFlag(t *testing.T) {
	stub := newStubIAS(t, "OK")
	v := newTestVerifier(t, stub, fullPolicy(stub))

	_, cert, err := CreateKeyAndCert(testProvider(t))
	require.NoError(t, err)

	flags := BadCertNotTrusted | 0x40
	require.NoError(t, v.VerifyCallback(cert, 0, &flags))
	require.Zero(t, flags&BadCertNotTrusted, "self-signed flag must be cleared for the leaf")
	require.Equal(t, uint32(0x40), flags, "unrelated flags must survive")

	// above depth 0 the flags word is left alone
	flags = BadCertNotTrusted
	require.NoError(t, v.VerifyCallback(cert, 2, &flags))
	require.Equal(t, BadCertNotTrusted, flags)
}

func TestVerifierShortExtensionLength(t *testing.T) {
	stub := newStubIAS(t, "OK")
	v := newTestVerifier(t, stub, fullPolicy(stub))

	// a 100-byte "quote" encodes with a one-byte length, which the
	// decoder must refuse
	key := testRSAKey(t, 0)
	tmpl := selfSignedTemplate(t, []pkix.Extension{QuoteExtension(make([]byte, 100))})
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	err = v.VerifyCallbackDER(der)
	require.True(t, errors.HasCode(err, errors.ErrCodeExtensionMalformed), "got %v", err)
}

func TestVerifierMissingExtension(t *testing.T) {
	stub := newStubIAS(t, "OK")
	v := newTestVerifier(t, stub, fullPolicy(stub))

	key := testRSAKey(t, 0)
	tmpl := selfSignedTemplate(t, nil)
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	err = v.VerifyCallbackDER(der)
	require.True(t, errors.HasCode(err, errors.ErrCodeExtensionMissing), "got %v", err)
}

func TestVerifierShortQuote(t *testing.T) {
	stub := newStubIAS(t, "OK")
	v := newTestVerifier(t, stub, fullPolicy(stub))

	// long enough for the two-byte length form, too short for a quote
	key := testRSAKey(t, 0)
	tmpl := selfSignedTemplate(t, []pkix.Extension{QuoteExtension(make([]byte, 300))})
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	err = v.VerifyCallbackDER(der)
	require.True(t, errors.HasCode(err, errors.ErrCodeQuoteMalformed), "got %v", err)
}

func TestVerifierGarbageDER(t *testing.T) {
	stub := newStubIAS(t, "OK")
	v := newTestVerifier(t, stub, fullPolicy(stub))

	err := v.VerifyCallbackDER([]byte("not a certificate"))
	require.True(t, errors.HasCode(err, errors.ErrCodeCertMalformed), "got %v", err)
}

func TestVerifierFreshNoncePerHandshake(t *testing.T) {
	var nonces []string
	stub := newStubIAS(t, "OK")
	stub.onNonce = func(n string) { nonces = append(nonces, n) }
	v := newTestVerifier(t, stub, fullPolicy(stub))

	_, cert, err := CreateKeyAndCert(testProvider(t))
	require.NoError(t, err)

	require.NoError(t, v.VerifyCallback(cert, 0, nil))
	require.NoError(t, v.VerifyCallback(cert, 0, nil))

	require.Len(t, nonces, 2)
	require.Len(t, nonces[0], 32)
	require.NotEqual(t, nonces[0], nonces[1], "each verification must use a fresh nonce")
}

func TestNewVerifierFromEnv(t *testing.T) {
	clearPolicyEnv(t)
	t.Setenv(EnvEPIDAPIKey, "key")
	t.Setenv(EnvAllowOutdatedTCB, "1")

	v, err := NewVerifierFromEnv()
	require.NoError(t, err)
	require.True(t, v.policy.AllowOutdatedTCB)

	clearPolicyEnv(t)
	_, err = NewVerifierFromEnv()
	require.True(t, errors.HasCode(err, errors.ErrCodeMissingAPIKey), "got %v", err)
}
