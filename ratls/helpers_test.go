package ratls

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/graphene-dev/ratls/ias"
	"github.com/graphene-dev/ratls/infrastructure/testutil"
	"github.com/graphene-dev/ratls/sgx"
)

// Generating RSA-3072 keys is expensive; tests share a small pool.
var (
	testKeyMu   sync.Mutex
	testKeyPool []*rsa.PrivateKey
)

func testRSAKey(t *testing.T, i int) *rsa.PrivateKey {
	t.Helper()
	testKeyMu.Lock()
	defer testKeyMu.Unlock()

	for len(testKeyPool) <= i {
		key, err := rsa.GenerateKey(rand.Reader, KeyBits)
		if err != nil {
			t.Fatalf("generate RSA key: %v", err)
		}
		testKeyPool = append(testKeyPool, key)
	}
	return testKeyPool[i]
}

var (
	testMREnclave = measurementOf(0x11)
	testMRSigner  = measurementOf(0x22)
)

const (
	testISVProdID uint16 = 4
	testISVSVN    uint16 = 9
)

func measurementOf(b byte) sgx.Measurement {
	var m sgx.Measurement
	for i := range m {
		m[i] = b
	}
	return m
}

func measurementPtr(m sgx.Measurement) *sgx.Measurement { return &m }
func uint16Ptr(v uint16) *uint16                        { return &v }

// testBaseQuote fabricates a syntactically valid EPID quote with the test
// enclave identity. Report data is patched in by StaticQuoteProvider.
func testBaseQuote(t *testing.T) []byte {
	t.Helper()

	q := &sgx.Quote{Version: 2, SignType: 1}
	copy(q.EPIDGroupID[:], []byte{0xef, 0xbe, 0x00, 0x00})
	q.ReportBody.MREnclave = testMREnclave
	q.ReportBody.MRSigner = testMRSigner
	q.ReportBody.ISVProdID = testISVProdID
	q.ReportBody.ISVSVN = testISVSVN

	raw, err := q.Marshal(bytes.Repeat([]byte{0x99}, 680))
	if err != nil {
		t.Fatalf("marshal test quote: %v", err)
	}
	return raw
}

func testProvider(t *testing.T) sgx.QuoteProvider {
	return &sgx.StaticQuoteProvider{Quote: testBaseQuote(t)}
}

// stubIAS is a minimal attestation service: it echoes the submitted quote
// body and nonce in a report signed with a test key.
type stubIAS struct {
	t   *testing.T
	key *rsa.PrivateKey
	srv *httptest.Server

	status        string
	advisories    []string
	nonceOverride string
	onNonce       func(string)

	requests int
}

func newStubIAS(t *testing.T, status string) *stubIAS {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate IAS signing key: %v", err)
	}

	s := &stubIAS{t: t, key: key, status: status}
	s.srv = testutil.NewHTTPTestServer(t, http.HandlerFunc(s.handle))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *stubIAS) handle(w http.ResponseWriter, r *http.Request) {
	s.requests++

	var req struct {
		IsvEnclaveQuote string `json:"isvEnclaveQuote"`
		Nonce           string `json:"nonce"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	quote, err := base64.StdEncoding.DecodeString(req.IsvEnclaveQuote)
	if err != nil || len(quote) < sgx.MinQuoteSize {
		http.Error(w, "bad quote", http.StatusBadRequest)
		return
	}

	if s.onNonce != nil {
		s.onNonce(req.Nonce)
	}

	nonce := req.Nonce
	if s.nonceOverride != "" {
		nonce = s.nonceOverride
	}

	report := fmt.Sprintf(
		`{"id":"1","timestamp":"2020-05-18T08:29:32.309079","version":3,"isvEnclaveQuoteStatus":%q,"isvEnclaveQuoteBody":%q,"nonce":%q`,
		s.status, base64.StdEncoding.EncodeToString(quote[:sgx.MinQuoteSize]), nonce)
	if len(s.advisories) > 0 {
		ids, _ := json.Marshal(s.advisories)
		report += fmt.Sprintf(`,"advisoryIDs":%s`, ids)
	}
	report += "}"

	digest := sha256.Sum256([]byte(report))
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest[:])
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("X-IASReport-Signature", base64.StdEncoding.EncodeToString(sig))
	w.Header().Set("X-IASReport-Signing-Certificate", url.QueryEscape("-----BEGIN CERTIFICATE-----\n-----END CERTIFICATE-----\n"))
	w.Write([]byte(report))
}

func (s *stubIAS) pubKeyPEM() string {
	der, err := x509.MarshalPKIXPublicKey(&s.key.PublicKey)
	if err != nil {
		s.t.Fatalf("marshal IAS signing key: %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

// fullPolicy pins every dimension to the test enclave identity.
func fullPolicy(s *stubIAS) Policy {
	return Policy{
		MRSigner:     measurementPtr(testMRSigner),
		MREnclave:    measurementPtr(testMREnclave),
		ISVProdID:    uint16Ptr(testISVProdID),
		ISVSVN:       uint16Ptr(testISVSVN),
		IASPubKeyPEM: s.pubKeyPEM(),
	}
}

// selfSignedTemplate returns a certificate template matching the attester's
// fixed fields, with exts appended verbatim.
func selfSignedTemplate(t *testing.T, exts []pkix.Extension) *x509.Certificate {
	t.Helper()
	return &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			CommonName:   CertCommonName,
			Organization: []string{CertOrganization},
			Country:      []string{CertCountry},
		},
		NotBefore:             time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC),
		NotAfter:              time.Date(2030, 12, 31, 23, 59, 59, 0, time.UTC),
		BasicConstraintsValid: true,
		SignatureAlgorithm:    x509.SHA256WithRSA,
		ExtraExtensions:       exts,
	}
}

func newTestVerifier(t *testing.T, s *stubIAS, policy Policy) *Verifier {
	t.Helper()

	v, err := NewVerifier(VerifierConfig{
		Policy: policy,
		IAS: ias.Config{
			APIKey:    "test-subscription-key",
			ReportURL: s.srv.URL,
			SigRLURL:  s.srv.URL,
		},
	})
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	return v
}
