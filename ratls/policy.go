package ratls

import (
	"strconv"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"

	"github.com/graphene-dev/ratls/ias"
	"github.com/graphene-dev/ratls/infrastructure/errors"
	"github.com/graphene-dev/ratls/infrastructure/hex"
	"github.com/graphene-dev/ratls/sgx"
)

// Environment variables consumed by ConfigFromEnv.
const (
	EnvEPIDAPIKey       = "RA_TLS_EPID_API_KEY"
	EnvReportURL        = "RA_TLS_REPORT_URL"
	EnvSigRLURL         = "RA_TLS_SIGRL_URL"
	EnvAllowOutdatedTCB = "RA_TLS_ALLOW_OUTDATED_TCB"
	EnvMRSigner         = "RA_TLS_MRSIGNER"
	EnvMREnclave        = "RA_TLS_MRENCLAVE"
	EnvISVProdID        = "RA_TLS_ISV_PROD_ID"
	EnvISVSVN           = "RA_TLS_ISV_SVN"
	EnvIASPubKeyPEM     = "RA_TLS_IAS_PUB_KEY_PEM"
)

// Policy constrains the enclave identity a verifier accepts. Nil fields do
// not constrain their dimension. ISVSVN is a minimum: the enclave SVN must
// be greater or equal.
type Policy struct {
	MRSigner  *sgx.Measurement
	MREnclave *sgx.Measurement
	ISVProdID *uint16
	ISVSVN    *uint16

	// AllowOutdatedTCB accepts quotes whose platform needs microcode or
	// configuration updates.
	AllowOutdatedTCB bool

	// IASPubKeyPEM overrides the built-in IAS report signing key.
	IASPubKeyPEM string
}

// Config bundles the verifier policy with the IAS client configuration.
// It is produced once (typically from the environment) and immutable
// afterwards.
type Config struct {
	Policy Policy
	IAS    ias.Config
}

// laxBool decodes the RA-TLS boolean convention: "0", "f" and "F" are
// false, any other present value is true.
type laxBool bool

func (b *laxBool) Decode(repl string) error {
	switch repl {
	case "0", "f", "F":
		*b = false
	default:
		*b = true
	}
	return nil
}

type envConfig struct {
	APIKey           string  `env:"RA_TLS_EPID_API_KEY"`
	ReportURL        string  `env:"RA_TLS_REPORT_URL"`
	SigRLURL         string  `env:"RA_TLS_SIGRL_URL"`
	AllowOutdatedTCB laxBool `env:"RA_TLS_ALLOW_OUTDATED_TCB"`
	MRSigner         string  `env:"RA_TLS_MRSIGNER"`
	MREnclave        string  `env:"RA_TLS_MRENCLAVE"`
	ISVProdID        string  `env:"RA_TLS_ISV_PROD_ID"`
	ISVSVN           string  `env:"RA_TLS_ISV_SVN"`
	IASPubKeyPEM     string  `env:"RA_TLS_IAS_PUB_KEY_PEM"`
}

// LoadEnvFile loads one or more dotenv files into the process environment
// before ConfigFromEnv runs. Deployments keep IAS credentials in such files.
func LoadEnvFile(paths ...string) error {
	if err := godotenv.Load(paths...); err != nil {
		return errors.BadPolicyValue("env file", err)
	}
	return nil
}

// ConfigFromEnv builds the verifier configuration from the RA_TLS_*
// environment variables. Measurements are hex-decoded here, once; the
// verification pipeline only ever compares raw bytes.
func ConfigFromEnv() (*Config, error) {
	var ec envConfig
	if err := envdecode.Decode(&ec); err != nil {
		// envdecode reports an error when no tagged fields are present in
		// the environment; that just means an empty policy here.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, errors.BadPolicyValue("environment", err)
		}
	}

	if ec.APIKey == "" {
		return nil, errors.MissingAPIKey(EnvEPIDAPIKey)
	}

	policy := Policy{
		AllowOutdatedTCB: bool(ec.AllowOutdatedTCB),
		IASPubKeyPEM:     ec.IASPubKeyPEM,
	}

	var err error
	if policy.MRSigner, err = parseMeasurement(ec.MRSigner, EnvMRSigner); err != nil {
		return nil, err
	}
	if policy.MREnclave, err = parseMeasurement(ec.MREnclave, EnvMREnclave); err != nil {
		return nil, err
	}
	if policy.ISVProdID, err = parseUint16(ec.ISVProdID, EnvISVProdID); err != nil {
		return nil, err
	}
	if policy.ISVSVN, err = parseUint16(ec.ISVSVN, EnvISVSVN); err != nil {
		return nil, err
	}

	return &Config{
		Policy: policy,
		IAS: ias.Config{
			APIKey:    ec.APIKey,
			ReportURL: ec.ReportURL,
			SigRLURL:  ec.SigRLURL,
		},
	}, nil
}

func parseMeasurement(value, envvar string) (*sgx.Measurement, error) {
	if value == "" {
		return nil, nil
	}
	raw, err := hex.DecodeFixed(value, sgx.MeasurementSize)
	if err != nil {
		return nil, errors.BadPolicyValue(envvar, err)
	}
	var m sgx.Measurement
	copy(m[:], raw)
	return &m, nil
}

func parseUint16(value, envvar string) (*uint16, error) {
	if value == "" {
		return nil, nil
	}
	parsed, err := strconv.ParseUint(value, 10, 16)
	if err != nil {
		return nil, errors.BadPolicyValue(envvar, err)
	}
	v := uint16(parsed)
	return &v, nil
}
