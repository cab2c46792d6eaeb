package ratls

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"

	"github.com/graphene-dev/ratls/infrastructure/errors"
)

// QuoteOID identifies the X.509 extension carrying the raw SGX quote.
var QuoteOID = asn1.ObjectIdentifier{1, 2, 840, 113741, 1337, 6}

// QuoteExtension wraps a raw quote blob as the non-critical certificate
// extension the attester embeds.
func QuoteExtension(quote []byte) pkix.Extension {
	return pkix.Extension{
		Id:       QuoteOID,
		Critical: false,
		Value:    quote,
	}
}

// rawExtension mirrors the ASN.1 Extension structure. Critical is omitted
// on the wire when false, which is the only value RA-TLS certificates use.
type rawExtension struct {
	ID       asn1.ObjectIdentifier
	Critical bool `asn1:"optional"`
	Value    []byte
}

// EncodeExtension serializes one Extension with the given OID and payload.
// Quotes always exceed 255 bytes, so the OCTET STRING length lands in the
// two-byte definite-long form that the decoder requires.
func EncodeExtension(oid asn1.ObjectIdentifier, payload []byte) ([]byte, error) {
	return asn1.Marshal(rawExtension{ID: oid, Value: payload})
}

// DecodeExtension extracts the payload of a single DER-encoded Extension,
// requiring it to carry oid.
func DecodeExtension(der []byte, oid asn1.ObjectIdentifier) ([]byte, error) {
	var ext asn1.RawValue
	if _, err := asn1.Unmarshal(der, &ext); err != nil {
		return nil, errors.ExtensionMalformed("extension is not a DER SEQUENCE")
	}

	var id asn1.ObjectIdentifier
	rest, err := asn1.Unmarshal(ext.Bytes, &id)
	if err != nil {
		return nil, errors.ExtensionMalformed("extension lacks an object identifier")
	}
	if !id.Equal(oid) {
		return nil, errors.ExtensionMissing()
	}
	return decodeExtensionValue(rest)
}

// decodeExtensionValue validates the wire form following the extension OID:
// an optional criticality BOOLEAN that must spell non-critical, then an
// OCTET STRING whose length uses the two-byte definite-long form. Quotes
// always exceed 255 bytes, so shorter length encodings are malformed.
func decodeExtensionValue(rest []byte) ([]byte, error) {
	if len(rest) > 0 && rest[0] == 0x01 {
		// some TLS libraries emit the criticality BOOLEAN before the value
		if len(rest) < 3 || rest[1] != 0x01 || rest[2] != 0x00 {
			return nil, errors.ExtensionMalformed("quote extension carries a malformed or critical BOOLEAN")
		}
		rest = rest[3:]
	}

	if len(rest) == 0 || rest[0] != 0x04 {
		return nil, errors.ExtensionMalformed("quote extension value is not an OCTET STRING")
	}
	if len(rest) < 2 || rest[1] != 0x82 {
		return nil, errors.ExtensionMalformed("quote extension length is not in two-byte definite form")
	}
	if len(rest) < 4 {
		return nil, errors.ExtensionMalformed("quote extension is truncated")
	}

	n := int(rest[2])<<8 | int(rest[3])
	if len(rest) < 4+n {
		return nil, errors.ExtensionMalformed("quote extension payload is truncated")
	}
	return rest[4 : 4+n], nil
}

// FindQuoteExtension locates the quote extension in cert and returns the
// raw quote bytes. Extensions are matched structurally on extnID rather
// than by searching for the OID byte pattern, so an OID-shaped byte
// sequence inside another extension cannot mislead the decoder.
func FindQuoteExtension(cert *x509.Certificate) ([]byte, error) {
	extsDER, err := tbsExtensions(cert.RawTBSCertificate)
	if err != nil {
		return nil, err
	}

	rest := extsDER
	for len(rest) > 0 {
		var ext asn1.RawValue
		rest, err = asn1.Unmarshal(rest, &ext)
		if err != nil {
			return nil, errors.ExtensionMalformed("certificate extension list is not valid DER")
		}

		var id asn1.ObjectIdentifier
		inner, err := asn1.Unmarshal(ext.Bytes, &id)
		if err != nil {
			return nil, errors.ExtensionMalformed("certificate extension lacks an object identifier")
		}
		if !id.Equal(QuoteOID) {
			continue
		}
		return decodeExtensionValue(inner)
	}

	return nil, errors.ExtensionMissing()
}

// tbsExtensions returns the DER content of the extensions [3] element of a
// TBSCertificate: the body of the SEQUENCE OF Extension.
func tbsExtensions(rawTBS []byte) ([]byte, error) {
	var tbs asn1.RawValue
	if _, err := asn1.Unmarshal(rawTBS, &tbs); err != nil || tbs.Class != asn1.ClassUniversal || tbs.Tag != asn1.TagSequence {
		return nil, errors.CertMalformed(err)
	}

	rest := tbs.Bytes
	for len(rest) > 0 {
		var elem asn1.RawValue
		var err error
		rest, err = asn1.Unmarshal(rest, &elem)
		if err != nil {
			return nil, errors.CertMalformed(err)
		}
		if elem.Class != asn1.ClassContextSpecific || elem.Tag != 3 {
			continue
		}

		var list asn1.RawValue
		if _, err := asn1.Unmarshal(elem.Bytes, &list); err != nil || list.Tag != asn1.TagSequence {
			return nil, errors.ExtensionMalformed("certificate extension list is not a SEQUENCE")
		}
		return list.Bytes, nil
	}

	return nil, errors.ExtensionMissing()
}
