// Package sgx models the subset of Intel SGX EPID quote structures that
// RA-TLS consumes. Only the quote header and report body are interpreted
// locally; the EPID signature that follows them is opaque and is validated
// by the Intel Attestation Service.
package sgx

import (
	"bytes"
	"encoding/binary"

	"github.com/graphene-dev/ratls/infrastructure/errors"
)

const (
	// ReportDataSize is the size of the caller-chosen report data field.
	ReportDataSize = 64

	// MeasurementSize is the size of MRENCLAVE and MRSIGNER.
	MeasurementSize = 32

	// quoteHeaderSize covers version through basename.
	quoteHeaderSize = 48

	// ReportBodySize is the size of the report body inside a quote.
	ReportBodySize = 384

	// MinQuoteSize is the smallest blob that still contains a full report
	// body. Anything shorter cannot be overlaid and is rejected.
	MinQuoteSize = quoteHeaderSize + ReportBodySize

	// MaxQuoteSize bounds quotes accepted from peers and from the quoting
	// interface.
	MaxQuoteSize = 64 * 1024

	// reportDataOffset is where report data sits inside a raw quote.
	reportDataOffset = quoteHeaderSize + ReportBodySize - ReportDataSize
)

// ReportData is the 64-byte caller-chosen field bound into a quote.
type ReportData [ReportDataSize]byte

// Measurement is a 32-byte enclave measurement (MRENCLAVE or MRSIGNER).
type Measurement [MeasurementSize]byte

// ReportBody is the SGX report body exactly as laid out in hardware.
// Field order and sizes must not change.
type ReportBody struct {
	CPUSVN     [16]byte
	MiscSelect uint32
	Reserved1  [28]byte
	Attributes [16]byte
	MREnclave  Measurement
	Reserved2  [32]byte
	MRSigner   Measurement
	Reserved3  [96]byte
	ISVProdID  uint16
	ISVSVN     uint16
	Reserved4  [60]byte
	ReportData ReportData
}

// Quote is a parsed EPID quote. The EPID signature after the report body is
// kept only inside Raw.
type Quote struct {
	Version     uint16
	SignType    uint16
	EPIDGroupID [4]byte
	QESVN       uint16
	PCESVN      uint16
	XEID        uint32
	Basename    [32]byte
	ReportBody  ReportBody

	raw []byte
}

// quoteWire is the fixed-size prefix decoded from a raw quote.
type quoteWire struct {
	Version     uint16
	SignType    uint16
	EPIDGroupID [4]byte
	QESVN       uint16
	PCESVN      uint16
	XEID        uint32
	Basename    [32]byte
	ReportBody  ReportBody
}

// ParseQuote overlays the quote structures onto raw. The returned Quote
// retains raw; callers must not mutate it afterwards.
func ParseQuote(raw []byte) (*Quote, error) {
	if len(raw) < MinQuoteSize {
		return nil, errors.QuoteMalformed("quote is smaller than the report body prefix")
	}
	if len(raw) > MaxQuoteSize {
		return nil, errors.QuoteMalformed("quote exceeds the maximum accepted size")
	}

	var w quoteWire
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &w); err != nil {
		return nil, errors.QuoteMalformed("quote prefix could not be decoded")
	}

	return &Quote{
		Version:     w.Version,
		SignType:    w.SignType,
		EPIDGroupID: w.EPIDGroupID,
		QESVN:       w.QESVN,
		PCESVN:      w.PCESVN,
		XEID:        w.XEID,
		Basename:    w.Basename,
		ReportBody:  w.ReportBody,
		raw:         raw,
	}, nil
}

// Raw returns the full quote blob this Quote was parsed from, including the
// EPID signature.
func (q *Quote) Raw() []byte {
	return q.raw
}

// Marshal serializes the quote header and report body, appending signature
// as the trailing EPID blob. Simulation providers and tests use this to
// fabricate syntactically valid quotes.
func (q *Quote) Marshal(signature []byte) ([]byte, error) {
	w := quoteWire{
		Version:     q.Version,
		SignType:    q.SignType,
		EPIDGroupID: q.EPIDGroupID,
		QESVN:       q.QESVN,
		PCESVN:      q.PCESVN,
		XEID:        q.XEID,
		Basename:    q.Basename,
		ReportBody:  q.ReportBody,
	}

	var buf bytes.Buffer
	buf.Grow(MinQuoteSize + 4 + len(signature))
	if err := binary.Write(&buf, binary.LittleEndian, &w); err != nil {
		return nil, errors.QuoteMalformed("quote could not be encoded")
	}
	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(signature))); err != nil {
		return nil, errors.QuoteMalformed("quote could not be encoded")
	}
	buf.Write(signature)

	if buf.Len() > MaxQuoteSize {
		return nil, errors.QuoteMalformed("quote exceeds the maximum accepted size")
	}
	return buf.Bytes(), nil
}
