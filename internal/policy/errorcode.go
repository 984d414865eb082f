package policy

import (
	"fmt"
	"strings"
)

// ErrorCode identifies why a download attempt failed.
type ErrorCode int

const (
	ErrorUnknown ErrorCode = iota
	ErrorDownloadTransfer
	ErrorDownloadWrite
	ErrorPayloadHashMismatch
	ErrorPayloadSizeMismatch
	ErrorPayloadVerification
	ErrorSignedDeltaPayloadExpected
	ErrorPostinstall
	ErrorFilesystemCopier
)

var errorCodeNames = map[ErrorCode]string{
	ErrorUnknown:                    "unknown",
	ErrorDownloadTransfer:           "download_transfer",
	ErrorDownloadWrite:              "download_write",
	ErrorPayloadHashMismatch:        "payload_hash_mismatch",
	ErrorPayloadSizeMismatch:        "payload_size_mismatch",
	ErrorPayloadVerification:        "payload_verification",
	ErrorSignedDeltaPayloadExpected: "signed_delta_payload_expected",
	ErrorPostinstall:                "postinstall",
	ErrorFilesystemCopier:           "filesystem_copier",
}

func (c ErrorCode) String() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// ParseErrorCode parses the name produced by String.
func ParseErrorCode(s string) (ErrorCode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for c, name := range errorCodeNames {
		if name == s {
			return c, nil
		}
	}
	return ErrorUnknown, fmt.Errorf("unknown error code %q", s)
}

type errorWeight int

const (
	weightIgnored errorWeight = iota
	weightOne
	weightFatal
)

// weight says how much a failure with this code counts against the URL it
// happened on. Content that arrived corrupted or unsigned will arrive the same
// way next time, so the URL is written off at once.
func (c ErrorCode) weight() errorWeight {
	switch c {
	case ErrorPayloadHashMismatch, ErrorPayloadSizeMismatch,
		ErrorPayloadVerification, ErrorSignedDeltaPayloadExpected:
		return weightFatal
	case ErrorDownloadTransfer, ErrorDownloadWrite, ErrorUnknown:
		return weightOne
	default:
		return weightIgnored
	}
}
