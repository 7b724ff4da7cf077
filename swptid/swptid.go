// Package swptid encodes and decodes Swaptacular identifiers.
//
// A currency is identified by a 64-bit signed debtor ID, shown on the
// wire as the unsigned decimal of its two's-complement bit pattern:
// "swpt:<u64>". An account URI appends the creditor's account ID:
// "swpt:<u64>/<account-id-enc>".
package swptid

import (
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const uriScheme = "swpt:"

// ErrMalformedIdentifier is returned for input that is not a valid
// swpt identifier. It is a client error and must not be retried.
var ErrMalformedIdentifier = errors.New("malformed swpt identifier")

var (
	u64Decimal     = regexp.MustCompile(`^[0-9]{1,20}$`)
	plainAccountID = regexp.MustCompile(`^[A-Za-z0-9_=-]*$`)
)

// I64ToU64 maps a signed 64-bit identifier to its unsigned
// two's-complement bit pattern, which is the external representation.
func I64ToU64(v int64) uint64 {
	return uint64(v)
}

// U64ToI64 is the inverse of I64ToU64.
func U64ToI64(v uint64) int64 {
	return int64(v)
}

// EncodeDebtorURI formats a debtor ID as a currency URI.
func EncodeDebtorURI(debtorID int64) string {
	return uriScheme + strconv.FormatUint(I64ToU64(debtorID), 10)
}

// DecodeDebtorURI parses a currency URI back into a debtor ID.
func DecodeDebtorURI(uri string) (int64, error) {
	rest, ok := strings.CutPrefix(uri, uriScheme)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrMalformedIdentifier, uri)
	}
	return decodeU64Part(rest)
}

// EncodeAccountURI formats an account URI for the given currency. The
// account ID is used verbatim when it consists solely of URL-safe
// characters; anything else is marked with "!" and carried as
// URL-safe Base64 of the raw identifier bytes.
func EncodeAccountURI(debtorID int64, accountID string) string {
	enc := accountID
	if !plainAccountID.MatchString(accountID) {
		enc = "!" + base64.RawURLEncoding.EncodeToString([]byte(accountID))
	}
	return EncodeDebtorURI(debtorID) + "/" + enc
}

// DecodeAccountURI parses an account URI into its debtor ID and raw
// account ID. The Base64 form is accepted only when the plain form
// would not have sufficed; a needlessly Base64-encoded account ID is
// rejected as malformed, so every account has exactly one valid URI.
func DecodeAccountURI(uri string) (int64, string, error) {
	rest, ok := strings.CutPrefix(uri, uriScheme)
	if !ok {
		return 0, "", fmt.Errorf("%w: %q", ErrMalformedIdentifier, uri)
	}
	debtorPart, accountPart, found := strings.Cut(rest, "/")
	if !found {
		return 0, "", fmt.Errorf("%w: missing account ID in %q", ErrMalformedIdentifier, uri)
	}
	debtorID, err := decodeU64Part(debtorPart)
	if err != nil {
		return 0, "", err
	}
	accountID, err := decodeAccountID(accountPart)
	if err != nil {
		return 0, "", err
	}
	return debtorID, accountID, nil
}

// InRange reports whether a debtor ID belongs to the shard
// responsible for the half-open interval [min, max).
func InRange(debtorID, min, max int64) bool {
	return min <= debtorID && debtorID < max
}

func decodeU64Part(s string) (int64, error) {
	if !u64Decimal.MatchString(s) {
		return 0, fmt.Errorf("%w: %q", ErrMalformedIdentifier, s)
	}
	u, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrMalformedIdentifier, s)
	}
	return U64ToI64(u), nil
}

func decodeAccountID(enc string) (string, error) {
	if !strings.HasPrefix(enc, "!") {
		if !plainAccountID.MatchString(enc) {
			return "", fmt.Errorf("%w: account ID %q", ErrMalformedIdentifier, enc)
		}
		return enc, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(enc[1:], "="))
	if err != nil {
		return "", fmt.Errorf("%w: account ID %q", ErrMalformedIdentifier, enc)
	}
	// The plain form is canonical whenever it is possible.
	if plainAccountID.Match(raw) {
		return "", fmt.Errorf("%w: account ID %q must not be Base64-encoded", ErrMalformedIdentifier, enc)
	}
	return string(raw), nil
}
