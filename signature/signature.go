// Package signature verifies timestamped HMAC-SHA256 webhook signatures.
//
// The signed message is "<unixSeconds>.<rawBody>" and the header carries it
// as "t=<unixSeconds>,v1=<hex digest>". Verification rejects signatures
// whose timestamp falls outside a tolerance window to block replays.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const DefaultTolerance = 300 * time.Second

var (
	ErrMalformedHeader = errors.New("signature: malformed header")
	ErrExpired         = errors.New("signature: timestamp outside tolerance")
	ErrMismatch        = errors.New("signature: mismatch")
	ErrMissing         = errors.New("signature: header is required")
)

type Kind string

const (
	KindMalformed Kind = "malformed"
	KindExpired   Kind = "expired"
	KindMismatch  Kind = "mismatch"
	KindMissing   Kind = "missing"
)

// Error is returned by Verify. It unwraps to the sentinel matching Kind.
type Error struct {
	Kind  Kind
	Cause error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	sentinel := kindSentinel(e.Kind)
	if e.Cause == nil {
		return sentinel.Error()
	}
	return fmt.Sprintf("%s: %v", sentinel.Error(), e.Cause)
}

func (e *Error) Unwrap() []error {
	if e == nil {
		return nil
	}
	if e.Cause == nil {
		return []error{kindSentinel(e.Kind)}
	}
	return []error{kindSentinel(e.Kind), e.Cause}
}

func kindSentinel(kind Kind) error {
	switch kind {
	case KindExpired:
		return ErrExpired
	case KindMismatch:
		return ErrMismatch
	case KindMissing:
		return ErrMissing
	default:
		return ErrMalformedHeader
	}
}

// Sign returns the hex HMAC-SHA256 of "<timestamp>.<rawBody>" keyed by secret.
func Sign(timestamp int64, rawBody []byte, secret string) string {
	return hex.EncodeToString(digest(timestamp, rawBody, secret))
}

// Header builds the "t=<timestamp>,v1=<signature>" header value.
func Header(timestamp int64, rawBody []byte, secret string) string {
	return "t=" + strconv.FormatInt(timestamp, 10) + ",v1=" + Sign(timestamp, rawBody, secret)
}

// Verify checks header against rawBody using the current wall clock.
func Verify(header string, rawBody []byte, secret string, tolerance time.Duration) error {
	return verifyAt(header, rawBody, secret, tolerance, time.Now().UTC())
}

// Parsed is a decoded signature header.
type Parsed struct {
	Timestamp int64
	Signature []byte
}

func Parse(header string) (Parsed, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return Parsed{}, &Error{Kind: KindMissing}
	}
	var (
		rawTimestamp string
		rawSignature string
		hasTimestamp bool
		hasSignature bool
	)
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "t":
			rawTimestamp, hasTimestamp = strings.TrimSpace(value), true
		case "v1":
			rawSignature, hasSignature = strings.TrimSpace(value), true
		}
	}
	if !hasTimestamp || !hasSignature || rawTimestamp == "" || rawSignature == "" {
		return Parsed{}, &Error{Kind: KindMalformed, Cause: fmt.Errorf("expected t=<timestamp>,v1=<signature>")}
	}
	timestamp, err := strconv.ParseInt(rawTimestamp, 10, 64)
	if err != nil {
		return Parsed{}, &Error{Kind: KindMalformed, Cause: fmt.Errorf("timestamp: %w", err)}
	}
	decoded, err := hex.DecodeString(rawSignature)
	if err != nil {
		return Parsed{}, &Error{Kind: KindMismatch, Cause: fmt.Errorf("v1: %w", err)}
	}
	return Parsed{Timestamp: timestamp, Signature: decoded}, nil
}

func verifyAt(header string, rawBody []byte, secret string, tolerance time.Duration, now time.Time) error {
	parsed, err := Parse(header)
	if err != nil {
		return err
	}
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	skew := now.UnixMilli() - parsed.Timestamp*1000
	if skew < 0 {
		skew = -skew
	}
	if skew > tolerance.Milliseconds() {
		return &Error{Kind: KindExpired, Cause: fmt.Errorf("skew %dms exceeds %s", skew, tolerance)}
	}
	expected := digest(parsed.Timestamp, rawBody, secret)
	if len(parsed.Signature) != len(expected) {
		return &Error{Kind: KindMismatch}
	}
	if subtle.ConstantTimeCompare(parsed.Signature, expected) != 1 {
		return &Error{Kind: KindMismatch}
	}
	return nil
}

func digest(timestamp int64, rawBody []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(rawBody)
	return mac.Sum(nil)
}
