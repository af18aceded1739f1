package signature

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/goliatone/go-ingest/core"
)

// Verifier checks the signature header of an inbound request. The zero
// value verifies X-Ingest-Signature with the default tolerance.
type Verifier struct {
	Secret    string
	Header    string
	Tolerance time.Duration
	Now       func() time.Time
}

func NewVerifier(cfg core.SignatureConfig) Verifier {
	return Verifier{
		Secret:    cfg.Secret,
		Header:    strings.TrimSpace(cfg.Header),
		Tolerance: cfg.Tolerance,
	}
}

func (v Verifier) HeaderName() string {
	if header := strings.TrimSpace(v.Header); header != "" {
		return header
	}
	return core.DefaultSignatureHeader
}

func (v Verifier) Verify(_ context.Context, headers http.Header, rawBody []byte) error {
	value := ""
	if headers != nil {
		value = headers.Get(v.HeaderName())
	}
	return verifyAt(value, rawBody, v.Secret, v.Tolerance, v.now())
}

// Sign produces a header value for rawBody at the verifier clock.
func (v Verifier) Sign(rawBody []byte) string {
	return Header(v.now().Unix(), rawBody, v.Secret)
}

func (v Verifier) now() time.Time {
	if v.Now != nil {
		return v.Now().UTC()
	}
	return time.Now().UTC()
}
