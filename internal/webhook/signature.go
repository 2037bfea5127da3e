package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Signature verification failures.
var (
	ErrSignatureInvalid = errors.New("signature invalid")
	ErrTimestampSkew    = errors.New("signature timestamp outside accepted skew")
	ErrMissingSecret    = errors.New("signing secret not configured")
)

// VerifySignature checks a `t=<unix-seconds>,s=<hex>` header against the raw
// request body. The body is signed byte-for-byte as received, before any
// JSON parse.
func VerifySignature(body []byte, header, secret string, skew time.Duration, now time.Time) error {
	if secret == "" {
		return ErrMissingSecret
	}

	ts, sig, err := parseSignatureHeader(header)
	if err != nil {
		return err
	}

	drift := now.Unix() - ts
	if drift < 0 {
		drift = -drift
	}
	if drift > int64(skew.Seconds()) {
		return ErrTimestampSkew
	}

	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(body)

	expected := mac.Sum(nil)
	provided, err := hex.DecodeString(sig)
	if err != nil {
		return ErrSignatureInvalid
	}
	if !hmac.Equal(provided, expected) {
		return ErrSignatureInvalid
	}
	return nil
}

func parseSignatureHeader(header string) (int64, string, error) {
	var tsPart, sigPart string
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		switch {
		case strings.HasPrefix(part, "t="):
			tsPart = strings.TrimPrefix(part, "t=")
		case strings.HasPrefix(part, "s="):
			sigPart = strings.TrimPrefix(part, "s=")
		}
	}
	if tsPart == "" || sigPart == "" {
		return 0, "", ErrSignatureInvalid
	}
	ts, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil {
		return 0, "", ErrSignatureInvalid
	}
	return ts, sigPart, nil
}
