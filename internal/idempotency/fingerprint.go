package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
)

// Fingerprint computes the canonical digest identifying a request's
// semantic content. Two requests with the same idempotency key but
// different fingerprints are different payloads, and replaying a stored
// response for one of them would be wrong; the coordinator rejects that as
// key reuse.
//
// Only content-bearing fields participate. Volatile headers (Authorization,
// tracing, dates) are deliberately excluded.
func Fingerprint(method, uri, query, contentType, idempotencyKey string, body []byte) string {
	var b strings.Builder
	// length-prefixed fields make the concatenation unambiguous
	writeField(&b, method)
	writeField(&b, uri)
	writeField(&b, query)
	writeField(&b, contentType)
	writeField(&b, idempotencyKey)
	writeField(&b, string(body))

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// FingerprintRequest derives the fingerprint from an HTTP request whose body
// has already been buffered.
func FingerprintRequest(r *http.Request, key string, body []byte) string {
	return Fingerprint(
		r.Method,
		r.URL.Path,
		r.URL.RawQuery,
		r.Header.Get("Content-Type"),
		key,
		body,
	)
}

func writeField(b *strings.Builder, field string) {
	b.WriteString(strconv.Itoa(len(field)))
	b.WriteByte(':')
	b.WriteString(field)
	b.WriteByte(';')
}
