// Package fingerprint computes the canonical content fingerprint used as a
// cache key and dedup key throughout the gateway.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Request is the canonical input to Compute: everything that determines
// whether two inbound requests are cache-equivalent.
type Request struct {
	TaskType    string
	Query       string
	Messages    []string
	Constraints map[string]string
	RouteClass  string
}

// Compute produces the 64-hex-character SHA-256 fingerprint of req.
//
// Canonicalization rules: semantic text fields are trimmed and
// lower-cased, constraint keys are sorted before serialization, and the
// route class is folded in verbatim since it's already a stable enum value.
func Compute(req Request) string {
	var b strings.Builder

	b.WriteString("task:")
	b.WriteString(canonText(req.TaskType))
	b.WriteByte('\n')

	b.WriteString("query:")
	b.WriteString(canonText(req.Query))
	b.WriteByte('\n')

	for _, m := range req.Messages {
		b.WriteString("msg:")
		b.WriteString(canonText(m))
		b.WriteByte('\n')
	}

	keys := make([]string, 0, len(req.Constraints))
	for k := range req.Constraints {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString("c:")
		b.WriteString(canonText(k))
		b.WriteByte('=')
		b.WriteString(canonText(req.Constraints[k]))
		b.WriteByte('\n')
	}

	b.WriteString("route:")
	b.WriteString(req.RouteClass)

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func canonText(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
