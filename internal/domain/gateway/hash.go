package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/gowebpki/jcs"
)

// HashArguments returns the SHA-256 hex digest of the canonical JSON form of
// args (keys sorted, no whitespace). Equal argument maps always hash equal.
// When canonicalization fails, a stable literal representation is hashed
// instead so the digest is still deterministic.
func HashArguments(args map[string]json.RawMessage) string {
	raw, err := json.Marshal(args)
	if err == nil {
		if canonical, cerr := jcs.Transform(raw); cerr == nil {
			sum := sha256.Sum256(canonical)
			return hex.EncodeToString(sum[:])
		}
	}
	sum := sha256.Sum256([]byte(stableRepr(args)))
	return hex.EncodeToString(sum[:])
}

// stableRepr renders the map as sorted "key=rawvalue;" pairs.
func stableRepr(args map[string]json.RawMessage) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s;", k, string(args[k]))
	}
	return b.String()
}
