package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
)

// canonicalQuery preserves insertion order, matching §6's "canonical =
// k=v joined by & in insertion order" signing contract — deliberately not
// url.Values.Encode(), which sorts keys alphabetically.
type canonicalQuery struct {
	keys   []string
	values map[string]string
}

func newCanonicalQuery() *canonicalQuery {
	return &canonicalQuery{values: make(map[string]string)}
}

func (q *canonicalQuery) Add(key, value string) {
	if _, exists := q.values[key]; !exists {
		q.keys = append(q.keys, key)
	}
	q.values[key] = value
}

// Encode renders the query string in insertion order, URL-encoding values.
func (q *canonicalQuery) Encode() string {
	parts := make([]string, 0, len(q.keys))
	for _, k := range q.keys {
		parts = append(parts, k+"="+url.QueryEscape(q.values[k]))
	}
	return strings.Join(parts, "&")
}

// sign computes the lowercase-hex HMAC-SHA256 of the canonical query string.
func sign(secret, canonicalQueryString string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(canonicalQueryString))
	return hex.EncodeToString(mac.Sum(nil))
}
