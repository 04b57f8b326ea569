// Package fingerprint derives the stable request identifier used as the ledger
// primary key. Equivalent requests expressed differently (host case, default
// port, fragment, query order) map to the same fingerprint.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

var errMissingSchemeOrHost = errors.New("missing scheme or host")

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
}

// SHA256 implements crawler.Fingerprinter.
type SHA256 struct{}

// New returns the default fingerprinter.
func New() SHA256 {
	return SHA256{}
}

// Fingerprint hashes the method, canonical URL and body. An empty method is
// treated as GET.
func (SHA256) Fingerprint(method, rawURL string, body []byte) (string, error) {
	canonical, err := Canonicalize(rawURL)
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	if method == "" {
		method = http.MethodGet
	}
	h := sha256.New()
	h.Write([]byte(strings.ToUpper(method)))
	h.Write([]byte{0})
	h.Write([]byte(canonical))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Canonicalize lowercases the scheme and host, removes default ports and the
// fragment, and sorts query parameters.
func Canonicalize(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", errMissingSchemeOrHost
	}

	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if port := u.Port(); port != "" && defaultPorts[u.Scheme] != port {
		host += ":" + port
	}
	u.Host = host
	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "" {
		u.Path = "/"
	}
	u.RawQuery = sortedQuery(u.Query())
	return u.String(), nil
}

// sortedQuery keeps blank values and repeated keys in their original order.
func sortedQuery(values url.Values) string {
	if len(values) == 0 {
		return ""
	}
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, key := range keys {
		for _, val := range values[key] {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(key))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(val))
		}
	}
	return b.String()
}
