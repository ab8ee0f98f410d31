package proxy

import (
	"net/http"
	"strings"
)

// Denylist holds the lower-cased header names that are never forwarded in
// either direction.
var Denylist = map[string]struct{}{
	"connection":          {},
	"keep-alive":          {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"trailers":            {},
	"transfer-encoding":   {},
	"upgrade":             {},
	"host":                {},
}

// IsHopByHop reports whether name is on the denylist, ignoring case.
func IsHopByHop(name string) bool {
	_, ok := Denylist[strings.ToLower(name)]
	return ok
}

// connectionTokens returns the lower-cased header names listed in the
// Connection field of h.
func connectionTokens(h http.Header) map[string]struct{} {
	var tokens map[string]struct{}
	for _, value := range h.Values("Connection") {
		for _, token := range strings.Split(value, ",") {
			token = strings.ToLower(strings.TrimSpace(token))
			if token == "" {
				continue
			}
			if tokens == nil {
				tokens = make(map[string]struct{})
			}
			tokens[token] = struct{}{}
		}
	}
	return tokens
}

func dropped(name string, tokens map[string]struct{}) bool {
	if IsHopByHop(name) {
		return true
	}
	_, ok := tokens[strings.ToLower(name)]
	return ok
}

// SanitizeHeader returns a copy of src without denylisted entries and
// without the headers its Connection field names.
func SanitizeHeader(src http.Header) http.Header {
	tokens := connectionTokens(src)
	dst := make(http.Header, len(src))
	for name, values := range src {
		if dropped(name, tokens) {
			continue
		}
		dst[name] = append([]string(nil), values...)
	}
	return dst
}

// StripHopByHop removes the same entries as SanitizeHeader from h in place.
func StripHopByHop(h http.Header) {
	tokens := connectionTokens(h)
	for name := range h {
		if dropped(name, tokens) {
			delete(h, name)
		}
	}
}
