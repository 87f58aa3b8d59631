// Package normalize classifies raw QR scanner output into a payload
// the program API accepts. QR content has accumulated several formats
// over the years (bare member ids, USER_ID markers, KEA_QR envelopes,
// URLs carrying the payload in a query parameter, opaque KEA_SECURE
// tokens), so classification is an ordered rule cascade rather than a
// single schema. Normalize is a pure function: no I/O, same input,
// same result.
package normalize

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Kind tags how a payload was classified.
type Kind string

const (
	KindSecure     Kind = "secure"
	KindPlainID    Kind = "plain-id"
	KindStructured Kind = "structured"
	KindUnknown    Kind = "unknown"
)

// Payload is the normalized form of one decoded QR string.
type Payload struct {
	Kind       Kind
	Value      string
	SourceHint string
}

// Query parameter names accepted when the QR encodes a URL, in
// priority order.
var urlParamKeys = []string{"data", "d", "q", "token", "payload"}

var (
	securePrefixRe = regexp.MustCompile(`(?i)^kea[_-]?secure\s*:\s*(.+)$`)
	userIDEqRe     = regexp.MustCompile(`(?i)user_id=([^|\s&]+)`)
	userIDColonRe  = regexp.MustCompile(`(?i)user_id:\s*([^|\s,&]+)`)
	bareIDRe       = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	base64Re       = regexp.MustCompile(`^[A-Za-z0-9_\-+/=]+$`)
)

const (
	minBareIDLen = 4
	minBase64Len = 16
)

// Normalize sanitizes and classifies one decoded string.
func Normalize(raw string) Payload {
	text := sanitize(raw)
	if text == "" {
		return Payload{Kind: KindUnknown, Value: "", SourceHint: "empty"}
	}

	if inner, ok := fromURL(text); ok {
		return inner
	}
	return classify(text)
}

// sanitize strips zero-width and byte-order-mark runes and trims
// surrounding whitespace.
func sanitize(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '\u200b', '\u200c', '\u200d', '\ufeff':
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}

// fromURL extracts the payload from a URL-form QR. The extracted
// parameter value is re-classified so embedded prefixes and markers
// still take effect; values with no recognizable inner structure are
// treated as opaque secure payloads, since URL-form codes wrap signed
// blobs in practice.
func fromURL(text string) (Payload, bool) {
	u, err := url.Parse(text)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return Payload{}, false
	}
	q := u.Query()
	for _, key := range urlParamKeys {
		v := sanitize(q.Get(key))
		if v == "" {
			continue
		}
		inner := classify(v)
		switch inner.Kind {
		case KindSecure, KindStructured:
			return inner, true
		default:
			return Payload{Kind: KindSecure, Value: v, SourceHint: "url-param"}, true
		}
	}
	return Payload{}, false
}

// classify applies the non-URL rules in fixed precedence order:
// secure prefix, structured user-id markers, UUID shape, restricted
// identifier alphabet, Base64 blob guess, unknown.
func classify(text string) Payload {
	if m := securePrefixRe.FindStringSubmatch(text); m != nil {
		return Payload{Kind: KindSecure, Value: sanitize(m[1]), SourceHint: "kea-prefix"}
	}

	if v, hint, ok := structuredValue(text); ok {
		return Payload{Kind: KindStructured, Value: v, SourceHint: hint}
	}

	if len(text) == 36 {
		if _, err := uuid.Parse(text); err == nil {
			return Payload{Kind: KindPlainID, Value: text, SourceHint: "uuid"}
		}
	}

	if len(text) >= minBareIDLen && bareIDRe.MatchString(text) {
		return Payload{Kind: KindPlainID, Value: text, SourceHint: "bare-id"}
	}

	if len(text) >= minBase64Len && base64Re.MatchString(text) {
		return Payload{Kind: KindSecure, Value: text, SourceHint: "base64-guess"}
	}

	return Payload{Kind: KindUnknown, Value: text, SourceHint: "raw"}
}

// structuredValue extracts a member id from the marker formats:
// USER_ID=<v>, USER_ID:<v>, and the KEA_QR|...|USER_ID=<v>|...
// envelope. Markers are checked before generic identifier shapes so a
// marked token can never classify as a bare id.
func structuredValue(text string) (string, string, bool) {
	if strings.HasPrefix(text, "KEA_QR|") {
		for _, part := range strings.Split(text, "|") {
			if strings.HasPrefix(part, "USER_ID=") {
				if v := sanitize(strings.TrimPrefix(part, "USER_ID=")); v != "" {
					return v, "kea-envelope", true
				}
			}
		}
		return "", "", false
	}

	if m := userIDEqRe.FindStringSubmatch(text); m != nil {
		return sanitize(m[1]), "user-id-marker", true
	}

	if m := userIDColonRe.FindStringSubmatch(text); m != nil {
		if v := splitToken(sanitize(m[1])); v != "" {
			return v, "user-id-marker", true
		}
	}

	return "", "", false
}

// splitToken cuts a value at the first separator the legacy formats
// use after an id (whitespace, comma, pipe or ampersand).
func splitToken(s string) string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		switch r {
		case ' ', '\t', '\n', ',', '|', '&':
			return true
		}
		return false
	})
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
