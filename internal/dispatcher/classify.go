package dispatcher

import (
	"regexp"
	"strconv"
	"strings"
)

// errorKind is the classification policy bucket from the error taxonomy,
// not a type hierarchy — only the policy (retry vs. not) matters downstream.
type errorKind int

const (
	kindTemporary errorKind = iota
	kindPermanent
)

var smtpCodeRE = regexp.MustCompile(`\b([245]\d{2})\b`)

var transientPatterns = []string{
	"421", "450", "451", "452",
	"throttl",
	"try again",
	"temporarily unavailable",
	"connection refused",
	"connection reset",
	"timeout",
}

var permanentPatterns = []string{
	"wrong_version_number",
	"certificate verify failed",
	"certificate_unknown",
	"unknown_ca",
	"certificate has expired",
	"self signed certificate",
	"ssl handshake",
	"auth",
	"authentication failed",
}

// classify extracts an SMTP status code if present (4xx -> temporary, 5xx
// -> permanent) and otherwise substring-matches the transient pattern list,
// then the permanent pattern list, in that order; unknown errors default
// to temporary (favour retrying on unknown conditions), exactly as spec
// §4.5 step 6 and §7's classification heuristic state.
func classify(err error) (errorKind, string) {
	if err == nil {
		return kindTemporary, ""
	}
	msg := err.Error()
	lower := strings.ToLower(msg)

	if m := smtpCodeRE.FindStringSubmatch(msg); m != nil {
		code, _ := strconv.Atoi(m[1])
		switch {
		case code >= 500 && code <= 599:
			return kindPermanent, msg
		case code >= 400 && code <= 499:
			return kindTemporary, msg
		}
	}

	for _, p := range transientPatterns {
		if strings.Contains(lower, p) {
			return kindTemporary, msg
		}
	}
	for _, p := range permanentPatterns {
		if strings.Contains(lower, p) {
			return kindPermanent, msg
		}
	}

	return kindTemporary, msg
}
