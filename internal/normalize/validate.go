package normalize

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"

	"github.com/threatmeta/threatmeta/internal/diamond"
)

var (
	domainRe = regexp.MustCompile(`^(?:[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z]{2,}$`)
	emailRe  = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)
	hexRe    = regexp.MustCompile(`^[0-9a-f]+$`)
)

// CanonicalIndicator validates value against the syntax rules for its type
// and returns the canonical form. IPs render via net.IP.String, domains and
// hashes lowercase, emails lowercase the domain part. Failures wrap
// ErrMalformedRecord.
func CanonicalIndicator(indType diamond.IndicatorType, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("%w: empty indicator value", diamond.ErrMalformedRecord)
	}

	switch indType {
	case diamond.IndicatorIP:
		ip := net.ParseIP(value)
		if ip == nil {
			return "", fmt.Errorf("%w: invalid IP %q", diamond.ErrMalformedRecord, value)
		}
		return ip.String(), nil

	case diamond.IndicatorDomain:
		d := strings.ToLower(strings.TrimSuffix(value, "."))
		if len(d) > 253 || !domainRe.MatchString(d) {
			return "", fmt.Errorf("%w: invalid domain %q", diamond.ErrMalformedRecord, value)
		}
		return d, nil

	case diamond.IndicatorEmail:
		if !emailRe.MatchString(value) {
			return "", fmt.Errorf("%w: invalid email %q", diamond.ErrMalformedRecord, value)
		}
		at := strings.LastIndex(value, "@")
		return value[:at+1] + strings.ToLower(value[at+1:]), nil

	case diamond.IndicatorURL:
		u, err := url.Parse(value)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ftp") {
			return "", fmt.Errorf("%w: invalid URL %q", diamond.ErrMalformedRecord, value)
		}
		u.Host = strings.ToLower(u.Host)
		return u.String(), nil

	case diamond.IndicatorHash:
		h := strings.ToLower(value)
		switch len(h) {
		case 32, 40, 64: // md5, sha1, sha256
		default:
			return "", fmt.Errorf("%w: invalid hash length %d", diamond.ErrMalformedRecord, len(h))
		}
		if !hexRe.MatchString(h) {
			return "", fmt.Errorf("%w: hash is not hex %q", diamond.ErrMalformedRecord, value)
		}
		return h, nil

	default:
		return "", fmt.Errorf("%w: unknown indicator type %q", diamond.ErrMalformedRecord, indType)
	}
}
