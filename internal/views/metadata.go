package views

import (
	"net"
	"net/http"
	"strings"
)

const (
	maxUserAgentLength = 512
	maxReferrerLength  = 512
	maxPathLength      = 512
	countryCodeLength  = 2
)

var countryHeaders = []string{"CF-IPCountry", "X-Country-Code"}

// RequestMeta is the ambient request data used to classify and deduplicate a view.
type RequestMeta struct {
	UserAgent string
	Referrer  string
	ClientIP  string
	Country   string
}

// RequestMetaFromHTTP extracts view metadata from request headers and the remote address.
// The client IP is the first X-Forwarded-For hop, then X-Real-IP, then the remote host.
func RequestMetaFromHTTP(header http.Header, remoteAddr string) RequestMeta {
	return RequestMeta{
		UserAgent: truncate(strings.TrimSpace(header.Get("User-Agent")), maxUserAgentLength),
		Referrer:  truncate(strings.TrimSpace(header.Get("Referer")), maxReferrerLength),
		ClientIP:  clientIP(header, remoteAddr),
		Country:   country(header),
	}
}

func clientIP(header http.Header, remoteAddr string) string {
	if forwarded := header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if candidate := strings.TrimSpace(first); net.ParseIP(candidate) != nil {
			return candidate
		}
	}
	if realIP := strings.TrimSpace(header.Get("X-Real-IP")); net.ParseIP(realIP) != nil {
		return realIP
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(remoteAddr))
	if err != nil {
		return strings.TrimSpace(remoteAddr)
	}
	return host
}

func country(header http.Header) string {
	for _, name := range countryHeaders {
		value := strings.ToUpper(strings.TrimSpace(header.Get(name)))
		if len(value) == countryCodeLength && value != "XX" {
			return value
		}
	}
	return ""
}
