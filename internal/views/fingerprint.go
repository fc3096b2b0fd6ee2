package views

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/netip"
	"strings"
)

const (
	minClientFingerprintLength = 16
	maxFingerprintLength       = 128
	fallbackFingerprintPrefix  = "anon"
	fallbackHashLength         = 32
	unknownAddress             = "unknown"
	ipv4KeptBits               = 24
	ipv6KeptBits               = 64
)

// AnonymizeIP drops the last IPv4 octet or keeps only the first four IPv6 segments.
// Unparseable input collapses to "unknown".
func AnonymizeIP(raw string) string {
	addr, err := netip.ParseAddr(strings.TrimSpace(raw))
	if err != nil {
		return unknownAddress
	}
	addr = addr.Unmap()
	bits := ipv6KeptBits
	if addr.Is4() {
		bits = ipv4KeptBits
	}
	prefix, err := addr.WithZone("").Prefix(bits)
	if err != nil {
		return unknownAddress
	}
	return prefix.Addr().String()
}

// HashVisitor returns the peppered HMAC-SHA256 of the client IP for one day, hex encoded.
// The same address hashes differently on different days.
func HashVisitor(clientIP string, day DayBucket, pepper []byte) string {
	mac := hmac.New(sha256.New, pepper)
	mac.Write([]byte(strings.TrimSpace(clientIP)))
	mac.Write([]byte{'|'})
	mac.Write([]byte(day.String()))
	return hex.EncodeToString(mac.Sum(nil))
}

// NormalizeFingerprint returns the trimmed client fingerprint, or "" when it is too
// short to be trusted. Long values are truncated.
func NormalizeFingerprint(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if len(trimmed) < minClientFingerprintLength {
		return ""
	}
	return truncate(trimmed, maxFingerprintLength)
}

// FallbackFingerprint derives a visitor key when the client did not send a usable
// fingerprint: anon:<anonymized ip>:<peppered hash prefix>:<day>. Visitors behind one
// NAT address collapse into a single key.
func FallbackFingerprint(clientIP string, day DayBucket, pepper []byte) string {
	hashed := HashVisitor(clientIP, day, pepper)[:fallbackHashLength]
	return strings.Join([]string{
		fallbackFingerprintPrefix,
		AnonymizeIP(clientIP),
		hashed,
		day.String(),
	}, keySeparator)
}

// VisitorKey picks the dedup set member for a view.
func VisitorKey(clientFingerprint, clientIP string, day DayBucket, pepper []byte) string {
	if normalized := NormalizeFingerprint(clientFingerprint); normalized != "" {
		return normalized
	}
	return FallbackFingerprint(clientIP, day, pepper)
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	cut := value[:limit]
	// Avoid splitting a multi-byte rune at the boundary.
	for len(cut) > 0 && !validRuneBoundary(value, len(cut)) {
		cut = cut[:len(cut)-1]
	}
	return cut
}

func validRuneBoundary(value string, index int) bool {
	if index >= len(value) {
		return true
	}
	return value[index]&0xC0 != 0x80
}
