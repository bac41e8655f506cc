// Package identity derives the two handles used to throttle anonymous
// writers: a client-held visitor id and a salted, day-scoped IP fingerprint.
// Neither is proof of anything.
package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	VisitorCookie = "visitor_id"
	VisitorMaxAge = 365 * 24 * time.Hour
)

// NewVisitorID mints a fresh opaque visitor id.
func NewVisitorID() string {
	return uuid.NewString()
}

// Visitor returns the visitor id carried by r, minting one and setting the
// cookie on w when the request has none.
func Visitor(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(VisitorCookie); err == nil && strings.TrimSpace(c.Value) != "" {
		return c.Value
	}
	id := NewVisitorID()
	http.SetCookie(w, &http.Cookie{
		Name:     VisitorCookie,
		Value:    id,
		Path:     "/",
		MaxAge:   int(VisitorMaxAge / time.Second),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
	return id
}

// ExistingVisitor returns the visitor id on r without minting one.
func ExistingVisitor(r *http.Request) string {
	c, err := r.Cookie(VisitorCookie)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(c.Value)
}

// ClientIP resolves the requester address: cf-connecting-ip, then the first
// x-forwarded-for hop, then the socket peer. It returns "" when none is usable.
func ClientIP(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("CF-Connecting-IP")); v != "" {
		return v
	}
	if xf := r.Header.Get("X-Forwarded-For"); xf != "" {
		if first := strings.TrimSpace(strings.Split(xf, ",")[0]); first != "" {
			return first
		}
	}
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.TrimPrefix(strings.TrimSpace(host), "::ffff:")
}

// Fingerprinter hashes IPs with a server salt and the current UTC date.
type Fingerprinter struct {
	salt []byte
	now  func() time.Time
}

func NewFingerprinter(salt string, now func() time.Time) *Fingerprinter {
	if now == nil {
		now = time.Now
	}
	return &Fingerprinter{salt: []byte(salt), now: now}
}

// Fingerprint returns hex(HMAC-SHA256(salt, ip + YYYY-MM-DD)). An empty ip
// yields "", which disables the per-IP rate rule for the request.
func (f *Fingerprinter) Fingerprint(ip string) string {
	if ip == "" {
		return ""
	}
	return HashIP(f.salt, ip, f.now())
}

// HashIP is the fingerprint for ip on the UTC date of at.
func HashIP(salt []byte, ip string, at time.Time) string {
	mac := hmac.New(sha256.New, salt)
	mac.Write([]byte(ip + at.UTC().Format(time.DateOnly)))
	return hex.EncodeToString(mac.Sum(nil))
}
