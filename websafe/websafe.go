// Package websafe provides security primitives shared across solostore:
// secret validation, URL safety checks (SSRF prevention), path traversal
// guards, and bounded I/O helpers. The domain verifier uses ValidateURL and
// BoundedReader before fetching owner-controlled challenge files.
package websafe

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"path/filepath"
	"strings"
)

// MinSecretLen is the minimum acceptable length for symmetric secrets (HMAC,
// JWT HS256). 32 bytes = 256 bits of entropy.
const MinSecretLen = 32

// MaxResponseBody is the default cap for HTTP response body reads (64 KiB).
// Challenge files are a single token line; anything larger is suspect.
const MaxResponseBody int64 = 64 << 10

// ErrSecretTooShort is returned when a secret does not meet MinSecretLen.
var ErrSecretTooShort = fmt.Errorf("websafe: secret must be at least %d bytes", MinSecretLen)

// ErrPathTraversal is returned when a user-supplied path escapes its base.
var ErrPathTraversal = errors.New("websafe: path traversal detected")

// ErrSSRF is returned when a URL targets a private/loopback address.
var ErrSSRF = errors.New("websafe: URL targets a private or loopback address")

// ErrUnsafeScheme is returned when a URL uses a non-HTTP(S) scheme.
var ErrUnsafeScheme = errors.New("websafe: only http and https schemes are allowed")

// ValidateSecret checks that secret is at least MinSecretLen bytes.
func ValidateSecret(secret []byte) error {
	if len(secret) < MinSecretLen {
		return ErrSecretTooShort
	}
	return nil
}

// SafePath validates that joining base and userInput does not escape base.
// Returns the cleaned absolute path or ErrPathTraversal.
func SafePath(base, userInput string) (string, error) {
	if strings.Contains(userInput, "..") {
		return "", ErrPathTraversal
	}
	cleaned := filepath.Join(base, filepath.Clean("/"+userInput))
	if !strings.HasPrefix(cleaned, filepath.Clean(base)+string(filepath.Separator)) &&
		cleaned != filepath.Clean(base) {
		return "", ErrPathTraversal
	}
	return cleaned, nil
}

// ValidateURL checks that rawURL uses http/https, has a hostname, and does
// not resolve to a private or loopback IP (SSRF prevention). DNS resolution
// is performed to catch rebinding via internal hostnames.
func ValidateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("websafe: parse URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ErrUnsafeScheme
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("websafe: URL has no hostname")
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("websafe: resolve %s: %w", host, err)
	}
	for _, ip := range ips {
		if isPrivateOrLoopback(ip) {
			return ErrSSRF
		}
	}
	return nil
}

func isPrivateOrLoopback(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast()
}

// BoundedReader wraps r so that reads beyond max bytes yield an error
// instead of silently truncating.
func BoundedReader(r io.Reader, max int64) io.Reader {
	return &boundedReader{r: r, remaining: max}
}

type boundedReader struct {
	r         io.Reader
	remaining int64
}

// ErrBodyTooLarge is returned when a bounded read exceeds its cap.
var ErrBodyTooLarge = errors.New("websafe: response body exceeds limit")

func (b *boundedReader) Read(p []byte) (int, error) {
	if b.remaining <= 0 {
		return 0, ErrBodyTooLarge
	}
	if int64(len(p)) > b.remaining+1 {
		p = p[:b.remaining+1]
	}
	n, err := b.r.Read(p)
	b.remaining -= int64(n)
	if b.remaining < 0 {
		return n, ErrBodyTooLarge
	}
	return n, err
}
