package auth

import (
	"net/url"
)

// CookieSettings contains cookie security settings derived from base URL.
type CookieSettings struct {
	// Secure indicates whether the cookie should only be sent over HTTPS.
	Secure bool
	// Domain is the cookie domain scope; empty means host-only.
	Domain string
}

// DeriveCookieSettings determines cookie security settings from the public base URL.
//   - http://localhost:5050 → Secure: false, Domain: ""
//   - https://catalog.example.org → Secure: true, Domain: ""
//
// A non-empty cookieDomain is used verbatim so the flash cookie can be shared
// with the catalog's own subdomains.
func DeriveCookieSettings(baseURL string, cookieDomain string) CookieSettings {
	return CookieSettings{
		Secure: isHTTPS(baseURL),
		Domain: cookieDomain,
	}
}

// isHTTPS reports whether baseURL uses HTTPS. Empty and invalid URLs count
// as HTTPS so cookies default to Secure.
func isHTTPS(baseURL string) bool {
	if baseURL == "" {
		return true
	}

	parsedURL, err := url.Parse(baseURL)
	if err != nil || parsedURL.Scheme == "" {
		return true
	}

	return parsedURL.Scheme != "http"
}
