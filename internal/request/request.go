// Package request derives the public URL of the provisioning service from
// an incoming request. Reverse-proxy headers (X-Forwarded-Proto,
// X-Forwarded-Host and RFC 7239 Forwarded) are honored only when the
// caller trusts the proxy in front of the listener.
package request

import (
	"net/http"
	"strings"
)

// Scheme returns "http" or "https" for the request.
func Scheme(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if p := strings.ToLower(strings.TrimSpace(r.Header.Get("X-Forwarded-Proto"))); p == "https" || p == "http" {
			return p
		}
		if p := strings.ToLower(forwardedParam(r, "proto")); p == "https" || p == "http" {
			return p
		}
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// Host returns the host[:port] clients used to reach the service.
func Host(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if h := strings.TrimSpace(r.Header.Get("X-Forwarded-Host")); h != "" {
			return h
		}
		if h := forwardedParam(r, "host"); h != "" {
			return h
		}
	}
	return r.Host
}

// BaseURL returns scheme://host.
func BaseURL(r *http.Request, trustProxy bool) string {
	return Scheme(r, trustProxy) + "://" + Host(r, trustProxy)
}

// URL joins BaseURL and an absolute path.
func URL(r *http.Request, trustProxy bool, path string) string {
	return BaseURL(r, trustProxy) + "/" + strings.TrimLeft(path, "/")
}

// forwardedParam returns a parameter of the first element of the
// Forwarded header, unquoted, or "".
func forwardedParam(r *http.Request, key string) string {
	forwarded := r.Header.Get("Forwarded")
	if forwarded == "" {
		return ""
	}
	first, _, _ := strings.Cut(forwarded, ",")
	for _, part := range strings.Split(first, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok && strings.EqualFold(k, key) {
			return strings.Trim(v, `"`)
		}
	}
	return ""
}
