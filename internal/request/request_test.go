package request

import (
	"crypto/tls"
	"net/http"
	"testing"
)

func TestScheme(t *testing.T) {
	tests := []struct {
		name       string
		req        *http.Request
		trustProxy bool
		expect     string
	}{
		{"direct TLS", &http.Request{TLS: &tls.ConnectionState{}}, false, "https"},
		{"direct HTTP", &http.Request{}, false, "http"},
		{
			name:       "X-Forwarded-Proto https (trusted)",
			req:        &http.Request{Header: http.Header{"X-Forwarded-Proto": {"HTTPS"}}},
			trustProxy: true,
			expect:     "https",
		},
		{
			name:   "X-Forwarded-Proto https (untrusted)",
			req:    &http.Request{Header: http.Header{"X-Forwarded-Proto": {"https"}}},
			expect: "http",
		},
		{
			name: "X-Forwarded-Proto overrides TLS (trusted)",
			req: &http.Request{
				TLS:    &tls.ConnectionState{},
				Header: http.Header{"X-Forwarded-Proto": {"http"}},
			},
			trustProxy: true,
			expect:     "http",
		},
		{
			name:       "X-Forwarded-Proto garbage falls through",
			req:        &http.Request{Header: http.Header{"X-Forwarded-Proto": {"gopher"}}},
			trustProxy: true,
			expect:     "http",
		},
		{
			name:       "Forwarded proto=https (trusted)",
			req:        &http.Request{Header: http.Header{"Forwarded": {`for=192.0.2.60;proto=https;by=203.0.113.43`}}},
			trustProxy: true,
			expect:     "https",
		},
		{
			name:       "Forwarded quoted proto, first element only",
			req:        &http.Request{Header: http.Header{"Forwarded": {`Proto="https", proto=http`}}},
			trustProxy: true,
			expect:     "https",
		},
		{
			name:   "Forwarded ignored when untrusted",
			req:    &http.Request{Header: http.Header{"Forwarded": {`proto=https`}}},
			expect: "http",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Scheme(tt.req, tt.trustProxy); got != tt.expect {
				t.Errorf("Scheme() = %q, want %q", got, tt.expect)
			}
		})
	}
}

func TestHost(t *testing.T) {
	tests := []struct {
		name       string
		req        *http.Request
		trustProxy bool
		expect     string
	}{
		{"r.Host", &http.Request{Host: "edgeprov.local:8080"}, false, "edgeprov.local:8080"},
		{
			name: "X-Forwarded-Host (trusted)",
			req: &http.Request{
				Host:   "localhost:8080",
				Header: http.Header{"X-Forwarded-Host": {"provision.example.com"}},
			},
			trustProxy: true,
			expect:     "provision.example.com",
		},
		{
			name: "X-Forwarded-Host (untrusted)",
			req: &http.Request{
				Host:   "localhost:8080",
				Header: http.Header{"X-Forwarded-Host": {"evil.com"}},
			},
			expect: "localhost:8080",
		},
		{
			name: "Forwarded host (trusted)",
			req: &http.Request{
				Host:   "localhost:8080",
				Header: http.Header{"Forwarded": {`host="provision.example.com";proto=https`}},
			},
			trustProxy: true,
			expect:     "provision.example.com",
		},
		{
			name: "Forwarded host (untrusted)",
			req: &http.Request{
				Host:   "localhost:8080",
				Header: http.Header{"Forwarded": {`host=evil.com;proto=https`}},
			},
			expect: "localhost:8080",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Host(tt.req, tt.trustProxy); got != tt.expect {
				t.Errorf("Host() = %q, want %q", got, tt.expect)
			}
		})
	}
}

func TestURL(t *testing.T) {
	req := &http.Request{
		Host:   "edgeprov.local:8080",
		Header: http.Header{"X-Forwarded-Proto": {"https"}},
	}
	if got, want := URL(req, true, "/api/domains/factory/ca.pem"), "https://edgeprov.local:8080/api/domains/factory/ca.pem"; got != want {
		t.Errorf("URL() = %q, want %q", got, want)
	}
	// Without trust, X-Forwarded-Proto is ignored.
	if got, want := BaseURL(req, false), "http://edgeprov.local:8080"; got != want {
		t.Errorf("BaseURL(trustProxy=false) = %q, want %q", got, want)
	}
}
