// Package api implements the edgeprov provisioning HTTP API. Devices post
// a PKCS#10 CSR and receive a certificate signed by the domain's root CA.
// Responses are JSON except for PEM downloads.
package api

import (
	"context"
	"crypto"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"edgeprov/internal/auth"
	"edgeprov/internal/certengine"
	"edgeprov/internal/metrics"
	"edgeprov/internal/request"
)

const (
	// DefaultMaxBodyBytes caps a CSR request body when Options leaves it zero.
	DefaultMaxBodyBytes = 64 << 10

	pemContentType = "application/x-pem-file"
	requestIDKey   = "X-Request-ID"
	authRealm      = "edgeprov"
)

// Options holds the optional dependencies of a Handler.
type Options struct {
	// Auth enables Basic Auth on issuance endpoints. Nil disables auth.
	Auth *auth.Store

	// Metrics instruments requests and issuance. Nil disables metrics and
	// the /metrics endpoint.
	Metrics *metrics.Metrics

	// MaxBodyBytes caps the CSR body size.
	MaxBodyBytes int64

	// TrustProxy honors X-Forwarded-* and Forwarded headers when building
	// the links in status responses.
	TrustProxy bool
}

// Handler holds the API dependencies and registers routes on a mux.
type Handler struct {
	engine  *certengine.Engine
	logger  *slog.Logger
	auth    *auth.Store
	metrics *metrics.Metrics
	maxBody int64
	proxy   bool

	// issuing collapses concurrent issuance for the same domain and CSR.
	issuing singleflight.Group
}

// NewHandler creates an API handler backed by the given engine.
func NewHandler(engine *certengine.Engine, logger *slog.Logger, opts Options) *Handler {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return &Handler{
		engine:  engine,
		logger:  logger,
		auth:    opts.Auth,
		metrics: opts.Metrics,
		maxBody: opts.MaxBodyBytes,
		proxy:   opts.TrustProxy,
	}
}

// Register adds all API routes to the given mux.
//
// Protected endpoints (when auth is enabled):
//   - POST /api/domains/{domain}/csr
//   - GET  /api/domains/{domain}/issued
//
// Unprotected endpoints:
//   - GET  /api/status
//   - GET  /api/domains/{domain}/ca.pem
//   - GET  /api/domains/{domain}/jwks
//   - GET  /metrics (when metrics are enabled)
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/status", h.handleStatus)
	mux.HandleFunc("GET /api/domains/{domain}/ca.pem", h.handleRootCert)
	mux.HandleFunc("GET /api/domains/{domain}/jwks", h.handleJWKS)
	mux.Handle("POST /api/domains/{domain}/csr", h.requireAuth(h.handleCSR))
	mux.Handle("GET /api/domains/{domain}/issued", h.requireAuth(h.handleListIssued))

	// Method-not-allowed handlers so wrong-method requests get 405 rather
	// than falling through to the /api/ catch-all.
	mux.HandleFunc("/api/status", methodNotAllowed("GET"))
	mux.HandleFunc("/api/domains/{domain}/csr", methodNotAllowed("POST"))

	// Catch-all for unmatched /api/ paths.
	mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, ErrorResponse{
			Error: fmt.Sprintf("unknown API endpoint: %s %s", r.Method, r.URL.Path),
		})
	})

	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics.Handler())
	}
}

// Routes returns the complete API handler: a mux with every route,
// wrapped with metrics and request IDs.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	h.Register(mux)
	return withRequestID(h.metrics.Wrap(mux, nil))
}

// requireAuth wraps a handler with Basic Auth checking. If the auth store
// is nil or has no users, the handler is called directly.
func (h *Handler) requireAuth(next http.HandlerFunc) http.Handler {
	if h.auth == nil {
		return next
	}
	return h.auth.Require(authRealm, next, func(w http.ResponseWriter, r *http.Request) {
		h.logger.Warn("authentication failed", "path", r.URL.Path, "request_id", requestID(r))
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "authentication required"})
	})
}

// methodNotAllowed returns a handler that responds with 405 and an Allow header.
func methodNotAllowed(allowed string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Allow", allowed)
		writeJSON(w, http.StatusMethodNotAllowed, ErrorResponse{
			Error: fmt.Sprintf("method %s not allowed, use %s", r.Method, allowed),
		})
	}
}

// --- Response types ---

// StatusResponse is the JSON body for GET /api/status.
type StatusResponse struct {
	Domains []DomainStatus `json:"domains"`
}

// DomainStatus describes one domain in the status response.
type DomainStatus struct {
	Name      string       `json:"name"`
	Mode      string       `json:"mode"`
	State     string       `json:"state"`
	Algorithm string       `json:"algorithm"`
	RootCA    *CertInfo    `json:"root_ca,omitempty"`
	Issued    int          `json:"issued"`
	Links     *DomainLinks `json:"links,omitempty"`
}

// DomainLinks are the absolute URLs a provisioning client uses for a CA
// domain.
type DomainLinks struct {
	RootCA string `json:"root_ca"`
	JWKS   string `json:"jwks"`
	CSR    string `json:"csr"`
}

// CertInfo describes a certificate in API responses.
type CertInfo struct {
	Fingerprint string `json:"fingerprint"` // SHA-256
	Subject     string `json:"subject"`
	Issuer      string `json:"issuer"`
	Serial      string `json:"serial"`
	NotBefore   string `json:"not_before"`
	NotAfter    string `json:"not_after"`
}

// IssueResponse is the JSON body for POST /api/domains/{domain}/csr.
type IssueResponse struct {
	Certificate string `json:"certificate"`
	Result      string `json:"result"`
	Identity    string `json:"identity"`
	Existing    bool   `json:"existing"`
}

// IssuedResponse is the JSON body for GET /api/domains/{domain}/issued.
type IssuedResponse struct {
	Domain     string   `json:"domain"`
	Identities []string `json:"identities"`
}

// ErrorResponse is the JSON body for error responses.
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// --- Handlers ---

// GET /api/status
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{Domains: []DomainStatus{}}
	for _, name := range h.engine.Domains() {
		p, _ := h.engine.Profile(name)
		state, err := h.engine.State(name)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		ds := DomainStatus{
			Name:      name,
			Mode:      string(p.Mode),
			State:     state.String(),
			Algorithm: string(p.Algorithm),
		}
		if p.Mode == certengine.ModeCA {
			base := "/api/domains/" + name
			ds.Links = &DomainLinks{
				RootCA: request.URL(r, h.proxy, base+"/ca.pem"),
				JWKS:   request.URL(r, h.proxy, base+"/jwks"),
				CSR:    request.URL(r, h.proxy, base+"/csr"),
			}
		}
		if p.Mode == certengine.ModeCA && state != certengine.Uninitialized {
			if rootPEM, err := h.engine.RootCertPEM(name); err == nil {
				ds.RootCA = certInfo(rootPEM)
			}
			if ids, err := h.engine.ListIssued(name); err == nil {
				ds.Issued = len(ids)
			}
		}
		resp.Domains = append(resp.Domains, ds)
	}
	writeJSON(w, http.StatusOK, resp)
}

// GET /api/domains/{domain}/ca.pem
func (h *Handler) handleRootCert(w http.ResponseWriter, r *http.Request) {
	domain := r.PathValue("domain")
	rootPEM, err := h.engine.RootCertPEM(domain)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", pemContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", domain+"-root-ca.pem"))
	io.WriteString(w, rootPEM)
}

// GET /api/domains/{domain}/jwks
// Publishes the domain root public key as a JWK set, with the root
// certificate in x5c.
func (h *Handler) handleJWKS(w http.ResponseWriter, r *http.Request) {
	domain := r.PathValue("domain")
	rootPEM, err := h.engine.RootCertPEM(domain)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	key, err := h.engine.RootPublicKey(domain)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	jwk, err := rootJWK(key, rootPEM)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/jwk-set+json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{jwk}})
}

// POST /api/domains/{domain}/csr
// The body is a PEM CSR. The response is JSON unless ?format=pem is given
// or the client accepts only PEM.
func (h *Handler) handleCSR(w http.ResponseWriter, r *http.Request) {
	domain := r.PathValue("domain")
	start := time.Now()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{
				Error:     fmt.Sprintf("CSR body exceeds %d bytes", tooLarge.Limit),
				RequestID: requestID(r),
			})
			return
		}
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "read body: " + err.Error(), RequestID: requestID(r)})
		return
	}
	csrPEM := strings.TrimSpace(string(body))
	if csrPEM == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "request body must contain a PEM CSR", RequestID: requestID(r)})
		return
	}

	issued, err := h.issue(domain, csrPEM)
	h.metrics.ObserveIssuance(domain, issuanceResult(issued, err), time.Since(start))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.logger.Info("certificate issued",
		"domain", domain,
		"identity", issued.Identity,
		"existing", issued.Existing,
		"request_id", requestID(r),
	)

	if wantsPEM(r) {
		w.Header().Set("Content-Type", pemContentType)
		io.WriteString(w, issued.CertificatePEM)
		return
	}
	writeJSON(w, http.StatusOK, IssueResponse{
		Certificate: issued.CertificatePEM,
		Result:      "success",
		Identity:    issued.Identity,
		Existing:    issued.Existing,
	})
}

// issue runs IssueFromCSR, sharing one call among concurrent requests for
// the same identity in the same domain.
func (h *Handler) issue(domain, csrPEM string) (*certengine.Issued, error) {
	identity, err := certengine.CSRIdentity(csrPEM)
	if err != nil {
		// Let the engine produce the classified error.
		return h.engine.IssueFromCSR(domain, csrPEM)
	}
	key := domain + "\x00" + identity + "\x00" + csrDigest(csrPEM)
	v, err, _ := h.issuing.Do(key, func() (any, error) {
		return h.engine.IssueFromCSR(domain, csrPEM)
	})
	if err != nil {
		return nil, err
	}
	return v.(*certengine.Issued), nil
}

// GET /api/domains/{domain}/issued
func (h *Handler) handleListIssued(w http.ResponseWriter, r *http.Request) {
	domain := r.PathValue("domain")
	ids, err := h.engine.ListIssued(domain)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, IssuedResponse{Domain: domain, Identities: ids})
}

// --- Error mapping ---

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, certengine.ErrUnknownDomain):
		return http.StatusNotFound
	case errors.Is(err, certengine.ErrNotIssuer):
		return http.StatusNotFound
	case errors.Is(err, certengine.ErrNotInitialized):
		return http.StatusServiceUnavailable
	case errors.Is(err, certengine.ErrIdentityConflict):
		return http.StatusConflict
	case errors.Is(err, certengine.ErrMissingIdentity):
		return http.StatusBadRequest
	}
	switch certengine.KindOf(err) {
	case certengine.ParseFailure, certengine.EncodingFailure, certengine.VerificationFailure:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "path", r.URL.Path, "error", err, "request_id", requestID(r))
		msg = "internal error"
	} else {
		h.logger.Info("request rejected", "path", r.URL.Path, "status", status, "error", err, "request_id", requestID(r))
	}
	writeJSON(w, status, ErrorResponse{Error: msg, RequestID: requestID(r)})
}

func issuanceResult(issued *certengine.Issued, err error) string {
	switch {
	case err == nil && issued.Existing:
		return metrics.ResultExisting
	case err == nil:
		return metrics.ResultIssued
	case errors.Is(err, certengine.ErrIdentityConflict):
		return metrics.ResultConflict
	case statusFor(err) < http.StatusInternalServerError:
		return metrics.ResultRejected
	default:
		return metrics.ResultFailed
	}
}

// --- Request IDs ---

type ctxKey struct{}

// withRequestID tags every request with an ID, taken from the X-Request-ID
// header when the caller supplied a valid one.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDKey)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

func requestID(r *http.Request) string {
	id, _ := r.Context().Value(ctxKey{}).(string)
	return id
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func wantsPEM(r *http.Request) bool {
	if f := r.URL.Query().Get("format"); f != "" {
		return strings.EqualFold(f, "pem")
	}
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, pemContentType) && !strings.Contains(accept, "json")
}

func csrDigest(csrPEM string) string {
	sum := sha256.Sum256([]byte(csrPEM))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// rootJWK converts a domain root key into a JWK carrying the root
// certificate chain.
func rootJWK(key *certengine.KeyPair, rootPEM string) (jose.JSONWebKey, error) {
	der, err := certengine.DecodePEM(rootPEM, certengine.LabelCertificate)
	if err != nil {
		return jose.JSONWebKey{}, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return jose.JSONWebKey{}, fmt.Errorf("parse root certificate: %w", err)
	}

	jwk := jose.JSONWebKey{
		Key:          key.Public(),
		Algorithm:    jwsAlgorithm(key.Algorithm()),
		Use:          "sig",
		Certificates: []*x509.Certificate{cert},
	}
	thumb, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return jose.JSONWebKey{}, fmt.Errorf("jwk thumbprint: %w", err)
	}
	jwk.KeyID = base64.RawURLEncoding.EncodeToString(thumb)
	return jwk, nil
}

func jwsAlgorithm(alg certengine.Algorithm) string {
	switch alg {
	case certengine.ECDSAP256:
		return string(jose.ES256)
	case certengine.ECDSAP384:
		return string(jose.ES384)
	case certengine.ECDSAP521:
		return string(jose.ES512)
	default:
		return string(jose.EdDSA)
	}
}

func certInfo(certPEM string) *CertInfo {
	info, err := certengine.ParseCertificate(certPEM)
	if err != nil {
		return nil
	}
	return &CertInfo{
		Fingerprint: fingerprint(info.Raw),
		Subject:     info.Subject.Text,
		Issuer:      info.Issuer.Text,
		Serial:      fmt.Sprintf("%X", info.SerialNumber),
		NotBefore:   info.NotBefore.UTC().Format(time.RFC3339),
		NotAfter:    info.NotAfter.UTC().Format(time.RFC3339),
	}
}

func fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":")
}
