package certengine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// State represents how far a domain has been bootstrapped.
type State int

const (
	// Uninitialized means the domain's anchor key (root CA key, or client
	// key in CSR mode) does not exist yet.
	Uninitialized State = iota

	// Initialized means the anchor exists but some artifacts are missing.
	// In CSR mode this is the state while waiting for the signed client
	// certificate.
	Initialized

	// Ready means every artifact of the domain is present.
	Ready
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initialized:
		return "initialized"
	case Ready:
		return "ready"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON and YAML.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Errors returned by Engine. Engine operations also surface classified
// *Error values from the certificate layer.
var (
	ErrUnknownDomain    = errors.New("unknown domain")
	ErrNotInitialized   = errors.New("domain is not initialized")
	ErrNotIssuer        = errors.New("domain does not issue certificates")
	ErrIdentityConflict = errors.New("identity already issued to a different key")
	ErrMissingIdentity  = errors.New("CSR subject has no common name")
)

const (
	issuerCacheTTL     = 10 * time.Minute
	issuerCacheCleanup = time.Minute
)

// Engine provisions the configured deployment domains. Each domain has an
// independent key and certificate namespace in the Store.
type Engine struct {
	mu       sync.Mutex // serializes writes to the store
	store    *Store
	profiles map[string]DomainProfile
	order    []string
	issuers  *gocache.Cache // domain -> *issuer
}

// issuer is the signing material of a CA-mode domain.
type issuer struct {
	key     *KeyPair
	certPEM string
	subject Name
}

// BootstrapResult reports what Bootstrap did for one domain.
type BootstrapResult struct {
	Domain  string   `json:"domain"`
	Mode    Mode     `json:"mode"`
	State   State    `json:"state"`
	Created []string `json:"created"`
}

// Issued is the outcome of IssueFromCSR.
type Issued struct {
	Domain         string `json:"domain"`
	Identity       string `json:"identity"`
	CertificatePEM string `json:"certificate"`
	Existing       bool   `json:"existing"`
}

// New creates an Engine backed by the given state directory. Profiles get
// their defaults applied and are validated; domain names must be unique.
func New(stateDir string, profiles []DomainProfile) (*Engine, error) {
	store, err := NewStore(stateDir)
	if err != nil {
		return nil, fmt.Errorf("initialize store: %w", err)
	}

	e := &Engine{
		store:    store,
		profiles: make(map[string]DomainProfile, len(profiles)),
		issuers:  gocache.New(issuerCacheTTL, issuerCacheCleanup),
	}
	for _, p := range profiles {
		p = p.WithDefaults()
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := e.profiles[p.Name]; dup {
			return nil, fmt.Errorf("duplicate domain %q", p.Name)
		}
		e.profiles[p.Name] = p
		e.order = append(e.order, p.Name)
	}
	return e, nil
}

// Store returns the underlying store, for direct path queries.
func (e *Engine) Store() *Store {
	return e.store
}

// Domains returns the configured domain names in configuration order.
func (e *Engine) Domains() []string {
	return append([]string(nil), e.order...)
}

// Profile returns the profile of a domain.
func (e *Engine) Profile(domain string) (DomainProfile, bool) {
	p, ok := e.profiles[domain]
	return p, ok
}

func (e *Engine) profile(domain string) (DomainProfile, error) {
	p, ok := e.profiles[domain]
	if !ok {
		return DomainProfile{}, fmt.Errorf("%w: %q", ErrUnknownDomain, domain)
	}
	return p, nil
}

// State inspects the store and reports the state of a domain.
func (e *Engine) State(domain string) (State, error) {
	p, err := e.profile(domain)
	if err != nil {
		return Uninitialized, err
	}
	has := func(name string) bool {
		priv, _ := e.store.KeyPaths(domain, name)
		return fileExists(priv)
	}

	if p.Mode == ModeCSR {
		switch {
		case !has(ClientName):
			return Uninitialized, nil
		case e.store.HasCSR(domain, ClientName) && e.store.HasCert(domain, ClientName):
			return Ready, nil
		default:
			return Initialized, nil
		}
	}

	if !has(RootName) || !e.store.HasCert(domain, RootName) {
		return Uninitialized, nil
	}
	for _, name := range []string{ServerName, ClientName} {
		if !has(name) || !e.store.HasCert(domain, name) {
			return Initialized, nil
		}
	}
	return Ready, nil
}

// Bootstrap stands up a domain. In CA mode it creates the root CA, then a
// server and a client certificate signed by it. In CSR mode it creates the
// client key and a CSR. Every artifact is created only if absent, so
// Bootstrap is idempotent.
func (e *Engine) Bootstrap(domain string) (*BootstrapResult, error) {
	p, err := e.profile(domain)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	res := &BootstrapResult{Domain: domain, Mode: p.Mode}
	track := func(artifact string, created bool) {
		if created {
			res.Created = append(res.Created, artifact)
		}
	}

	if p.Mode == ModeCSR {
		if err := e.bootstrapCSR(p, track); err != nil {
			return nil, fmt.Errorf("bootstrap %s: %w", domain, err)
		}
	} else {
		if err := e.bootstrapCA(p, track); err != nil {
			return nil, fmt.Errorf("bootstrap %s: %w", domain, err)
		}
	}

	e.issuers.Delete(domain)
	if res.State, err = e.State(domain); err != nil {
		return nil, err
	}
	return res, nil
}

func (e *Engine) bootstrapCA(p DomainProfile, track func(string, bool)) error {
	domain := p.Name

	rootKP, created, err := e.store.LoadOrCreateKeyPair(domain, RootName, p.Algorithm)
	if err != nil {
		return fmt.Errorf("root key: %w", err)
	}
	track(RootName+privKeySuffix, created)

	rootPEM, created, err := e.store.LoadOrCreateCert(domain, RootName, func() (string, error) {
		_, certPEM, err := GenerateRootCA(p.nameWith(p.RootCN), p.RootValidityYears, rootKP, p.Algorithm)
		return certPEM, err
	})
	if err != nil {
		return fmt.Errorf("root certificate: %w", err)
	}
	track(RootName+certSuffix, created)

	leaves := []struct {
		name string
		cn   string
		sans []GeneralName
	}{
		{ServerName, p.ServerCN, p.ServerSANs},
		{ClientName, p.ClientCN, nil},
	}
	for _, leaf := range leaves {
		kp, created, err := e.store.LoadOrCreateKeyPair(domain, leaf.name, p.Algorithm)
		if err != nil {
			return fmt.Errorf("%s key: %w", leaf.name, err)
		}
		track(leaf.name+privKeySuffix, created)

		_, created, err = e.store.LoadOrCreateCert(domain, leaf.name, func() (string, error) {
			_, certPEM, err := GenerateLeafCertificate(p.nameWith(leaf.cn), p.LeafValidityDays, rootKP, rootPEM, kp, LeafOptions{SANs: leaf.sans})
			return certPEM, err
		})
		if err != nil {
			return fmt.Errorf("%s certificate: %w", leaf.name, err)
		}
		track(leaf.name+certSuffix, created)
	}
	return nil
}

func (e *Engine) bootstrapCSR(p DomainProfile, track func(string, bool)) error {
	kp, created, err := e.store.LoadOrCreateKeyPair(p.Name, ClientName, p.Algorithm)
	if err != nil {
		return fmt.Errorf("client key: %w", err)
	}
	track(ClientName+privKeySuffix, created)

	_, created, err = e.store.LoadOrCreateCSR(p.Name, ClientName, func() (string, error) {
		return BuildCSR(CSRParams{
			SubjectKey: kp,
			Subject:    p.nameWith(p.ClientCN),
			Extensions: Extensions{
				ExtendedKeyUsage: &ExtendedKeyUsage{Usages: leafExtUsages},
			},
		})
	})
	if err != nil {
		return fmt.Errorf("client CSR: %w", err)
	}
	track(ClientName+csrSuffix, created)
	return nil
}

// BootstrapAll bootstraps every configured domain in order.
func (e *Engine) BootstrapAll() ([]*BootstrapResult, error) {
	var out []*BootstrapResult
	for _, d := range e.order {
		res, err := e.Bootstrap(d)
		if err != nil {
			return out, err
		}
		out = append(out, res)
	}
	return out, nil
}

// InstallClientCert stores the certificate an external CA issued for a
// CSR-mode domain's client key. The certificate must carry that key.
func (e *Engine) InstallClientCert(domain, certPEM string) error {
	if _, err := e.profile(domain); err != nil {
		return err
	}
	kp, err := e.store.LoadKeyPair(domain, ClientName)
	if err != nil {
		return err
	}
	if kp == nil {
		return fmt.Errorf("%w: %s has no client key", ErrNotInitialized, domain)
	}
	info, err := ParseCertificate(certPEM)
	if err != nil {
		return err
	}
	if !info.PublicKey.SamePublicKey(kp) {
		return fmt.Errorf("certificate for %q does not carry the %s client key", info.Subject.Text, domain)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return writeFileAtomic(e.store.CertPath(domain, ClientName), []byte(certPEM), certPerms)
}

// RootCertPEM returns the root certificate of a CA-mode domain.
func (e *Engine) RootCertPEM(domain string) (string, error) {
	iss, err := e.issuer(domain)
	if err != nil {
		return "", err
	}
	return iss.certPEM, nil
}

// RootPublicKey returns the public key of a CA-mode domain's root.
func (e *Engine) RootPublicKey(domain string) (*KeyPair, error) {
	iss, err := e.issuer(domain)
	if err != nil {
		return nil, err
	}
	return iss.key.PublicOnly(), nil
}

// issuer loads (and caches) the root key and certificate of a domain.
func (e *Engine) issuer(domain string) (*issuer, error) {
	p, err := e.profile(domain)
	if err != nil {
		return nil, err
	}
	if p.Mode != ModeCA {
		return nil, fmt.Errorf("%w: %s is in %s mode", ErrNotIssuer, domain, p.Mode)
	}
	if v, ok := e.issuers.Get(domain); ok {
		return v.(*issuer), nil
	}

	key, err := e.store.LoadKeyPair(domain, RootName)
	if err != nil {
		return nil, err
	}
	certPEM, err := e.store.LoadCert(domain, RootName)
	if err != nil {
		return nil, err
	}
	if key == nil || certPEM == "" {
		return nil, fmt.Errorf("%w: %s", ErrNotInitialized, domain)
	}
	info, err := ParseCertificate(certPEM)
	if err != nil {
		return nil, fmt.Errorf("load %s root: %w", domain, err)
	}
	if !info.PublicKey.SamePublicKey(key) {
		return nil, fmt.Errorf("%s root key does not match root certificate", domain)
	}

	iss := &issuer{key: key, certPEM: certPEM, subject: info.Subject.Name}
	e.issuers.SetDefault(domain, iss)
	return iss, nil
}

// CSRIdentity returns the identity (subject CN) a CSR asks for.
func CSRIdentity(csrPEM string) (string, error) {
	sub, err := ParseSubjectFromCSR(csrPEM)
	if err != nil {
		return "", err
	}
	cn := sub.Name.CommonName()
	if cn == "" {
		return "", ErrMissingIdentity
	}
	return cn, nil
}

// IssueFromCSR signs a device CSR with the domain root. The CSR must carry
// a valid self-signature and a CN. A CN that was already issued
// short-circuits to the stored certificate when the public key matches, and
// fails with ErrIdentityConflict otherwise.
func (e *Engine) IssueFromCSR(domain, csrPEM string) (*Issued, error) {
	p, err := e.profile(domain)
	if err != nil {
		return nil, err
	}
	csr, err := ParseCSR(csrPEM)
	if err != nil {
		return nil, err
	}
	if !csr.CheckSignature(csr.PublicKey) {
		return nil, failf(VerificationFailure, "issue from CSR", "CSR signature does not verify")
	}
	identity := csr.Subject.Name.CommonName()
	if identity == "" {
		return nil, ErrMissingIdentity
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	existing, err := e.store.LoadIssued(domain, identity)
	if err != nil {
		return nil, err
	}
	if existing != "" {
		info, err := ParseCertificate(existing)
		if err != nil {
			return nil, fmt.Errorf("load issued %s/%s: %w", domain, identity, err)
		}
		if info.Subject.Name.CommonName() != identity || !info.PublicKey.SamePublicKey(csr.PublicKey) {
			return nil, fmt.Errorf("%w: %s/%s", ErrIdentityConflict, domain, identity)
		}
		return &Issued{Domain: domain, Identity: identity, CertificatePEM: existing, Existing: true}, nil
	}

	iss, err := e.issuer(domain)
	if err != nil {
		return nil, err
	}
	certPEM, err := SignCSR(csrPEM, iss.key, iss.subject, p.IssueValidityDays, LeafExtensions())
	if err != nil {
		return nil, err
	}
	if err := e.store.SaveIssued(domain, identity, certPEM); err != nil {
		return nil, fmt.Errorf("save issued %s/%s: %w", domain, identity, err)
	}
	return &Issued{Domain: domain, Identity: identity, CertificatePEM: certPEM}, nil
}

// ListIssued returns the identities issued in a domain.
func (e *Engine) ListIssued(domain string) ([]string, error) {
	if _, err := e.profile(domain); err != nil {
		return nil, err
	}
	return e.store.ListIssued(domain)
}
