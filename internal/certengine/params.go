// Package certengine builds, signs, parses and verifies X.509v3 certificates
// and PKCS#10 CSRs directly over DER, and bootstraps the per-domain
// certificate authorities used to provision devices. It has no HTTP
// concerns.
package certengine

import (
	"fmt"
	"regexp"
)

// Mode selects what Bootstrap stands up for a domain.
type Mode string

const (
	// ModeCA creates a root CA plus a server and a client leaf signed by it.
	ModeCA Mode = "ca"
	// ModeCSR creates only a client key and a CSR for an external CA to sign.
	ModeCSR Mode = "csr"
)

// Validity defaults.
const (
	// DefaultRootValidityYears is the lifetime of a domain root CA.
	DefaultRootValidityYears = 20

	// DefaultLeafValidityDays is the lifetime of the bootstrap server and
	// client certificates.
	DefaultLeafValidityDays = 20 * daysPerYear

	// DefaultIssueValidityDays is the lifetime of certificates issued from
	// device CSRs.
	DefaultIssueValidityDays = 365
)

// Well-known artifact names inside a domain.
const (
	RootName   = "rootca"
	ServerName = "server"
	ClientName = "client"
)

var domainNameRE = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,62}$`)

// DomainProfile describes one deployment domain: how its authority is laid
// out and which names and lifetimes it uses. Zero values are filled in by
// WithDefaults.
type DomainProfile struct {
	Name      string    `yaml:"name" json:"name"`
	Mode      Mode      `yaml:"mode" json:"mode"`
	Algorithm Algorithm `yaml:"algorithm" json:"algorithm"`

	// Subject holds the attributes shared by every certificate of the
	// domain (C, ST, L, O, OU). CN is set per artifact.
	Subject  map[string]string `yaml:"subject" json:"subject,omitempty"`
	RootCN   string            `yaml:"root_cn" json:"root_cn,omitempty"`
	ServerCN string            `yaml:"server_cn" json:"server_cn,omitempty"`
	ClientCN string            `yaml:"client_cn" json:"client_cn,omitempty"`

	// ServerSANs are added to the server certificate.
	ServerSANs []GeneralName `yaml:"server_sans" json:"server_sans,omitempty"`

	RootValidityYears int `yaml:"root_validity_years" json:"root_validity_years,omitempty"`
	LeafValidityDays  int `yaml:"leaf_validity_days" json:"leaf_validity_days,omitempty"`
	IssueValidityDays int `yaml:"issue_validity_days" json:"issue_validity_days,omitempty"`
}

// WithDefaults returns a copy of p with zero-value fields replaced by defaults.
func (p DomainProfile) WithDefaults() DomainProfile {
	if p.Mode == "" {
		p.Mode = ModeCA
	}
	if alg, err := ParseAlgorithm(string(p.Algorithm)); err == nil {
		p.Algorithm = alg
	}
	if p.RootCN == "" {
		p.RootCN = fmt.Sprintf("Edge Root CA for %s Provisioning", p.Name)
	}
	if p.ServerCN == "" {
		p.ServerCN = fmt.Sprintf("Edge Server for %s Provisioning", p.Name)
	}
	if p.ClientCN == "" {
		p.ClientCN = fmt.Sprintf("Edge Client for %s Provisioning", p.Name)
	}
	if p.RootValidityYears <= 0 {
		p.RootValidityYears = DefaultRootValidityYears
	}
	if p.LeafValidityDays <= 0 {
		p.LeafValidityDays = DefaultLeafValidityDays
	}
	if p.IssueValidityDays <= 0 {
		p.IssueValidityDays = DefaultIssueValidityDays
	}
	return p
}

// Validate checks the profile after defaults are applied.
func (p DomainProfile) Validate() error {
	if !domainNameRE.MatchString(p.Name) {
		return fmt.Errorf("invalid domain name %q", p.Name)
	}
	switch p.Mode {
	case ModeCA, ModeCSR:
	default:
		return fmt.Errorf("domain %s: unknown mode %q", p.Name, p.Mode)
	}
	if _, err := ParseAlgorithm(string(p.Algorithm)); err != nil {
		return fmt.Errorf("domain %s: %w", p.Name, err)
	}
	for _, cn := range []string{p.RootCN, p.ServerCN, p.ClientCN} {
		if err := p.nameWith(cn).validate(); err != nil {
			return fmt.Errorf("domain %s: %w", p.Name, err)
		}
	}
	if len(p.ServerSANs) > 0 {
		if err := (Extensions{SubjectAltName: &SubjectAltName{Names: p.ServerSANs}}).Validate(); err != nil {
			return fmt.Errorf("domain %s: %w", p.Name, err)
		}
	}
	return nil
}

// nameWith returns the domain's shared subject with the given CN.
func (p DomainProfile) nameWith(cn string) Name {
	m := make(map[string]string, len(p.Subject)+1)
	for k, v := range p.Subject {
		m[k] = v
	}
	m["CN"] = cn
	return NameFromMap(m)
}

func (n Name) validate() error {
	_, err := EncodeName(n)
	return err
}

// DefaultProfiles are the four deployment domains of an edge installation:
// factory and cluster authorities, the cloud domain that only requests a
// certificate, and the buddy peer network.
func DefaultProfiles() []DomainProfile {
	subject := map[string]string{"O": "edgeprov", "OU": "device provisioning"}
	profiles := []DomainProfile{
		{Name: "factory", Mode: ModeCA, Subject: subject},
		{Name: "cluster", Mode: ModeCA, Subject: subject},
		{Name: "cloud", Mode: ModeCSR, Subject: subject, Algorithm: ECDSAP256},
		{Name: "buddy", Mode: ModeCA, Subject: subject},
	}
	for i := range profiles {
		profiles[i] = profiles[i].WithDefaults()
	}
	return profiles
}
