// Package directory resolves email addresses to identities and back. The
// preprocessing pipeline uses it to populate the fromId/toId fields of a
// message before delivery.
package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Common errors
var (
	ErrNotFound     = errors.New("identity not found")
	ErrNotConnected = errors.New("not connected to directory")
)

// Identity is a directory entry: a user with one or more registered
// addresses. The first address is the primary one used as a delivery
// target.
type Identity struct {
	ID        string
	Name      string
	Addresses []string
}

// PrimaryAddress returns the identity's first registered address, or the
// empty string when it has none.
func (i *Identity) PrimaryAddress() string {
	if i == nil || len(i.Addresses) == 0 {
		return ""
	}
	return i.Addresses[0]
}

// Resolver maps addresses to identities and identity ids to identities.
//
// Lookup applies the system's address-matching rule: an address matches
// an identity when it equals one of the identity's registered addresses,
// or, when the address belongs to the configured local domain, when the
// identity id embedded after the last underscore of the local part
// matches. Both conditions are tried; either suffices.
type Resolver interface {
	Lookup(ctx context.Context, address string) (*Identity, error)
	LookupID(ctx context.Context, id string) (*Identity, error)
}

// NormalizeAddress canonicalizes an address for matching: Unicode NFC
// normalization plus lowercasing. Registered addresses and lookup inputs
// go through the same path so they compare byte-for-byte.
func NormalizeAddress(address string) string {
	return strings.ToLower(norm.NFC.String(strings.TrimSpace(address)))
}

// EmbeddedID extracts the identity id embedded in a system-local address:
// for an address on the given domain, the portion of the local part after
// the last underscore. ok is false for foreign domains or malformed input.
func EmbeddedID(address, domain string) (id string, ok bool) {
	if domain == "" {
		return "", false
	}
	address = NormalizeAddress(address)
	at := strings.LastIndex(address, "@")
	if at < 0 || address[at+1:] != strings.ToLower(domain) {
		return "", false
	}
	local := address[:at]
	if i := strings.LastIndex(local, "_"); i >= 0 {
		local = local[i+1:]
	}
	if local == "" {
		return "", false
	}
	return local, true
}

// SystemAddress builds the system-generated address for an identity id on
// the given domain, the inverse of EmbeddedID.
func SystemAddress(id, domain string) string {
	return fmt.Sprintf("user_%s@%s", id, domain)
}

// Config represents the configuration for a directory backend.
type Config struct {
	Type   string `toml:"type"`   // "static", "sql", "ldap"
	Domain string `toml:"domain"` // local domain for the embedded-id rule

	// SQL settings
	Driver string `toml:"driver"` // "sqlite3", "postgres", "mysql"
	DSN    string `toml:"dsn"`

	// LDAP settings
	Host         string `toml:"host"`
	Port         int    `toml:"port"`
	BindDN       string `toml:"bind_dn"`
	BindPassword string `toml:"bind_password"`
	BaseDN       string `toml:"base_dn"`
}

// Factory creates a resolver based on configuration.
func Factory(cfg Config) (Resolver, error) {
	switch cfg.Type {
	case "", "static":
		return NewStatic(cfg.Domain), nil
	case "sql":
		return OpenSQL(cfg)
	case "ldap":
		return NewLDAP(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported directory type: %s", cfg.Type)
	}
}
