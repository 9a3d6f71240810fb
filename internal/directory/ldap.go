package directory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// LDAP resolves identities from an LDAP directory. Entries are expected
// to carry uid, cn and mail attributes; additional addresses may be
// listed under mailAlternateAddress.
type LDAP struct {
	cfg       Config
	mu        sync.Mutex
	conn      *ldap.Conn
	connected bool
}

var _ Resolver = (*LDAP)(nil)

// NewLDAP creates a new LDAP resolver. The connection is established
// lazily on first lookup.
func NewLDAP(cfg Config) *LDAP {
	if cfg.Port == 0 {
		cfg.Port = 389
	}
	return &LDAP{cfg: cfg}
}

// Connect establishes the connection to the LDAP server.
func (l *LDAP) Connect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connectLocked()
}

func (l *LDAP) connectLocked() error {
	if l.connected {
		return nil
	}

	conn, err := ldap.DialURL(fmt.Sprintf("ldap://%s:%d", l.cfg.Host, l.cfg.Port))
	if err != nil {
		return fmt.Errorf("failed to connect to LDAP server: %w", err)
	}
	conn.SetTimeout(30 * time.Second)

	if l.cfg.BindDN != "" {
		if err := conn.Bind(l.cfg.BindDN, l.cfg.BindPassword); err != nil {
			_ = conn.Close()
			return fmt.Errorf("failed to bind to LDAP server: %w", err)
		}
	}

	l.conn = conn
	l.connected = true
	return nil
}

// Close closes the connection to the LDAP server.
func (l *LDAP) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.connected {
		return nil
	}
	l.connected = false
	if err := l.conn.Close(); err != nil {
		return fmt.Errorf("failed to close LDAP connection: %w", err)
	}
	return nil
}

// Lookup resolves an address via an exact mail-attribute match, or, for
// local-domain addresses, via the embedded identity id.
func (l *LDAP) Lookup(ctx context.Context, address string) (*Identity, error) {
	normalized := NormalizeAddress(address)

	filter := fmt.Sprintf("(|(mail=%s)(mailAlternateAddress=%s))",
		ldap.EscapeFilter(normalized), ldap.EscapeFilter(normalized))
	if embedded, ok := EmbeddedID(address, l.cfg.Domain); ok {
		filter = fmt.Sprintf("(|(mail=%s)(mailAlternateAddress=%s)(uid=%s))",
			ldap.EscapeFilter(normalized), ldap.EscapeFilter(normalized), ldap.EscapeFilter(embedded))
	}
	return l.search(ctx, filter)
}

// LookupID resolves an identity by its uid.
func (l *LDAP) LookupID(ctx context.Context, id string) (*Identity, error) {
	return l.search(ctx, fmt.Sprintf("(uid=%s)", ldap.EscapeFilter(id)))
}

func (l *LDAP) search(ctx context.Context, filter string) (*Identity, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.connectLocked(); err != nil {
		return nil, err
	}

	req := ldap.NewSearchRequest(
		l.cfg.BaseDN,
		ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases,
		1, 10, false,
		filter,
		[]string{"uid", "cn", "mail", "mailAlternateAddress"},
		nil,
	)

	res, err := l.conn.Search(req)
	if err != nil {
		// Drop the connection so the next lookup redials.
		l.connected = false
		_ = l.conn.Close()
		return nil, fmt.Errorf("ldap search failed: %w", err)
	}
	if len(res.Entries) == 0 {
		return nil, ErrNotFound
	}

	entry := res.Entries[0]
	ident := &Identity{
		ID:   entry.GetAttributeValue("uid"),
		Name: entry.GetAttributeValue("cn"),
	}
	if mail := entry.GetAttributeValue("mail"); mail != "" {
		ident.Addresses = append(ident.Addresses, mail)
	}
	ident.Addresses = append(ident.Addresses, entry.GetAttributeValues("mailAlternateAddress")...)
	return ident, nil
}
