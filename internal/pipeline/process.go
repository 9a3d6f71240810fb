package pipeline

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/cwohlman/mailpipe/internal/directory"
	"github.com/cwohlman/mailpipe/internal/message"
	"github.com/cwohlman/mailpipe/internal/render"
)

// process validates and enriches a message before it is stored or
// delivered. Drafts skip every step except timestamping; their content
// is validated when the finalized message is sent.
func (p *Pipeline) process(ctx context.Context, m *message.Message, opts Options) (*message.Message, error) {
	if !m.IsDraft() {
		md := &Metadata{}

		if p.hooks.Metadata != nil {
			if err := p.hooks.Metadata(ctx, m, md); err != nil {
				return nil, p.reject(ctx, m, err.Error(), opts)
			}
		} else {
			p.primeMetadata(ctx, m, md)
		}

		if m.FromID == "" {
			ident, err := p.dir.Lookup(ctx, m.From)
			if err != nil {
				p.logger.Debug("Sender resolution failed", "from", m.From, "error", err)
				return nil, p.reject(ctx, m, ReasonMissingSender, opts)
			}
			m.FromID = ident.ID
			md.From = ident
		}
		if m.ToID == "" {
			ident, err := p.dir.Lookup(ctx, m.To)
			if err != nil {
				p.logger.Debug("Recipient resolution failed", "to", m.To, "error", err)
				return nil, p.reject(ctx, m, ReasonMissingRecipient, opts)
			}
			m.ToID = ident.ID
			md.To = ident
		}

		if err := p.deriveAddresses(ctx, m, md, opts); err != nil {
			return nil, err
		}

		if m.LayoutTemplate == nil && opts.LayoutTemplate != "" {
			m.LayoutTemplate = message.String(opts.LayoutTemplate)
		}
		if m.Template == "" {
			m.Template = opts.DefaultTemplate
		}

		if m.ThreadID == "" {
			m.ThreadID = ThreadID(m.FromID, m.ToID)
		}

		if err := p.deriveBodies(ctx, m, md, opts); err != nil {
			return nil, err
		}

		if m.Subject == "" {
			return nil, p.reject(ctx, m, ReasonMissingSubject, opts)
		}
		if m.Text == "" && m.HTML == "" {
			return nil, p.reject(ctx, m, ReasonMissingBody, opts)
		}

		if p.hooks.Finalize != nil {
			if err := p.hooks.Finalize(ctx, m, md); err != nil {
				return nil, p.reject(ctx, m, err.Error(), opts)
			}
		} else {
			p.prettifyAddresses(m, md, opts)
		}
	}

	now := time.Now()
	if m.ID == "" {
		m.CreatedAt = now
	} else {
		m.UpdatedAt = now
	}
	return m, nil
}

// primeMetadata resolves the identities behind explicit from/to ids so
// later steps do not repeat the lookups. Failures are tolerated here;
// the address derivation steps decide whether a missing identity is
// fatal.
func (p *Pipeline) primeMetadata(ctx context.Context, m *message.Message, md *Metadata) {
	if m.FromID != "" {
		if ident, err := p.dir.LookupID(ctx, m.FromID); err == nil {
			md.From = ident
		}
	}
	if m.ToID != "" {
		if ident, err := p.dir.LookupID(ctx, m.ToID); err == nil {
			md.To = ident
		}
	}
}

// deriveAddresses rewrites from, to and replyTo from the resolved
// identities. The submitted address strings are not trusted past
// identity resolution.
func (p *Pipeline) deriveAddresses(ctx context.Context, m *message.Message, md *Metadata, opts Options) error {
	from, err := p.fromAddress(ctx, m, md, opts)
	if err != nil {
		return p.reject(ctx, m, err.Error(), opts)
	}
	m.From = from
	if m.From == "" {
		return p.reject(ctx, m, ReasonMissingFromAddress, opts)
	}

	to, err := p.toAddress(ctx, m, md)
	if err != nil {
		return p.reject(ctx, m, err.Error(), opts)
	}
	m.To = to
	if m.To == "" {
		return p.reject(ctx, m, ReasonMissingToAddress, opts)
	}

	replyTo, err := p.replyTo(ctx, m, md, opts)
	if err != nil {
		return p.reject(ctx, m, err.Error(), opts)
	}
	m.ReplyTo = replyTo
	return nil
}

func (p *Pipeline) fromAddress(ctx context.Context, m *message.Message, md *Metadata, opts Options) (string, error) {
	if p.hooks.FromAddress != nil {
		return p.hooks.FromAddress(ctx, m, md)
	}
	return directory.SystemAddress(m.FromID, opts.Domain), nil
}

func (p *Pipeline) toAddress(ctx context.Context, m *message.Message, md *Metadata) (string, error) {
	if p.hooks.ToAddress != nil {
		return p.hooks.ToAddress(ctx, m, md)
	}
	if md.To == nil {
		ident, err := p.dir.LookupID(ctx, m.ToID)
		if err != nil {
			return "", nil
		}
		md.To = ident
	}
	return md.To.PrimaryAddress(), nil
}

func (p *Pipeline) replyTo(ctx context.Context, m *message.Message, md *Metadata, opts Options) (string, error) {
	if p.hooks.ReplyTo != nil {
		return p.hooks.ReplyTo(ctx, m, md)
	}
	return directory.SystemAddress(m.FromID, opts.Domain), nil
}

// deriveBodies fills in text and html bodies. The default html body
// renders the message's template; a missing template falls back to the
// escaped text body.
func (p *Pipeline) deriveBodies(ctx context.Context, m *message.Message, md *Metadata, opts Options) error {
	if m.Text == "" && p.hooks.Text != nil {
		text, err := p.hooks.Text(ctx, m, md)
		if err != nil {
			return p.reject(ctx, m, err.Error(), opts)
		}
		m.Text = text
	}
	if m.HTML == "" {
		var html string
		var err error
		if p.hooks.HTML != nil {
			html, err = p.hooks.HTML(ctx, m, md)
		} else {
			html, err = p.renderHTML(m, md)
		}
		if err != nil {
			return p.reject(ctx, m, err.Error(), opts)
		}
		m.HTML = html
	}
	return nil
}

// RenderData is the template context handed to the renderer.
type RenderData struct {
	*message.Message
	FromIdentity *directory.Identity
	ToIdentity   *directory.Identity
}

func (p *Pipeline) renderHTML(m *message.Message, md *Metadata) (string, error) {
	if m.Template == "" || p.renderer == nil {
		if m.Text != "" {
			return render.TextToHTML(m.Text), nil
		}
		return "", nil
	}
	layout := ""
	if m.LayoutTemplate != nil {
		layout = *m.LayoutTemplate
	}
	html, err := p.renderer.Render(m.Template, layout, RenderData{
		Message:      m,
		FromIdentity: md.From,
		ToIdentity:   md.To,
	})
	if errors.Is(err, render.ErrUnknownTemplate) {
		if m.Text != "" {
			return render.TextToHTML(m.Text), nil
		}
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("rendering template %s: %w", m.Template, err)
	}
	return html, nil
}

// prettifyAddresses decorates the bare from/to addresses with the
// identities' display names. When a default from address is configured
// and the message carries a reply-to, the from address is replaced
// outright so replies route through the reply-to.
func (p *Pipeline) prettifyAddresses(m *message.Message, md *Metadata, opts Options) {
	if opts.DefaultFromAddress != "" && m.ReplyTo != "" {
		m.From = opts.DefaultFromAddress
	} else if md.From != nil && md.From.Name != "" {
		m.From = PrettyAddress(m.From, md.From.Name)
	}
	if md.To != nil && md.To.Name != "" {
		m.To = PrettyAddress(m.To, md.To.Name)
	}
}

// ThreadID derives the conversation key for a participant pair. Both
// orderings of the same pair yield the same key.
func ThreadID(fromID, toID string) string {
	ids := []string{fromID, toID}
	sort.Strings(ids)
	return strings.Join(ids, "_")
}

// prettyNameChars keeps the characters that are safe inside a quoted
// display name.
var prettyNameChars = regexp.MustCompile("(?i)[^a-z0-9!#$%&'*+\\-/=?^_`{|}~ ]")

// PrettyAddress formats a display-name address, stripping characters
// that would break the quoted form.
func PrettyAddress(address, name string) string {
	clean := norm.NFC.String(name)
	clean = prettyNameChars.ReplaceAllString(clean, "")
	if clean == "" {
		return address
	}
	return fmt.Sprintf("%q <%s>", clean, address)
}
