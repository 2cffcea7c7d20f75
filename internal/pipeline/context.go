package pipeline

import (
	"aaronromeo.com/mailclerk/internal/config"
	"aaronromeo.com/mailclerk/internal/mailmsg"
	"aaronromeo.com/mailclerk/internal/replica"
	"aaronromeo.com/mailclerk/pkg/base"
)

// Context is the shared per-message state the steps inspect and
// mutate. It is built fresh for every message and discarded once the
// final directive is known.
type Context struct {
	Source  base.MessageSource
	Mailbox *config.Mailbox
	// MailboxID keys replica records and reference links.
	MailboxID int64
	// Index is the message's original position in the source listing;
	// delete and move must address this, never the sorted position.
	Index   int
	Message *mailmsg.Message
	Record  *replica.Record

	// Ticket is the resolved downstream record, nil until a step
	// resolves or creates one.
	Ticket *base.Ticket
	// ReferenceClaimed is set once a header or title pattern suggested
	// the message belongs to an existing thread. A claimed but
	// unresolvable reference is itself a violation.
	ReferenceClaimed bool
	// Caller is the contact resolved for the sender address.
	Caller *base.Contact
	// ExtraContacts are additional contacts resolved from Cc.
	ExtraContacts []base.Contact
	// Title is the ticket title, the subject after pattern stripping.
	Title string

	// Executed lists the names of steps run so far, for diagnostics.
	Executed []string
	// Errors accumulates non-fatal step errors.
	Errors []error

	directive    Directive
	directiveSet bool
}

// SetNextAction records the directive. Later steps overwrite earlier
// ones (last-write-wins); terminal directives are handled by the
// runner.
func (c *Context) SetNextAction(d Directive) {
	c.directive = d
	c.directiveSet = true
}

// Directive returns the current directive, NoAction when no step set
// one.
func (c *Context) Directive() Directive {
	return c.directive
}

// DirectiveSet reports whether any step set a directive explicitly.
// The final-action step only applies the mailbox's after-processing
// setting when nothing else decided.
func (c *Context) DirectiveSet() bool {
	return c.directiveSet
}

// AddError records a non-fatal step error.
func (c *Context) AddError(err error) {
	if err != nil {
		c.Errors = append(c.Errors, err)
	}
}
