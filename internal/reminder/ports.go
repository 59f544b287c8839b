package reminder

import (
	"context"
	"time"
)

// CaseSource reads the mirrored case records.
type CaseSource interface {
	GetCase(ctx context.Context, domain, caseID string) (*Case, error)
	// OpenCases lists non-closed cases; an empty caseType matches every type.
	OpenCases(ctx context.Context, domain, caseType string) ([]*Case, error)
	// CasesOwnedBy lists the non-closed cases of userID across every domain.
	CasesOwnedBy(ctx context.Context, userID string) ([]*Case, error)
	PutCase(ctx context.Context, c *Case) error
}

// UserDirectory resolves case owners. A missing user yields ErrNotFound.
type UserDirectory interface {
	GetUser(ctx context.Context, userID string) (*User, error)
}

// OutboundMessage is one rendered reminder ready for transport.
type OutboundMessage struct {
	Domain      string
	UserID      string
	PhoneNumber string
	Text        string
	InstanceID  string
	// ExpectAck asks the transport to offer an acknowledgement control.
	ExpectAck bool
}

// MessagingGateway delivers sms and callback reminders. A nil error means delivered.
type MessagingGateway interface {
	Send(ctx context.Context, msg OutboundMessage) error
}

// EmailSender delivers email reminders.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// AckRecorder stores and queries callback acknowledgements.
type AckRecorder interface {
	RecordAck(ctx context.Context, ack Ack) error
	// AckedBetween reports an ack by userID with since < at <= until.
	AckedBetween(ctx context.Context, userID string, since, until time.Time) (bool, error)
}

// DefinitionFilter narrows ListDefinitions. Empty fields match everything.
type DefinitionFilter struct {
	Domain         string
	CaseType       string
	IncludeRetired bool
}

// DueQuery selects one page of due instances.
type DueQuery struct {
	// Domain scopes the query; empty matches all domains.
	Domain string
	Before time.Time
	// After resumes past the last instance of the previous page. The zero
	// value starts from the oldest due instance.
	After DueCursor
	// Limit <= 0 means no limit.
	Limit int
}

// DueCursor is a position in the (NextFire, ID) ordering of due instances.
type DueCursor struct {
	NextFire time.Time
	ID       string
}

// IsZero reports whether c is the start of the ordering.
func (c DueCursor) IsZero() bool { return c.ID == "" && c.NextFire.IsZero() }

// Covers reports whether inst sorts at or before the cursor.
func (c DueCursor) Covers(inst *Instance) bool {
	if c.IsZero() {
		return false
	}
	if !inst.NextFire.Equal(c.NextFire) {
		return inst.NextFire.Before(c.NextFire)
	}
	return inst.ID <= c.ID
}

// Store persists definitions, instances and the delivery audit.
type Store interface {
	PutDefinition(ctx context.Context, def *Definition) error
	GetDefinition(ctx context.Context, id string) (*Definition, error)
	ListDefinitions(ctx context.Context, f DefinitionFilter) ([]*Definition, error)

	// CreateInstance fails with ErrExists when a non-retired instance
	// already exists for the same (definition, case).
	CreateInstance(ctx context.Context, inst *Instance) error
	// UpdateInstance writes inst if its Version still matches the stored
	// row, then increments inst.Version. A stale version yields ErrConflict.
	UpdateInstance(ctx context.Context, inst *Instance) error
	GetInstance(ctx context.Context, id string) (*Instance, error)
	// FindInstance returns the non-retired instance for (definition, case).
	FindInstance(ctx context.Context, domain, definitionID, caseID string) (*Instance, error)
	// DueInstances lists active, non-retired instances with NextFire <= q.Before
	// that sort after q.After, ordered by (NextFire, ID).
	DueInstances(ctx context.Context, q DueQuery) ([]*Instance, error)
	// InstancesByDefinition lists the non-retired instances of a definition.
	InstancesByDefinition(ctx context.Context, definitionID string) ([]*Instance, error)

	AppendDelivery(ctx context.Context, d Delivery) error
}
