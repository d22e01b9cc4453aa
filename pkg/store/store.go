package store

import (
	"errors"
	"time"

	"nfseportal/pkg/domain"
)

// ErrStaleEvent is reported by RecordInvoiceEvent when the event row was
// appended but the status projection was skipped because the notification
// carried an occurred-at older than the invoice's last status change.
var ErrStaleEvent = errors.New("stale event: status projection skipped")

// StatusUpdate is the invoice projection applied together with an event
// insert. Only non-empty optional fields are written.
type StatusUpdate struct {
	Status            string
	NumeroNFSe        string
	CodigoVerificacao string
	XMLRetornoURL     string
	// OccurredAt guards against out-of-order webhook delivery; zero means
	// "now" and always applies.
	OccurredAt time.Time
}

// Store defines persistence for conversations, invoices, events, and tickets.
type Store interface {
	// conversations
	SaveConversation(domain.Conversation) error
	GetConversation(id string) (domain.Conversation, bool, error)
	ListConversations(userID string) ([]domain.Conversation, error)
	DeleteConversation(id string) error
	CurrentConversationID(userID string) (string, error)
	SetCurrentConversationID(userID, conversationID string) error

	// invoices & events
	SaveInvoice(domain.Invoice) error
	GetInvoice(id string) (domain.Invoice, bool, error)
	GetInvoiceByExternalID(externalID string) (domain.Invoice, bool, error)
	ListInvoicesByUser(userID string) ([]domain.Invoice, error)
	// RecordInvoiceEvent appends the event and, when update is non-nil,
	// applies the status projection in the same transaction. The event
	// insert is the precondition: a failed insert aborts before any status
	// write.
	RecordInvoiceEvent(event domain.InvoiceEvent, update *StatusUpdate) error
	ListInvoiceEvents(invoiceID string) ([]domain.InvoiceEvent, error)

	// tickets
	SaveTicket(domain.SupportTicket) error
	ListTickets(userID string) ([]domain.SupportTicket, error)

	// usage counters
	AddUsage(userID string, filesProcessed, xmlGenerated int64) error
	Stats(userID string) (domain.DashboardStats, error)
}
