// Package nfse handles locally emitted service invoices: creation and
// forwarding to the upstream emitter, cancellation, and the webhook feed that
// drives the invoice status projection.
package nfse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"nfseportal/internal/util"
	"nfseportal/pkg/domain"
	"nfseportal/pkg/store"
)

var (
	// ErrInvoiceNotFound covers both unknown ids and other users' invoices.
	ErrInvoiceNotFound = errors.New("invoice not found")
	// ErrAlreadyCancelled is returned on repeat cancellation.
	ErrAlreadyCancelled = errors.New("invoice already cancelled")
	// ErrUnknownInvoice means a webhook referenced no stored invoice.
	ErrUnknownInvoice = errors.New("webhook references unknown invoice")
	// ErrInvalidNotification marks a webhook body the sender must correct.
	ErrInvalidNotification = errors.New("invalid webhook notification")
)

// Event sources recorded on the invoice log. Notifications without a source
// come from the upstream backend.
const (
	SourceLocal    = "local"
	SourceUpstream = "django"
)

// Emitter forwards invoices to the upstream issuing system. Satisfied by the
// portal client.
type Emitter interface {
	EmitInvoice(ctx context.Context, localInvoiceID string, payload map[string]any) (string, error)
}

// WebhookNotification is the body posted by the upstream emitter when an
// invoice changes state.
type WebhookNotification struct {
	InvoiceID         string         `json:"invoice_id"`
	ExternalID        string         `json:"external_id"`
	Source            string         `json:"source"`
	EventType         string         `json:"event_type"`
	Status            string         `json:"status"`
	NumeroNFSe        string         `json:"numero_nfse"`
	CodigoVerificacao string         `json:"codigo_verificacao"`
	XMLRetornoURL     string         `json:"xml_retorno_url"`
	OccurredAt        *time.Time     `json:"occurred_at"`
	Payload           map[string]any `json:"payload"`
}

// Service implements the invoice lifecycle on top of the store and emitter.
type Service struct {
	store store.Store
}

func NewService(st store.Store) *Service {
	return &Service{store: st}
}

// CreateInvoice validates and persists the invoice as pendente, then forwards
// it to the emitter. A successful handoff moves it to processando with the
// external id recorded; a failed handoff moves it to erro. Every transition
// lands on the event log.
func (s *Service) CreateInvoice(ctx context.Context, emitter Emitter, userID string, inv domain.Invoice) (domain.Invoice, error) {
	if err := validateInvoice(inv); err != nil {
		return domain.Invoice{}, err
	}
	now := time.Now().UTC()
	inv.ID = util.NewID()
	inv.UserID = userID
	inv.Status = domain.InvoicePendente
	inv.ExternalID = ""
	inv.NumeroNFSe = ""
	inv.CodigoVerificacao = ""
	inv.XMLRetornoURL = ""
	inv.CreatedAt = now
	inv.UpdatedAt = now
	inv.StatusChangedAt = now

	if err := s.store.SaveInvoice(inv); err != nil {
		return domain.Invoice{}, fmt.Errorf("save invoice: %w", err)
	}
	s.appendEvent(inv.ID, SourceLocal, "created", map[string]any{"status": inv.Status}, nil)

	externalID, err := emitter.EmitInvoice(ctx, inv.ID, emitPayload(inv))
	if err != nil {
		inv.Status = domain.InvoiceErro
		s.appendEvent(inv.ID, SourceLocal, "emission_failed", map[string]any{"error": err.Error()},
			&store.StatusUpdate{Status: domain.InvoiceErro})
		if reloaded, ok, loadErr := s.store.GetInvoice(inv.ID); loadErr == nil && ok {
			inv = reloaded
		}
		return inv, fmt.Errorf("emit invoice: %w", err)
	}

	inv.ExternalID = externalID
	inv.Status = domain.InvoiceProcessando
	inv.UpdatedAt = time.Now().UTC()
	inv.StatusChangedAt = inv.UpdatedAt
	if err := s.store.SaveInvoice(inv); err != nil {
		return domain.Invoice{}, fmt.Errorf("record emission: %w", err)
	}
	s.appendEvent(inv.ID, SourceLocal, "emitted", map[string]any{
		"status":      inv.Status,
		"external_id": externalID,
	}, nil)
	return inv, nil
}

// GetInvoice loads one invoice, enforcing ownership.
func (s *Service) GetInvoice(userID, id string) (domain.Invoice, error) {
	inv, ok, err := s.store.GetInvoice(id)
	if err != nil {
		return domain.Invoice{}, err
	}
	if !ok || inv.UserID != userID {
		return domain.Invoice{}, ErrInvoiceNotFound
	}
	return inv, nil
}

// ListInvoices returns the user's invoices, newest first.
func (s *Service) ListInvoices(userID string) ([]domain.Invoice, error) {
	return s.store.ListInvoicesByUser(userID)
}

// ListEvents returns the invoice's event log, newest first.
func (s *Service) ListEvents(userID, invoiceID string) ([]domain.InvoiceEvent, error) {
	if _, err := s.GetInvoice(userID, invoiceID); err != nil {
		return nil, err
	}
	return s.store.ListInvoiceEvents(invoiceID)
}

// CancelInvoice moves the invoice to cancelada. Cancellation is local-first:
// the upstream emitter learns about it through its own channels, and a later
// webhook confirming the cancellation is a no-op status-wise.
func (s *Service) CancelInvoice(userID, id string) (domain.Invoice, error) {
	inv, err := s.GetInvoice(userID, id)
	if err != nil {
		return domain.Invoice{}, err
	}
	if inv.Status == domain.InvoiceCancelada {
		return inv, ErrAlreadyCancelled
	}
	event := domain.InvoiceEvent{
		ID:         util.NewID(),
		InvoiceID:  inv.ID,
		Source:     SourceLocal,
		EventType:  "cancelled",
		Payload:    map[string]any{"previous_status": inv.Status},
		OccurredAt: time.Now().UTC(),
		CreatedAt:  time.Now().UTC(),
	}
	err = s.store.RecordInvoiceEvent(event, &store.StatusUpdate{Status: domain.InvoiceCancelada})
	if err != nil && !errors.Is(err, store.ErrStaleEvent) {
		return domain.Invoice{}, err
	}
	return s.GetInvoice(userID, id)
}

// ApplyWebhook validates the notification, appends it to the event log, and
// applies the status projection transactionally. A stale occurred-at keeps
// the event but leaves the status untouched; that is reported as success to
// the sender so it does not retry.
func (s *Service) ApplyWebhook(n WebhookNotification) error {
	if n.EventType == "" {
		return fmt.Errorf("%w: event_type required", ErrInvalidNotification)
	}
	if n.InvoiceID == "" && n.ExternalID == "" {
		return fmt.Errorf("%w: invoice_id or external_id required", ErrInvalidNotification)
	}

	inv, err := s.resolveInvoice(n)
	if err != nil {
		return err
	}
	// The status field is free-form and authoritative; values outside the
	// usual lifecycle are applied as sent, they just get flagged in the log.
	switch n.Status {
	case "", domain.InvoicePendente, domain.InvoiceProcessando, domain.InvoiceAutorizada,
		domain.InvoiceRejeitada, domain.InvoiceErro, domain.InvoiceCancelada:
	default:
		slog.Warn("webhook status outside the usual lifecycle",
			"invoice_id", inv.ID, "status", n.Status)
	}
	source := n.Source
	if source == "" {
		source = SourceUpstream
	}

	occurredAt := time.Now().UTC()
	if n.OccurredAt != nil {
		occurredAt = n.OccurredAt.UTC()
	}
	event := domain.InvoiceEvent{
		ID:         util.NewID(),
		InvoiceID:  inv.ID,
		Source:     source,
		EventType:  n.EventType,
		Payload:    n.Payload,
		OccurredAt: occurredAt,
		CreatedAt:  time.Now().UTC(),
	}

	var update *store.StatusUpdate
	if n.Status != "" {
		// Document fields ride either at the top level or inside payload.
		update = &store.StatusUpdate{
			Status:            n.Status,
			NumeroNFSe:        firstValue(n.NumeroNFSe, payloadString(n.Payload, "numero_nfse")),
			CodigoVerificacao: firstValue(n.CodigoVerificacao, payloadString(n.Payload, "codigo_verificacao")),
			XMLRetornoURL:     firstValue(n.XMLRetornoURL, payloadString(n.Payload, "xml_retorno_url")),
		}
		if n.OccurredAt != nil {
			update.OccurredAt = occurredAt
		}
	}

	err = s.store.RecordInvoiceEvent(event, update)
	if errors.Is(err, store.ErrStaleEvent) {
		slog.Info("webhook out of order, event logged without status change",
			"invoice_id", inv.ID, "event_type", n.EventType, "status", n.Status)
		return nil
	}
	return err
}

func payloadString(payload map[string]any, key string) string {
	v, _ := payload[key].(string)
	return strings.TrimSpace(v)
}

func firstValue(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func (s *Service) resolveInvoice(n WebhookNotification) (domain.Invoice, error) {
	if n.InvoiceID != "" {
		inv, ok, err := s.store.GetInvoice(n.InvoiceID)
		if err != nil {
			return domain.Invoice{}, err
		}
		if ok {
			return inv, nil
		}
	}
	if n.ExternalID != "" {
		inv, ok, err := s.store.GetInvoiceByExternalID(n.ExternalID)
		if err != nil {
			return domain.Invoice{}, err
		}
		if ok {
			return inv, nil
		}
	}
	return domain.Invoice{}, ErrUnknownInvoice
}

// appendEvent writes a log entry, optionally with a status projection. Log
// failures are reported but never abort the calling flow once the invoice
// write has already succeeded.
func (s *Service) appendEvent(invoiceID, source, eventType string, payload map[string]any, update *store.StatusUpdate) {
	event := domain.InvoiceEvent{
		ID:         util.NewID(),
		InvoiceID:  invoiceID,
		Source:     source,
		EventType:  eventType,
		Payload:    payload,
		OccurredAt: time.Now().UTC(),
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.RecordInvoiceEvent(event, update); err != nil && !errors.Is(err, store.ErrStaleEvent) {
		slog.Error("append invoice event failed", "invoice_id", invoiceID, "event_type", eventType, "err", err)
	}
}

func validateInvoice(inv domain.Invoice) error {
	var missing []string
	require := func(value, name string) {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, name)
		}
	}
	require(inv.PrestadorCNPJ, "prestador_cnpj")
	require(inv.PrestadorRazaoSocial, "prestador_razao_social")
	require(inv.TomadorCPFCNPJ, "tomador_cpf_cnpj")
	require(inv.TomadorRazaoSocial, "tomador_razao_social")
	require(inv.CodigoServico, "codigo_servico")
	require(inv.Discriminacao, "discriminacao")
	if len(missing) > 0 {
		return fmt.Errorf("missing required fields: %s", strings.Join(missing, ", "))
	}
	if inv.ValorServicos.LessThanOrEqual(decimal.Zero) {
		return errors.New("valor_servicos must be positive")
	}
	if inv.ValorDeducoes.IsNegative() || inv.AliquotaISS.IsNegative() || inv.ValorISS.IsNegative() {
		return errors.New("monetary fields must not be negative")
	}
	return nil
}

// emitPayload is the body sent to the upstream emitter, matching its field
// naming.
func emitPayload(inv domain.Invoice) map[string]any {
	return map[string]any{
		"prestador": map[string]any{
			"cnpj":                inv.PrestadorCNPJ,
			"razao_social":        inv.PrestadorRazaoSocial,
			"inscricao_municipal": inv.PrestadorInscricaoMunicipal,
			"email":               inv.PrestadorEmail,
			"endereco":            inv.PrestadorEndereco,
			"municipio":           inv.PrestadorMunicipio,
			"uf":                  inv.PrestadorUF,
			"cep":                 inv.PrestadorCEP,
		},
		"tomador": map[string]any{
			"cpf_cnpj":     inv.TomadorCPFCNPJ,
			"razao_social": inv.TomadorRazaoSocial,
			"email":        inv.TomadorEmail,
			"endereco":     inv.TomadorEndereco,
			"municipio":    inv.TomadorMunicipio,
			"uf":           inv.TomadorUF,
			"cep":          inv.TomadorCEP,
		},
		"servico": map[string]any{
			"codigo_servico":   inv.CodigoServico,
			"discriminacao":    inv.Discriminacao,
			"valor_servicos":   inv.ValorServicos.StringFixed(2),
			"valor_deducoes":   inv.ValorDeducoes.StringFixed(2),
			"aliquota_iss":     inv.AliquotaISS.String(),
			"valor_iss":        inv.ValorISS.StringFixed(2),
			"iss_retido":       inv.ISSRetido,
			"codigo_municipio": inv.CodigoMunicipio,
		},
	}
}
