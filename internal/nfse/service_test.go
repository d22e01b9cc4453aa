package nfse

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"

	"nfseportal/pkg/domain"
	"nfseportal/pkg/store"
)

func newTestService(t *testing.T) (*Service, store.Store) {
	t.Helper()
	st, err := store.NewGormStoreWithDialector(sqlite.Open(filepath.Join(t.TempDir(), "nfse.db")))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return NewService(st), st
}

type fakeEmitter struct {
	externalID string
	err        error
	calls      int
	payload    map[string]any
}

func (f *fakeEmitter) EmitInvoice(_ context.Context, _ string, payload map[string]any) (string, error) {
	f.calls++
	f.payload = payload
	if f.err != nil {
		return "", f.err
	}
	return f.externalID, nil
}

func draftInvoice() domain.Invoice {
	return domain.Invoice{
		PrestadorCNPJ:        "11222333000181",
		PrestadorRazaoSocial: "ACME Serviços LTDA",
		TomadorCPFCNPJ:       "12345678909",
		TomadorRazaoSocial:   "Cliente Exemplo",
		CodigoServico:        "0107",
		Discriminacao:        "Desenvolvimento de software",
		ValorServicos:        decimal.NewFromFloat(1500.50),
		AliquotaISS:          decimal.NewFromFloat(0.02),
		ValorISS:             decimal.NewFromFloat(30.01),
	}
}

func eventTypes(events []domain.InvoiceEvent) []string {
	types := make([]string, len(events))
	for i, ev := range events {
		types[i] = ev.EventType
	}
	return types
}

func TestCreateInvoiceEmits(t *testing.T) {
	svc, _ := newTestService(t)
	emitter := &fakeEmitter{externalID: "ext-42"}

	inv, err := svc.CreateInvoice(context.Background(), emitter, "user-1", draftInvoice())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if inv.Status != domain.InvoiceProcessando {
		t.Fatalf("status = %q, want processando", inv.Status)
	}
	if inv.ExternalID != "ext-42" {
		t.Fatalf("external id = %q", inv.ExternalID)
	}
	if emitter.calls != 1 {
		t.Fatalf("emitter calls = %d", emitter.calls)
	}
	servico, ok := emitter.payload["servico"].(map[string]any)
	if !ok || servico["valor_servicos"] != "1500.50" {
		t.Fatalf("emit payload servico = %+v", emitter.payload["servico"])
	}

	events, err := svc.ListEvents("user-1", inv.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	got := eventTypes(events)
	// Newest first.
	if len(got) != 2 || got[0] != "emitted" || got[1] != "created" {
		t.Fatalf("event types = %v", got)
	}
}

func TestCreateInvoiceEmissionFailure(t *testing.T) {
	svc, _ := newTestService(t)
	emitter := &fakeEmitter{err: errors.New("emissor indisponível")}

	inv, err := svc.CreateInvoice(context.Background(), emitter, "user-1", draftInvoice())
	if err == nil {
		t.Fatalf("expected emission error")
	}
	if inv.ID == "" {
		t.Fatalf("failed emission must still return the stored invoice")
	}
	if inv.Status != domain.InvoiceErro {
		t.Fatalf("status = %q, want erro", inv.Status)
	}
	events, _ := svc.ListEvents("user-1", inv.ID)
	got := eventTypes(events)
	if len(got) != 2 || got[0] != "emission_failed" || got[1] != "created" {
		t.Fatalf("event types = %v", got)
	}
}

func TestCreateInvoiceValidation(t *testing.T) {
	svc, _ := newTestService(t)
	emitter := &fakeEmitter{externalID: "ext-1"}

	missing := draftInvoice()
	missing.TomadorRazaoSocial = ""
	if _, err := svc.CreateInvoice(context.Background(), emitter, "user-1", missing); err == nil ||
		!strings.Contains(err.Error(), "tomador_razao_social") {
		t.Fatalf("missing field error = %v", err)
	}

	zero := draftInvoice()
	zero.ValorServicos = decimal.Zero
	if _, err := svc.CreateInvoice(context.Background(), emitter, "user-1", zero); err == nil ||
		!strings.Contains(err.Error(), "valor_servicos") {
		t.Fatalf("zero value error = %v", err)
	}

	negative := draftInvoice()
	negative.ValorDeducoes = decimal.NewFromInt(-1)
	if _, err := svc.CreateInvoice(context.Background(), emitter, "user-1", negative); err == nil {
		t.Fatalf("negative deduction must be rejected")
	}

	if emitter.calls != 0 {
		t.Fatalf("invalid invoices must not reach the emitter")
	}
}

func TestInvoiceOwnership(t *testing.T) {
	svc, _ := newTestService(t)
	inv, err := svc.CreateInvoice(context.Background(), &fakeEmitter{externalID: "ext-1"}, "user-1", draftInvoice())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.GetInvoice("user-2", inv.ID); !errors.Is(err, ErrInvoiceNotFound) {
		t.Fatalf("cross-user get = %v", err)
	}
	if _, err := svc.ListEvents("user-2", inv.ID); !errors.Is(err, ErrInvoiceNotFound) {
		t.Fatalf("cross-user events = %v", err)
	}
	if _, err := svc.CancelInvoice("user-2", inv.ID); !errors.Is(err, ErrInvoiceNotFound) {
		t.Fatalf("cross-user cancel = %v", err)
	}
}

func TestCancelInvoice(t *testing.T) {
	svc, _ := newTestService(t)
	inv, err := svc.CreateInvoice(context.Background(), &fakeEmitter{externalID: "ext-1"}, "user-1", draftInvoice())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	cancelled, err := svc.CancelInvoice("user-1", inv.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != domain.InvoiceCancelada {
		t.Fatalf("status = %q, want cancelada", cancelled.Status)
	}

	if _, err := svc.CancelInvoice("user-1", inv.ID); !errors.Is(err, ErrAlreadyCancelled) {
		t.Fatalf("repeat cancel = %v, want ErrAlreadyCancelled", err)
	}
}

func TestApplyWebhookProjectsStatus(t *testing.T) {
	svc, _ := newTestService(t)
	inv, err := svc.CreateInvoice(context.Background(), &fakeEmitter{externalID: "ext-7"}, "user-1", draftInvoice())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	occurred := time.Now().UTC().Add(time.Minute)
	err = svc.ApplyWebhook(WebhookNotification{
		ExternalID:        "ext-7",
		EventType:         "authorized",
		Status:            domain.InvoiceAutorizada,
		NumeroNFSe:        "2026000123",
		CodigoVerificacao: "ABCD1234",
		XMLRetornoURL:     "https://emissor.example/retorno.xml",
		OccurredAt:        &occurred,
	})
	if err != nil {
		t.Fatalf("webhook: %v", err)
	}

	got, err := svc.GetInvoice("user-1", inv.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.InvoiceAutorizada || got.NumeroNFSe != "2026000123" || got.CodigoVerificacao != "ABCD1234" {
		t.Fatalf("projection = %+v", got)
	}

	events, _ := svc.ListEvents("user-1", inv.ID)
	if len(events) == 0 || events[0].Source != "django" {
		t.Fatalf("sourceless notification should be recorded as django, got %+v", events)
	}
}

func TestApplyWebhookProjectsPayloadFields(t *testing.T) {
	svc, _ := newTestService(t)
	inv, err := svc.CreateInvoice(context.Background(), &fakeEmitter{externalID: "ext-8"}, "user-1", draftInvoice())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Senders may nest the document fields inside payload instead of the
	// top level; both spellings must reach the invoice row.
	err = svc.ApplyWebhook(WebhookNotification{
		ExternalID: "ext-8",
		EventType:  "authorized",
		Status:     domain.InvoiceAutorizada,
		Payload: map[string]any{
			"numero_nfse":        "2026000999",
			"codigo_verificacao": "ZZZZ9999",
			"xml_retorno_url":    "https://emissor.example/nested.xml",
		},
	})
	if err != nil {
		t.Fatalf("webhook: %v", err)
	}

	got, _ := svc.GetInvoice("user-1", inv.ID)
	if got.NumeroNFSe != "2026000999" || got.CodigoVerificacao != "ZZZZ9999" ||
		got.XMLRetornoURL != "https://emissor.example/nested.xml" {
		t.Fatalf("payload fields not projected: %+v", got)
	}
}

func TestApplyWebhookAppliesFreeFormStatus(t *testing.T) {
	svc, _ := newTestService(t)
	inv, err := svc.CreateInvoice(context.Background(), &fakeEmitter{externalID: "ext-9"}, "user-1", draftInvoice())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// The status field is authoritative even for values outside the usual
	// lifecycle; the event must land on the log either way.
	if err := svc.ApplyWebhook(WebhookNotification{
		InvoiceID: inv.ID,
		EventType: "approved",
		Status:    "aprovada",
	}); err != nil {
		t.Fatalf("free-form status: %v", err)
	}

	got, _ := svc.GetInvoice("user-1", inv.ID)
	if got.Status != "aprovada" {
		t.Fatalf("status = %q, want aprovada", got.Status)
	}
	events, _ := svc.ListEvents("user-1", inv.ID)
	if got := eventTypes(events); len(got) == 0 || got[0] != "approved" {
		t.Fatalf("event types = %v", got)
	}
}

func TestApplyWebhookStaleEventIsAccepted(t *testing.T) {
	svc, _ := newTestService(t)
	inv, err := svc.CreateInvoice(context.Background(), &fakeEmitter{externalID: "ext-7"}, "user-1", draftInvoice())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	now := time.Now().UTC()
	if err := svc.ApplyWebhook(WebhookNotification{
		InvoiceID: inv.ID,
		EventType: "authorized",
		Status:    domain.InvoiceAutorizada,
		OccurredAt: func() *time.Time {
			t := now.Add(time.Minute)
			return &t
		}(),
	}); err != nil {
		t.Fatalf("first webhook: %v", err)
	}

	// A late-arriving older event is logged but does not regress the status,
	// and the sender sees success.
	stale := now.Add(-time.Hour)
	if err := svc.ApplyWebhook(WebhookNotification{
		InvoiceID:  inv.ID,
		EventType:  "processing",
		Status:     domain.InvoiceProcessando,
		OccurredAt: &stale,
	}); err != nil {
		t.Fatalf("stale webhook should be accepted: %v", err)
	}

	got, _ := svc.GetInvoice("user-1", inv.ID)
	if got.Status != domain.InvoiceAutorizada {
		t.Fatalf("status regressed to %q", got.Status)
	}
	events, _ := svc.ListEvents("user-1", inv.ID)
	var sawStale bool
	for _, ev := range events {
		if ev.EventType == "processing" {
			sawStale = true
		}
	}
	if !sawStale {
		t.Fatalf("stale event missing from the log")
	}
}

func TestApplyWebhookValidation(t *testing.T) {
	svc, _ := newTestService(t)

	if err := svc.ApplyWebhook(WebhookNotification{Status: domain.InvoiceAutorizada}); !errors.Is(err, ErrInvalidNotification) {
		t.Fatalf("missing event_type = %v, want ErrInvalidNotification", err)
	}
	if err := svc.ApplyWebhook(WebhookNotification{EventType: "authorized"}); !errors.Is(err, ErrInvalidNotification) ||
		errors.Is(err, ErrUnknownInvoice) {
		t.Fatalf("missing invoice reference must be a validation error, got %v", err)
	}
	err := svc.ApplyWebhook(WebhookNotification{InvoiceID: "ghost", EventType: "authorized", Status: domain.InvoiceAutorizada})
	if !errors.Is(err, ErrUnknownInvoice) {
		t.Fatalf("unknown invoice = %v, want ErrUnknownInvoice", err)
	}
}

func TestApplyWebhookEventWithoutStatus(t *testing.T) {
	svc, _ := newTestService(t)
	inv, err := svc.CreateInvoice(context.Background(), &fakeEmitter{externalID: "ext-7"}, "user-1", draftInvoice())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.ApplyWebhook(WebhookNotification{
		InvoiceID: inv.ID,
		EventType: "queued",
		Payload:   map[string]any{"position": float64(4)},
	}); err != nil {
		t.Fatalf("webhook: %v", err)
	}
	got, _ := svc.GetInvoice("user-1", inv.ID)
	if got.Status != domain.InvoiceProcessando {
		t.Fatalf("status changed without a status in the notification: %q", got.Status)
	}
}
