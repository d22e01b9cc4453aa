package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type FileStatus string

const (
	FileUploading  FileStatus = "uploading"
	FileProcessing FileStatus = "processing"
	FileCompleted  FileStatus = "completed"
	FileError      FileStatus = "error"
)

type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Invoice lifecycle statuses. The status column stays free-form text because
// the upstream emitter reports municipality-specific values; these are the
// ones the portal itself writes.
const (
	InvoicePendente    = "pendente"
	InvoiceProcessando = "processando"
	InvoiceAutorizada  = "autorizada"
	InvoiceRejeitada   = "rejeitada"
	InvoiceErro        = "erro"
	InvoiceCancelada   = "cancelada"
)

// User identifies the signed-in portal user as returned by the upstream
// login endpoint.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// UploadedFile tracks one file of a processing batch. Status is mutated only
// by the processing orchestrator, never by the caller.
type UploadedFile struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	Size     int64      `json:"size"`
	MimeType string     `json:"type"`
	Status   FileStatus `json:"status"`
	Progress int        `json:"progress,omitempty"`
}

// XmlResult references a generated extraction artifact. Created only when a
// task completes successfully; immutable afterwards.
type XmlResult struct {
	ID          string    `json:"id"`
	FileName    string    `json:"fileName"`
	DownloadURL string    `json:"downloadUrl"`
	CreatedAt   time.Time `json:"createdAt"`
}

type Message struct {
	ID         string         `json:"id"`
	Role       MessageRole    `json:"role"`
	Content    string         `json:"content"`
	Timestamp  time.Time      `json:"timestamp"`
	Files      []UploadedFile `json:"files,omitempty"`
	XmlResults []XmlResult    `json:"xmlResults,omitempty"`
}

type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"-"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Invoice is a locally emitted NFS-e. The status field is authoritative and
// is written by the webhook handler; clients only set it on local create and
// local cancellation.
type Invoice struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`

	PrestadorCNPJ               string `json:"prestador_cnpj"`
	PrestadorRazaoSocial        string `json:"prestador_razao_social"`
	PrestadorInscricaoMunicipal string `json:"prestador_inscricao_municipal,omitempty"`
	PrestadorEmail              string `json:"prestador_email,omitempty"`
	PrestadorEndereco           string `json:"prestador_endereco,omitempty"`
	PrestadorMunicipio          string `json:"prestador_municipio,omitempty"`
	PrestadorUF                 string `json:"prestador_uf,omitempty"`
	PrestadorCEP                string `json:"prestador_cep,omitempty"`

	TomadorCPFCNPJ     string `json:"tomador_cpf_cnpj"`
	TomadorRazaoSocial string `json:"tomador_razao_social"`
	TomadorEmail       string `json:"tomador_email,omitempty"`
	TomadorEndereco    string `json:"tomador_endereco,omitempty"`
	TomadorMunicipio   string `json:"tomador_municipio,omitempty"`
	TomadorUF          string `json:"tomador_uf,omitempty"`
	TomadorCEP         string `json:"tomador_cep,omitempty"`

	CodigoServico   string          `json:"codigo_servico"`
	Discriminacao   string          `json:"discriminacao"`
	ValorServicos   decimal.Decimal `json:"valor_servicos"`
	ValorDeducoes   decimal.Decimal `json:"valor_deducoes"`
	AliquotaISS     decimal.Decimal `json:"aliquota_iss"`
	ValorISS        decimal.Decimal `json:"valor_iss"`
	ISSRetido       bool            `json:"iss_retido"`
	CodigoMunicipio string          `json:"codigo_municipio,omitempty"`

	Status            string `json:"status"`
	ExternalID        string `json:"external_id,omitempty"`
	NumeroNFSe        string `json:"numero_nfse,omitempty"`
	CodigoVerificacao string `json:"codigo_verificacao,omitempty"`
	XMLEnvioURL       string `json:"xml_envio_url,omitempty"`
	XMLRetornoURL     string `json:"xml_retorno_url,omitempty"`

	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	StatusChangedAt time.Time `json:"status_changed_at"`
}

// InvoiceEvent is one append-only lifecycle record for an invoice.
type InvoiceEvent struct {
	ID         string         `json:"id"`
	InvoiceID  string         `json:"invoice_id"`
	Source     string         `json:"source"`
	EventType  string         `json:"event_type"`
	Payload    map[string]any `json:"payload"`
	OccurredAt time.Time      `json:"occurred_at"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Company mirrors the upstream company record; the portal lists and creates
// companies but the upstream system remains the system of record.
type Company struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CNPJ      string    `json:"cnpj"`
	Status    string    `json:"status"`
	Demo      bool      `json:"is_demo"`
	CreatedAt time.Time `json:"created_at"`
}

type TicketPriority string

const (
	PriorityLow    TicketPriority = "low"
	PriorityMedium TicketPriority = "medium"
	PriorityHigh   TicketPriority = "high"
)

type SupportTicket struct {
	ID          string         `json:"id"`
	UserID      string         `json:"-"`
	Subject     string         `json:"subject"`
	Description string         `json:"description"`
	Priority    TicketPriority `json:"priority"`
	Status      string         `json:"status"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// DashboardStats aggregates per-user usage counters.
type DashboardStats struct {
	TotalConversations int64 `json:"totalConversations"`
	FilesProcessed     int64 `json:"filesProcessed"`
	XMLGenerated       int64 `json:"xmlGenerated"`
}
