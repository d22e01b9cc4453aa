package store

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// GORM models used for persistence.

// ConversationModel persists a conversation with its messages serialized as
// JSON, mirroring how the browser client kept them in durable storage.
type ConversationModel struct {
	ID        string `gorm:"primaryKey"`
	UserID    string `gorm:"not null;index"`
	Title     string `gorm:"not null"`
	Messages  datatypes.JSON
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null;index"`
}

// ChatStateModel holds the per-user "current conversation" pointer. Keeping
// a single pointer next to the normalized conversation rows avoids divergent
// copies of the selected conversation.
type ChatStateModel struct {
	UserID                string `gorm:"primaryKey"`
	CurrentConversationID string
	UpdatedAt             time.Time
}

type InvoiceModel struct {
	ID     string `gorm:"primaryKey"`
	UserID string `gorm:"not null;index"`

	PrestadorCNPJ               string `gorm:"not null"`
	PrestadorRazaoSocial        string `gorm:"not null"`
	PrestadorInscricaoMunicipal string
	PrestadorEmail              string
	PrestadorEndereco           string
	PrestadorMunicipio          string
	PrestadorUF                 string
	PrestadorCEP                string

	TomadorCPFCNPJ     string `gorm:"not null"`
	TomadorRazaoSocial string `gorm:"not null"`
	TomadorEmail       string
	TomadorEndereco    string
	TomadorMunicipio   string
	TomadorUF          string
	TomadorCEP         string

	CodigoServico   string          `gorm:"not null"`
	Discriminacao   string          `gorm:"type:text;not null"`
	ValorServicos   decimal.Decimal `gorm:"type:numeric(14,2);not null"`
	ValorDeducoes   decimal.Decimal `gorm:"type:numeric(14,2)"`
	AliquotaISS     decimal.Decimal `gorm:"type:numeric(7,4)"`
	ValorISS        decimal.Decimal `gorm:"type:numeric(14,2)"`
	ISSRetido       bool
	CodigoMunicipio string

	Status            string `gorm:"not null;index"`
	ExternalID        string `gorm:"index"`
	NumeroNFSe        string `gorm:"column:numero_nfse"`
	CodigoVerificacao string
	XMLEnvioURL       string `gorm:"column:xml_envio_url"`
	XMLRetornoURL     string `gorm:"column:xml_retorno_url"`

	CreatedAt       time.Time `gorm:"not null;index"`
	UpdatedAt       time.Time `gorm:"not null"`
	StatusChangedAt time.Time `gorm:"not null"`
}

// InvoiceEventModel rows are append-only; they are never updated or deleted.
type InvoiceEventModel struct {
	ID         string         `gorm:"primaryKey"`
	InvoiceID  string         `gorm:"not null;index"`
	Source     string         `gorm:"not null"`
	EventType  string         `gorm:"not null"`
	Payload    datatypes.JSON `gorm:"type:jsonb"`
	OccurredAt time.Time      `gorm:"not null"`
	CreatedAt  time.Time      `gorm:"not null;index"`
}

type TicketModel struct {
	ID          string `gorm:"primaryKey"`
	UserID      string `gorm:"not null;index"`
	Subject     string `gorm:"not null"`
	Description string `gorm:"type:text;not null"`
	Priority    string `gorm:"not null"`
	Status      string `gorm:"not null"`
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time
}

// UsageModel accumulates per-user processing counters for the dashboard.
type UsageModel struct {
	UserID         string `gorm:"primaryKey"`
	FilesProcessed int64  `gorm:"not null;default:0"`
	XMLGenerated   int64  `gorm:"not null;default:0"`
	UpdatedAt      time.Time
}
