package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"nfseportal/pkg/domain"
)

// GormStore implements Store using GORM.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens a Postgres database and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	return NewGormStoreWithDialector(postgres.Open(dsn))
}

// NewGormStoreWithDialector opens the store on any GORM dialector; tests use
// this with SQLite.
func NewGormStoreWithDialector(dialector gorm.Dialector) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.AutoMigrate(
		&ConversationModel{},
		&ChatStateModel{},
		&InvoiceModel{},
		&InvoiceEventModel{},
		&TicketModel{},
		&UsageModel{},
	); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

// SaveConversation upserts a conversation including its message log.
func (s *GormStore) SaveConversation(c domain.Conversation) error {
	model, err := conversationToModel(c)
	if err != nil {
		return err
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "messages", "updated_at"}),
	}).Create(&model).Error
}

func (s *GormStore) GetConversation(id string) (domain.Conversation, bool, error) {
	var model ConversationModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Conversation{}, false, nil
		}
		return domain.Conversation{}, false, err
	}
	conv, err := conversationFromModel(model)
	if err != nil {
		return domain.Conversation{}, false, err
	}
	return conv, true, nil
}

// ListConversations returns the user's conversations, most recently updated
// first.
func (s *GormStore) ListConversations(userID string) ([]domain.Conversation, error) {
	var models []ConversationModel
	if err := s.db.Where("user_id = ?", userID).Order("updated_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Conversation, 0, len(models))
	for _, m := range models {
		conv, err := conversationFromModel(m)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, nil
}

func (s *GormStore) DeleteConversation(id string) error {
	return s.db.Delete(&ConversationModel{}, "id = ?", id).Error
}

func (s *GormStore) CurrentConversationID(userID string) (string, error) {
	var state ChatStateModel
	if err := s.db.First(&state, "user_id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", err
	}
	return state.CurrentConversationID, nil
}

func (s *GormStore) SetCurrentConversationID(userID, conversationID string) error {
	state := ChatStateModel{
		UserID:                userID,
		CurrentConversationID: conversationID,
		UpdatedAt:             time.Now().UTC(),
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"current_conversation_id", "updated_at"}),
	}).Create(&state).Error
}

// SaveInvoice upserts an invoice row.
func (s *GormStore) SaveInvoice(inv domain.Invoice) error {
	model := invoiceToModel(inv)
	return s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status", "external_id", "numero_nfse", "codigo_verificacao",
			"xml_envio_url", "xml_retorno_url", "updated_at", "status_changed_at",
		}),
	}).Create(&model).Error
}

func (s *GormStore) GetInvoice(id string) (domain.Invoice, bool, error) {
	var model InvoiceModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Invoice{}, false, nil
		}
		return domain.Invoice{}, false, err
	}
	return invoiceFromModel(model), true, nil
}

// GetInvoiceByExternalID resolves the upstream emitter's id back to the local
// invoice; webhook notifications may carry either id.
func (s *GormStore) GetInvoiceByExternalID(externalID string) (domain.Invoice, bool, error) {
	var model InvoiceModel
	if err := s.db.First(&model, "external_id = ?", externalID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Invoice{}, false, nil
		}
		return domain.Invoice{}, false, err
	}
	return invoiceFromModel(model), true, nil
}

func (s *GormStore) ListInvoicesByUser(userID string) ([]domain.Invoice, error) {
	var models []InvoiceModel
	if err := s.db.Where("user_id = ?", userID).Order("created_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Invoice, 0, len(models))
	for _, m := range models {
		out = append(out, invoiceFromModel(m))
	}
	return out, nil
}

// RecordInvoiceEvent appends the event row and applies the status projection
// in one transaction. The projection is skipped, and ErrStaleEvent returned,
// when the event's occurred-at predates the invoice's last status change;
// the event row is still committed in that case.
func (s *GormStore) RecordInvoiceEvent(event domain.InvoiceEvent, update *StatusUpdate) error {
	model, err := eventToModel(event)
	if err != nil {
		return err
	}
	stale := false
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&model).Error; err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		if update == nil || update.Status == "" {
			return nil
		}
		var invoice InvoiceModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&invoice, "id = ?", event.InvoiceID).Error; err != nil {
			return fmt.Errorf("load invoice: %w", err)
		}
		if !update.OccurredAt.IsZero() && update.OccurredAt.Before(invoice.StatusChangedAt) {
			stale = true
			return nil
		}
		now := time.Now().UTC()
		changes := map[string]any{
			"status":            update.Status,
			"updated_at":        now,
			"status_changed_at": now,
		}
		if !update.OccurredAt.IsZero() {
			changes["status_changed_at"] = update.OccurredAt
		}
		if update.NumeroNFSe != "" {
			changes["numero_nfse"] = update.NumeroNFSe
		}
		if update.CodigoVerificacao != "" {
			changes["codigo_verificacao"] = update.CodigoVerificacao
		}
		if update.XMLRetornoURL != "" {
			changes["xml_retorno_url"] = update.XMLRetornoURL
		}
		return tx.Model(&InvoiceModel{}).Where("id = ?", event.InvoiceID).Updates(changes).Error
	})
	if err != nil {
		return err
	}
	if stale {
		return ErrStaleEvent
	}
	return nil
}

// ListInvoiceEvents returns events newest first.
func (s *GormStore) ListInvoiceEvents(invoiceID string) ([]domain.InvoiceEvent, error) {
	var models []InvoiceEventModel
	if err := s.db.Where("invoice_id = ?", invoiceID).Order("created_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.InvoiceEvent, 0, len(models))
	for _, m := range models {
		event, err := eventFromModel(m)
		if err != nil {
			return nil, err
		}
		out = append(out, event)
	}
	return out, nil
}

func (s *GormStore) SaveTicket(t domain.SupportTicket) error {
	model := TicketModel{
		ID:          t.ID,
		UserID:      t.UserID,
		Subject:     t.Subject,
		Description: t.Description,
		Priority:    string(t.Priority),
		Status:      t.Status,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "updated_at"}),
	}).Create(&model).Error
}

func (s *GormStore) ListTickets(userID string) ([]domain.SupportTicket, error) {
	var models []TicketModel
	if err := s.db.Where("user_id = ?", userID).Order("created_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.SupportTicket, 0, len(models))
	for _, m := range models {
		out = append(out, domain.SupportTicket{
			ID:          m.ID,
			UserID:      m.UserID,
			Subject:     m.Subject,
			Description: m.Description,
			Priority:    domain.TicketPriority(m.Priority),
			Status:      m.Status,
			CreatedAt:   m.CreatedAt,
			UpdatedAt:   m.UpdatedAt,
		})
	}
	return out, nil
}

// AddUsage increments per-user dashboard counters.
func (s *GormStore) AddUsage(userID string, filesProcessed, xmlGenerated int64) error {
	usage := UsageModel{
		UserID:         userID,
		FilesProcessed: filesProcessed,
		XMLGenerated:   xmlGenerated,
		UpdatedAt:      time.Now().UTC(),
	}
	return s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"files_processed": gorm.Expr("usage_models.files_processed + ?", filesProcessed),
			"xml_generated":   gorm.Expr("usage_models.xml_generated + ?", xmlGenerated),
			"updated_at":      usage.UpdatedAt,
		}),
	}).Create(&usage).Error
}

func (s *GormStore) Stats(userID string) (domain.DashboardStats, error) {
	var stats domain.DashboardStats
	if err := s.db.Model(&ConversationModel{}).Where("user_id = ?", userID).
		Count(&stats.TotalConversations).Error; err != nil {
		return stats, err
	}
	var usage UsageModel
	if err := s.db.First(&usage, "user_id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return stats, nil
		}
		return stats, err
	}
	stats.FilesProcessed = usage.FilesProcessed
	stats.XMLGenerated = usage.XMLGenerated
	return stats, nil
}

// model conversions

func conversationToModel(c domain.Conversation) (ConversationModel, error) {
	messages, err := json.Marshal(c.Messages)
	if err != nil {
		return ConversationModel{}, fmt.Errorf("marshal messages: %w", err)
	}
	return ConversationModel{
		ID:        c.ID,
		UserID:    c.UserID,
		Title:     c.Title,
		Messages:  messages,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}, nil
}

func conversationFromModel(m ConversationModel) (domain.Conversation, error) {
	conv := domain.Conversation{
		ID:        m.ID,
		UserID:    m.UserID,
		Title:     m.Title,
		Messages:  []domain.Message{},
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
	if len(m.Messages) > 0 {
		if err := json.Unmarshal(m.Messages, &conv.Messages); err != nil {
			return domain.Conversation{}, fmt.Errorf("unmarshal messages: %w", err)
		}
	}
	return conv, nil
}

func invoiceToModel(inv domain.Invoice) InvoiceModel {
	return InvoiceModel{
		ID:                          inv.ID,
		UserID:                      inv.UserID,
		PrestadorCNPJ:               inv.PrestadorCNPJ,
		PrestadorRazaoSocial:        inv.PrestadorRazaoSocial,
		PrestadorInscricaoMunicipal: inv.PrestadorInscricaoMunicipal,
		PrestadorEmail:              inv.PrestadorEmail,
		PrestadorEndereco:           inv.PrestadorEndereco,
		PrestadorMunicipio:          inv.PrestadorMunicipio,
		PrestadorUF:                 inv.PrestadorUF,
		PrestadorCEP:                inv.PrestadorCEP,
		TomadorCPFCNPJ:              inv.TomadorCPFCNPJ,
		TomadorRazaoSocial:          inv.TomadorRazaoSocial,
		TomadorEmail:                inv.TomadorEmail,
		TomadorEndereco:             inv.TomadorEndereco,
		TomadorMunicipio:            inv.TomadorMunicipio,
		TomadorUF:                   inv.TomadorUF,
		TomadorCEP:                  inv.TomadorCEP,
		CodigoServico:               inv.CodigoServico,
		Discriminacao:               inv.Discriminacao,
		ValorServicos:               inv.ValorServicos,
		ValorDeducoes:               inv.ValorDeducoes,
		AliquotaISS:                 inv.AliquotaISS,
		ValorISS:                    inv.ValorISS,
		ISSRetido:                   inv.ISSRetido,
		CodigoMunicipio:             inv.CodigoMunicipio,
		Status:                      inv.Status,
		ExternalID:                  inv.ExternalID,
		NumeroNFSe:                  inv.NumeroNFSe,
		CodigoVerificacao:           inv.CodigoVerificacao,
		XMLEnvioURL:                 inv.XMLEnvioURL,
		XMLRetornoURL:               inv.XMLRetornoURL,
		CreatedAt:                   inv.CreatedAt,
		UpdatedAt:                   inv.UpdatedAt,
		StatusChangedAt:             inv.StatusChangedAt,
	}
}

func invoiceFromModel(m InvoiceModel) domain.Invoice {
	return domain.Invoice{
		ID:                          m.ID,
		UserID:                      m.UserID,
		PrestadorCNPJ:               m.PrestadorCNPJ,
		PrestadorRazaoSocial:        m.PrestadorRazaoSocial,
		PrestadorInscricaoMunicipal: m.PrestadorInscricaoMunicipal,
		PrestadorEmail:              m.PrestadorEmail,
		PrestadorEndereco:           m.PrestadorEndereco,
		PrestadorMunicipio:          m.PrestadorMunicipio,
		PrestadorUF:                 m.PrestadorUF,
		PrestadorCEP:                m.PrestadorCEP,
		TomadorCPFCNPJ:              m.TomadorCPFCNPJ,
		TomadorRazaoSocial:          m.TomadorRazaoSocial,
		TomadorEmail:                m.TomadorEmail,
		TomadorEndereco:             m.TomadorEndereco,
		TomadorMunicipio:            m.TomadorMunicipio,
		TomadorUF:                   m.TomadorUF,
		TomadorCEP:                  m.TomadorCEP,
		CodigoServico:               m.CodigoServico,
		Discriminacao:               m.Discriminacao,
		ValorServicos:               m.ValorServicos,
		ValorDeducoes:               m.ValorDeducoes,
		AliquotaISS:                 m.AliquotaISS,
		ValorISS:                    m.ValorISS,
		ISSRetido:                   m.ISSRetido,
		CodigoMunicipio:             m.CodigoMunicipio,
		Status:                      m.Status,
		ExternalID:                  m.ExternalID,
		NumeroNFSe:                  m.NumeroNFSe,
		CodigoVerificacao:           m.CodigoVerificacao,
		XMLEnvioURL:                 m.XMLEnvioURL,
		XMLRetornoURL:               m.XMLRetornoURL,
		CreatedAt:                   m.CreatedAt,
		UpdatedAt:                   m.UpdatedAt,
		StatusChangedAt:             m.StatusChangedAt,
	}
}

func eventToModel(e domain.InvoiceEvent) (InvoiceEventModel, error) {
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return InvoiceEventModel{}, fmt.Errorf("marshal payload: %w", err)
	}
	return InvoiceEventModel{
		ID:         e.ID,
		InvoiceID:  e.InvoiceID,
		Source:     e.Source,
		EventType:  e.EventType,
		Payload:    data,
		OccurredAt: e.OccurredAt,
		CreatedAt:  e.CreatedAt,
	}, nil
}

func eventFromModel(m InvoiceEventModel) (domain.InvoiceEvent, error) {
	event := domain.InvoiceEvent{
		ID:         m.ID,
		InvoiceID:  m.InvoiceID,
		Source:     m.Source,
		EventType:  m.EventType,
		Payload:    map[string]any{},
		OccurredAt: m.OccurredAt,
		CreatedAt:  m.CreatedAt,
	}
	if len(m.Payload) > 0 {
		if err := json.Unmarshal(m.Payload, &event.Payload); err != nil {
			return domain.InvoiceEvent{}, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	return event, nil
}
