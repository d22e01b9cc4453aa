// Package chat maintains per-user conversations and runs the send-message
// flow: file batches go through the processing orchestrator, text-only turns
// stream a reply from the chat completion backend.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"nfseportal/internal/processing"
	"nfseportal/internal/util"
	"nfseportal/pkg/ai"
	"nfseportal/pkg/domain"
	"nfseportal/pkg/store"
)

// ErrConversationNotFound is returned when the id does not exist or belongs
// to another user.
var ErrConversationNotFound = errors.New("conversation not found")

const defaultTitle = "Nova conversa"

const assistantSystemPrompt = "Você é um assistente do portal NFS-e. Ajude o usuário com dúvidas sobre " +
	"emissão de notas fiscais de serviço, processamento de PDFs e uso do portal. Responda em português."

const assistantGreeting = "Olá! Como posso ajudá-lo hoje? Você pode enviar arquivos PDF para processamento ou fazer perguntas."

// Service owns conversation state. Conversations are normalized: the store
// holds one row per conversation plus a per-user current pointer, so there is
// never a second copy of the selected conversation to reconcile.
type Service struct {
	store     store.Store
	orch      *processing.Orchestrator
	generator ai.StreamGenerator
}

// NewService wires the conversation service. generator may be nil; the
// text-only path then answers with a static greeting.
func NewService(st store.Store, orch *processing.Orchestrator, generator ai.StreamGenerator) *Service {
	return &Service{store: st, orch: orch, generator: generator}
}

// CreateConversation starts an empty conversation and makes it current.
func (s *Service) CreateConversation(userID string) (domain.Conversation, error) {
	now := time.Now().UTC()
	conv := domain.Conversation{
		ID:        util.NewID(),
		UserID:    userID,
		Title:     defaultTitle,
		Messages:  []domain.Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.SaveConversation(conv); err != nil {
		return domain.Conversation{}, err
	}
	if err := s.store.SetCurrentConversationID(userID, conv.ID); err != nil {
		return domain.Conversation{}, err
	}
	return conv, nil
}

// ListConversations returns the user's conversations, most recent first.
func (s *Service) ListConversations(userID string) ([]domain.Conversation, error) {
	return s.store.ListConversations(userID)
}

// GetConversation loads one conversation, enforcing ownership.
func (s *Service) GetConversation(userID, id string) (domain.Conversation, error) {
	conv, ok, err := s.store.GetConversation(id)
	if err != nil {
		return domain.Conversation{}, err
	}
	if !ok || conv.UserID != userID {
		return domain.Conversation{}, ErrConversationNotFound
	}
	return conv, nil
}

// SelectConversation moves the user's current pointer.
func (s *Service) SelectConversation(userID, id string) error {
	if _, err := s.GetConversation(userID, id); err != nil {
		return err
	}
	return s.store.SetCurrentConversationID(userID, id)
}

// Current returns the selected conversation, if any.
func (s *Service) Current(userID string) (domain.Conversation, bool, error) {
	id, err := s.store.CurrentConversationID(userID)
	if err != nil {
		return domain.Conversation{}, false, err
	}
	if id == "" {
		return domain.Conversation{}, false, nil
	}
	conv, err := s.GetConversation(userID, id)
	if errors.Is(err, ErrConversationNotFound) {
		return domain.Conversation{}, false, nil
	}
	if err != nil {
		return domain.Conversation{}, false, err
	}
	return conv, true, nil
}

// DeleteConversation removes the conversation and clears the current pointer
// when it pointed at the removed one.
func (s *Service) DeleteConversation(userID, id string) error {
	if _, err := s.GetConversation(userID, id); err != nil {
		return err
	}
	if err := s.store.DeleteConversation(id); err != nil {
		return err
	}
	current, err := s.store.CurrentConversationID(userID)
	if err != nil {
		return err
	}
	if current == id {
		return s.store.SetCurrentConversationID(userID, "")
	}
	return nil
}

// RenameConversation updates the title and bumps UpdatedAt.
func (s *Service) RenameConversation(userID, id, title string) (domain.Conversation, error) {
	conv, err := s.GetConversation(userID, id)
	if err != nil {
		return domain.Conversation{}, err
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return domain.Conversation{}, errors.New("title required")
	}
	conv.Title = title
	conv.UpdatedAt = time.Now().UTC()
	if err := s.store.SaveConversation(conv); err != nil {
		return domain.Conversation{}, err
	}
	return conv, nil
}

// Stats returns the user's dashboard counters.
func (s *Service) Stats(userID string) (domain.DashboardStats, error) {
	return s.store.Stats(userID)
}

// SendMessage appends the user turn and produces the assistant turn. With
// uploads, the batch goes through the extraction task queue and the reply is
// the settlement summary; without, the reply streams from the completion
// backend into a single assistant message. onDelta, when non-nil, receives
// streamed increments. tasks is the caller's authenticated upstream client.
func (s *Service) SendMessage(ctx context.Context, tasks processing.TaskClient, userID, conversationID, content string, uploads []processing.Upload, onDelta func(string)) (domain.Conversation, error) {
	var conv domain.Conversation
	var err error
	if conversationID == "" {
		conv, err = s.CreateConversation(userID)
	} else {
		conv, err = s.GetConversation(userID, conversationID)
	}
	if err != nil {
		return domain.Conversation{}, err
	}

	userMsg := domain.Message{
		ID:        util.NewID(),
		Role:      domain.RoleUser,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
	if len(conv.Messages) == 0 {
		conv.Title = titleFromContent(content, len(uploads))
	}
	conv.Messages = append(conv.Messages, userMsg)
	conv.UpdatedAt = userMsg.Timestamp
	if err := s.store.SaveConversation(conv); err != nil {
		return domain.Conversation{}, err
	}

	if len(uploads) > 0 {
		return s.processBatch(ctx, tasks, conv, uploads)
	}
	return s.streamReply(ctx, conv, content, onDelta)
}

func (s *Service) processBatch(ctx context.Context, tasks processing.TaskClient, conv domain.Conversation, uploads []processing.Upload) (domain.Conversation, error) {
	userIdx := len(conv.Messages) - 1

	// Status transitions land on the user message that carries the batch;
	// each snapshot is persisted so reloads see the in-flight state.
	onStatus := func(files []domain.UploadedFile) {
		conv.Messages[userIdx].Files = files
		conv.UpdatedAt = time.Now().UTC()
		if err := s.store.SaveConversation(conv); err != nil {
			slog.Warn("persist batch status failed", "conversation_id", conv.ID, "err", err)
		}
	}

	result, procErr := s.orch.Process(ctx, tasks, uploads, onStatus)
	conv.Messages[userIdx].Files = result.Files

	assistant := domain.Message{
		ID:        util.NewID(),
		Role:      domain.RoleAssistant,
		Content:   processing.SummaryMessage(len(result.Files), procErr),
		Timestamp: time.Now().UTC(),
	}
	if procErr == nil && result.DownloadURL != "" {
		assistant.XmlResults = []domain.XmlResult{processing.ArchiveResult(result.DownloadURL, assistant.Timestamp)}
	}
	conv.Messages = append(conv.Messages, assistant)
	conv.UpdatedAt = assistant.Timestamp
	if err := s.store.SaveConversation(conv); err != nil {
		return domain.Conversation{}, err
	}

	if procErr == nil {
		xmlCount := int64(0)
		if result.DownloadURL != "" {
			xmlCount = int64(len(result.Files))
		}
		if err := s.store.AddUsage(conv.UserID, int64(len(result.Files)), xmlCount); err != nil {
			slog.Warn("usage counter update failed", "user_id", conv.UserID, "err", err)
		}
	}
	return conv, procErr
}

func (s *Service) streamReply(ctx context.Context, conv domain.Conversation, content string, onDelta func(string)) (domain.Conversation, error) {
	assistant := domain.Message{
		ID:        util.NewID(),
		Role:      domain.RoleAssistant,
		Timestamp: time.Now().UTC(),
	}
	idx := len(conv.Messages)
	conv.Messages = append(conv.Messages, assistant)

	if s.generator == nil {
		conv.Messages[idx].Content = assistantGreeting
		if onDelta != nil {
			onDelta(assistantGreeting)
		}
	} else {
		// Increments accumulate into the one message created above; its id
		// stays stable for the whole turn.
		_, err := s.generator.StreamText(ctx, assistantSystemPrompt, content, func(delta string) {
			conv.Messages[idx].Content += delta
			if onDelta != nil {
				onDelta(delta)
			}
		})
		if err != nil {
			return domain.Conversation{}, fmt.Errorf("generate reply: %w", err)
		}
	}

	conv.UpdatedAt = time.Now().UTC()
	if err := s.store.SaveConversation(conv); err != nil {
		return domain.Conversation{}, err
	}
	return conv, nil
}

func titleFromContent(content string, fileCount int) string {
	content = strings.TrimSpace(content)
	if content == "" {
		if fileCount > 0 {
			return fmt.Sprintf("Processamento de %d arquivo(s)", fileCount)
		}
		return defaultTitle
	}
	runes := []rune(content)
	if len(runes) > 50 {
		return string(runes[:50])
	}
	return content
}
