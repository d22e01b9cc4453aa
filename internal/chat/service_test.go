package chat

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gorm.io/driver/sqlite"

	"nfseportal/internal/processing"
	"nfseportal/pkg/domain"
	"nfseportal/pkg/portal"
	"nfseportal/pkg/store"
)

// minimalPDF builds a one-page PDF that passes upload preflight.
func minimalPDF(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	offsets := make([]int, 3)
	buf.WriteString("%PDF-1.4\n")
	writeObj := func(n int, body string) {
		offsets[n-1] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", n, body)
	}
	writeObj(1, "<< /Type /Catalog /Pages 2 0 R >>")
	writeObj(2, "<< /Type /Pages /Kids [3 0 R] /Count 1 >>")
	writeObj(3, "<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << >> >>")
	xrefPos := buf.Len()
	buf.WriteString("xref\n0 4\n")
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size 4 /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", xrefPos)
	return buf.Bytes()
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewGormStoreWithDialector(sqlite.Open(filepath.Join(t.TempDir(), "chat.db")))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return s
}

type fakeTasks struct {
	taskID    string
	zipID     string
	createErr error
}

func (f *fakeTasks) CreateTask(_ context.Context, _ []portal.File) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	return f.taskID, nil
}

func (f *fakeTasks) GetTaskStatus(_ context.Context, _ string) (portal.TaskStatus, error) {
	status := portal.TaskStatus{State: portal.TaskStateSuccess}
	status.Meta.ZipID = f.zipID
	return status, nil
}

type fakeGenerator struct {
	chunks []string
	err    error
}

func (f *fakeGenerator) GenerateText(_ context.Context, _, _ string) (string, error) {
	return strings.Join(f.chunks, ""), f.err
}

func (f *fakeGenerator) StreamText(_ context.Context, _, _ string, onDelta func(string)) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	for _, chunk := range f.chunks {
		onDelta(chunk)
	}
	return strings.Join(f.chunks, ""), nil
}

func newTestService(t *testing.T, generator *fakeGenerator) *Service {
	t.Helper()
	orch := processing.NewOrchestrator(func(zipID string) string { return "/api/files/zip/" + zipID },
		processing.Options{PollInterval: time.Millisecond, RetryInterval: time.Millisecond})
	if generator == nil {
		return NewService(newTestStore(t), orch, nil)
	}
	return NewService(newTestStore(t), orch, generator)
}

func TestCreateConversationBecomesCurrent(t *testing.T) {
	svc := newTestService(t, nil)
	conv, err := svc.CreateConversation("user-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	current, ok, err := svc.Current("user-1")
	if err != nil || !ok {
		t.Fatalf("current: ok=%v err=%v", ok, err)
	}
	if current.ID != conv.ID {
		t.Fatalf("current = %q, want %q", current.ID, conv.ID)
	}
}

func TestConversationOwnership(t *testing.T) {
	svc := newTestService(t, nil)
	conv, _ := svc.CreateConversation("user-1")

	if _, err := svc.GetConversation("user-2", conv.ID); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("cross-user get = %v, want ErrConversationNotFound", err)
	}
	if err := svc.SelectConversation("user-2", conv.ID); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("cross-user select = %v, want ErrConversationNotFound", err)
	}
	if err := svc.DeleteConversation("user-2", conv.ID); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("cross-user delete = %v, want ErrConversationNotFound", err)
	}
}

func TestDeleteClearsCurrentPointer(t *testing.T) {
	svc := newTestService(t, nil)
	conv, _ := svc.CreateConversation("user-1")
	if err := svc.DeleteConversation("user-1", conv.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, err := svc.Current("user-1"); err != nil || ok {
		t.Fatalf("current after delete: ok=%v err=%v", ok, err)
	}
}

func TestSendMessageStreamsIntoOneMessage(t *testing.T) {
	gen := &fakeGenerator{chunks: []string{"Olá, ", "posso ", "ajudar."}}
	svc := newTestService(t, gen)

	var streamed []string
	conv, err := svc.SendMessage(context.Background(), &fakeTasks{}, "user-1", "", "Oi!", nil, func(delta string) {
		streamed = append(streamed, delta)
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(conv.Messages) != 2 {
		t.Fatalf("messages = %d, want user + assistant", len(conv.Messages))
	}
	assistant := conv.Messages[1]
	if assistant.Role != domain.RoleAssistant {
		t.Fatalf("role = %q", assistant.Role)
	}
	if assistant.Content != "Olá, posso ajudar." {
		t.Fatalf("content = %q", assistant.Content)
	}
	if len(streamed) != 3 {
		t.Fatalf("deltas = %d, want 3", len(streamed))
	}

	// The persisted copy matches what was streamed.
	reloaded, err := svc.GetConversation("user-1", conv.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Messages[1].Content != assistant.Content {
		t.Fatalf("persisted content = %q", reloaded.Messages[1].Content)
	}
	if reloaded.Messages[1].ID != assistant.ID {
		t.Fatalf("assistant message id changed during streaming")
	}
}

func TestSendMessageWithoutGeneratorAnswersGreeting(t *testing.T) {
	svc := newTestService(t, nil)
	conv, err := svc.SendMessage(context.Background(), &fakeTasks{}, "user-1", "", "Oi", nil, nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if conv.Messages[1].Content == "" {
		t.Fatalf("expected static assistant reply")
	}
}

func TestSendMessageTitleFromFirstMessage(t *testing.T) {
	svc := newTestService(t, nil)
	long := strings.Repeat("preciso de ajuda ", 10)
	conv, err := svc.SendMessage(context.Background(), &fakeTasks{}, "user-1", "", long, nil, nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := len([]rune(conv.Title)); got != 50 {
		t.Fatalf("title length = %d, want 50", got)
	}
	if !strings.HasPrefix(long, conv.Title) {
		t.Fatalf("title %q is not a prefix of the first message", conv.Title)
	}

	// Title is set once; later messages do not rename.
	conv2, err := svc.SendMessage(context.Background(), &fakeTasks{}, "user-1", conv.ID, "outra pergunta", nil, nil)
	if err != nil {
		t.Fatalf("second send: %v", err)
	}
	if conv2.Title != conv.Title {
		t.Fatalf("title changed on second message")
	}
}

func TestSendMessageGeneratorFailure(t *testing.T) {
	svc := newTestService(t, &fakeGenerator{err: errors.New("model offline")})
	_, err := svc.SendMessage(context.Background(), &fakeTasks{}, "user-1", "", "Oi", nil, nil)
	if err == nil {
		t.Fatalf("expected generation error")
	}
}

func TestSendMessageProcessesBatch(t *testing.T) {
	svc := newTestService(t, nil)
	uploads := []processing.Upload{
		{Name: "nota.pdf", MimeType: "application/pdf", Data: minimalPDF(t)},
	}
	conv, err := svc.SendMessage(context.Background(), &fakeTasks{taskID: "t1", zipID: "zip-1"}, "user-1", "", "", uploads, nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(conv.Messages) != 2 {
		t.Fatalf("messages = %d", len(conv.Messages))
	}
	userMsg, assistant := conv.Messages[0], conv.Messages[1]
	if len(userMsg.Files) != 1 || userMsg.Files[0].Status != domain.FileCompleted {
		t.Fatalf("user files = %+v", userMsg.Files)
	}
	if len(assistant.XmlResults) != 1 || assistant.XmlResults[0].DownloadURL != "/api/files/zip/zip-1" {
		t.Fatalf("xml results = %+v", assistant.XmlResults)
	}
	if !strings.Contains(conv.Title, "1 arquivo") {
		t.Fatalf("title = %q", conv.Title)
	}

	stats, err := svc.Stats("user-1")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.FilesProcessed != 1 || stats.XMLGenerated != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestSendMessageBatchFailureKeepsErrorState(t *testing.T) {
	svc := newTestService(t, nil)
	uploads := []processing.Upload{
		{Name: "nota.pdf", MimeType: "application/pdf", Data: minimalPDF(t)},
	}
	tasks := &fakeTasks{createErr: errors.New("upstream down")}
	conv, err := svc.SendMessage(context.Background(), tasks, "user-1", "", "", uploads, nil)
	if err == nil {
		t.Fatalf("expected processing error")
	}
	if len(conv.Messages) != 2 {
		t.Fatalf("messages = %d, want user + error summary", len(conv.Messages))
	}
	if conv.Messages[0].Files[0].Status != domain.FileError {
		t.Fatalf("file status = %q", conv.Messages[0].Files[0].Status)
	}
	if !strings.Contains(conv.Messages[1].Content, "Erro") {
		t.Fatalf("assistant content = %q", conv.Messages[1].Content)
	}

	stats, _ := svc.Stats("user-1")
	if stats.FilesProcessed != 0 {
		t.Fatalf("failed batches must not count usage: %+v", stats)
	}
}
