package processing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"nfseportal/pkg/domain"
	"nfseportal/pkg/portal"
)

// minimalPDF builds a one-page PDF with a correct xref table.
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

type fakeTaskClient struct {
	scriptedTaskAPI
	taskID    string
	createErr error
	created   [][]string
}

func (f *fakeTaskClient) CreateTask(_ context.Context, files []portal.File) (string, error) {
	names := make([]string, len(files))
	for i, file := range files {
		names[i] = file.Name
	}
	f.created = append(f.created, names)
	if f.createErr != nil {
		return "", f.createErr
	}
	return f.taskID, nil
}

func TestProcessHappyPath(t *testing.T) {
	client := &fakeTaskClient{
		taskID: "task-1",
		scriptedTaskAPI: scriptedTaskAPI{responses: []pollResponse{
			{state: "PENDING"},
			{state: "SUCCESS", zipID: "zip-1"},
		}},
	}
	orch := NewOrchestrator(func(zipID string) string { return "/api/files/zip/" + zipID }, fastOpts)

	var transitions [][]domain.FileStatus
	onStatus := func(files []domain.UploadedFile) {
		statuses := make([]domain.FileStatus, len(files))
		for i, f := range files {
			statuses[i] = f.Status
		}
		transitions = append(transitions, statuses)
	}

	uploads := []Upload{
		{Name: "nota1.pdf", MimeType: "application/pdf", Data: minimalPDF(t)},
		{Name: "nota2.pdf", MimeType: "application/pdf", Data: minimalPDF(t)},
	}
	result, err := orch.Process(context.Background(), client, uploads, onStatus)
	if err != nil {
		t.Fatalf("Process() error: %v", err)
	}
	if result.ZipID != "zip-1" {
		t.Fatalf("ZipID = %q, want zip-1", result.ZipID)
	}
	if result.DownloadURL != "/api/files/zip/zip-1" {
		t.Fatalf("DownloadURL = %q", result.DownloadURL)
	}
	for _, f := range result.Files {
		if f.Status != domain.FileCompleted {
			t.Fatalf("file %s status = %q, want completed", f.Name, f.Status)
		}
		if f.Progress != 100 {
			t.Fatalf("file %s progress = %d, want 100", f.Name, f.Progress)
		}
	}

	// Statuses must walk uploading → processing → completed, never skipping.
	want := []domain.FileStatus{domain.FileUploading, domain.FileProcessing, domain.FileCompleted}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %d, want %d", len(transitions), len(want))
	}
	for i, statuses := range transitions {
		for _, status := range statuses {
			if status != want[i] {
				t.Fatalf("transition %d status = %q, want %q", i, status, want[i])
			}
		}
	}

	if len(client.created) != 1 || len(client.created[0]) != 2 {
		t.Fatalf("CreateTask calls = %+v, want one call with two files", client.created)
	}
}

func TestProcessRejectsInvalidPDF(t *testing.T) {
	client := &fakeTaskClient{taskID: "task-2"}
	orch := NewOrchestrator(nil, fastOpts)

	uploads := []Upload{{Name: "broken.pdf", MimeType: "application/pdf", Data: []byte("not a pdf")}}
	result, err := orch.Process(context.Background(), client, uploads, nil)
	if err == nil {
		t.Fatalf("Process() expected preflight error")
	}
	if len(client.created) != 0 {
		t.Fatalf("CreateTask should not be called for invalid input")
	}
	if result.Files[0].Status != domain.FileError {
		t.Fatalf("file status = %q, want error", result.Files[0].Status)
	}
}

func TestProcessUploadFailureSettlesError(t *testing.T) {
	client := &fakeTaskClient{createErr: errors.New("upstream down")}
	orch := NewOrchestrator(nil, fastOpts)

	uploads := []Upload{{Name: "nota.pdf", MimeType: "application/pdf", Data: minimalPDF(t)}}
	result, err := orch.Process(context.Background(), client, uploads, nil)
	if err == nil {
		t.Fatalf("Process() expected error when CreateTask fails")
	}
	if result.Files[0].Status != domain.FileError {
		t.Fatalf("file status = %q, want error", result.Files[0].Status)
	}
}

func TestProcessTaskFailureSettlesError(t *testing.T) {
	client := &fakeTaskClient{
		taskID: "task-3",
		scriptedTaskAPI: scriptedTaskAPI{responses: []pollResponse{
			{state: "FAILURE"},
		}},
	}
	orch := NewOrchestrator(nil, fastOpts)

	uploads := []Upload{{Name: "nota.pdf", MimeType: "application/pdf", Data: minimalPDF(t)}}
	result, err := orch.Process(context.Background(), client, uploads, nil)
	if err == nil {
		t.Fatalf("Process() expected error when task fails")
	}
	if result.Files[0].Status != domain.FileError {
		t.Fatalf("file status = %q, want error", result.Files[0].Status)
	}
}

func TestSummaryMessage(t *testing.T) {
	ok := SummaryMessage(3, nil)
	if !bytes.Contains([]byte(ok), []byte("3 arquivo(s)")) {
		t.Fatalf("success summary = %q", ok)
	}
	fail := SummaryMessage(1, errors.New("boom"))
	if !bytes.Contains([]byte(fail), []byte("Erro")) {
		t.Fatalf("error summary = %q", fail)
	}
}
