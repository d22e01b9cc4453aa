package processing

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"nfseportal/internal/util"
	"nfseportal/pkg/domain"
	"nfseportal/pkg/portal"
)

// TaskClient is the slice of the upstream client the orchestrator drives.
type TaskClient interface {
	TaskAPI
	CreateTask(ctx context.Context, files []portal.File) (string, error)
}

// Upload is one buffered file submitted for processing. Files are buffered
// in memory so they can be pre-flighted before the multipart upload; the
// server bounds request size upstream of this.
type Upload struct {
	Name     string
	MimeType string
	Data     []byte
}

// BatchResult is the settled outcome of one file batch. Files always carry a
// terminal status (completed or error) once Process returns.
type BatchResult struct {
	Files       []domain.UploadedFile
	ZipID       string
	DownloadURL string
}

// Orchestrator turns file batches into remote extraction tasks and watches
// them to completion.
type Orchestrator struct {
	opts        Options
	downloadURL func(zipID string) string
}

// NewOrchestrator builds an orchestrator. downloadURL composes the
// caller-facing archive URL for a zip id.
func NewOrchestrator(downloadURL func(zipID string) string, opts Options) *Orchestrator {
	if downloadURL == nil {
		downloadURL = func(zipID string) string { return "/download-zip/" + zipID + "/" }
	}
	return &Orchestrator{opts: opts.withDefaults(), downloadURL: downloadURL}
}

// Process submits the batch and blocks until it settles. onStatus is invoked
// after every file-status transition with a snapshot of the batch; statuses
// move strictly uploading → processing → completed|error. The returned error
// is non-nil exactly when the batch settled in error.
func (o *Orchestrator) Process(ctx context.Context, tasks TaskClient, uploads []Upload, onStatus func([]domain.UploadedFile)) (BatchResult, error) {
	files := make([]domain.UploadedFile, len(uploads))
	for i, up := range uploads {
		files[i] = domain.UploadedFile{
			ID:       util.NewID(),
			Name:     up.Name,
			Size:     int64(len(up.Data)),
			MimeType: up.MimeType,
			Status:   domain.FileUploading,
		}
	}
	notify := func() {
		if onStatus != nil {
			onStatus(snapshot(files))
		}
	}
	settle := func(status domain.FileStatus) {
		for i := range files {
			files[i].Status = status
			if status == domain.FileCompleted {
				files[i].Progress = 100
			}
		}
		notify()
	}
	notify()

	for _, up := range uploads {
		if err := ValidatePDF(up.Name, up.Data); err != nil {
			settle(domain.FileError)
			return BatchResult{Files: files}, err
		}
	}

	parts := make([]portal.File, len(uploads))
	for i, up := range uploads {
		parts[i] = portal.File{Name: up.Name, Reader: bytes.NewReader(up.Data)}
	}
	taskID, err := tasks.CreateTask(ctx, parts)
	if err != nil {
		settle(domain.FileError)
		return BatchResult{Files: files}, fmt.Errorf("start processing: %w", err)
	}

	settle(domain.FileProcessing)

	result, err := NewWatcher(tasks, taskID, o.opts).Wait(ctx)
	if err != nil {
		settle(domain.FileError)
		return BatchResult{Files: files}, err
	}

	settle(domain.FileCompleted)
	out := BatchResult{Files: files, ZipID: result.ZipID}
	if result.ZipID != "" {
		out.DownloadURL = o.downloadURL(result.ZipID)
	}
	return out, nil
}

// SummaryMessage renders the assistant summary for a settled batch.
func SummaryMessage(fileCount int, err error) string {
	if err != nil {
		return fmt.Sprintf("Erro ao processar os arquivos: %v", err)
	}
	return fmt.Sprintf("Processamento concluído! %d arquivo(s) PDF foram processados com sucesso. Os arquivos XML estão disponíveis para download abaixo.", fileCount)
}

// ArchiveResult builds the XmlResult entry pointing at a completed batch's
// archive download.
func ArchiveResult(downloadURL string, now time.Time) domain.XmlResult {
	return domain.XmlResult{
		ID:          util.NewID(),
		FileName:    "notas-processadas.zip",
		DownloadURL: downloadURL,
		CreatedAt:   now,
	}
}

func snapshot(files []domain.UploadedFile) []domain.UploadedFile {
	out := make([]domain.UploadedFile, len(files))
	copy(out, files)
	return out
}
