package portal

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestLoginExtractsNestedTokens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/login/" || r.Method != http.MethodPost {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"user": {"id": 7, "username": "maria", "email": "maria@example.com", "first_name": "Maria", "last_name": "Silva"},
			"tokens": {"access_token": "at-123", "refresh_token": "rt-456"}
		}`)
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	result, err := client.Login(context.Background(), "maria", "secret")
	if err != nil {
		t.Fatalf("Login() error: %v", err)
	}
	if result.Tokens.AccessToken != "at-123" || result.Tokens.RefreshToken != "rt-456" {
		t.Fatalf("tokens = %+v", result.Tokens)
	}
	if result.User.ID != "7" || result.User.Name != "Maria Silva" {
		t.Fatalf("user = %+v", result.User)
	}
	if !client.Authenticated() {
		t.Fatalf("client should hold the access token after login")
	}
}

func TestLoginWithoutTokenFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"user": {"id": 1, "username": "x"}, "tokens": {}}`)
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	_, err := client.Login(context.Background(), "x", "y")
	if !errors.Is(err, ErrTokenMissing) {
		t.Fatalf("Login() error = %v, want ErrTokenMissing", err)
	}
	if client.Authenticated() {
		t.Fatalf("client must stay unauthenticated on token-less login")
	}
}

func TestLoginSurfacesUpstreamDetail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"detail": "Credenciais inválidas"}`)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Login(context.Background(), "x", "bad")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Login() error = %v, want APIError", err)
	}
	if apiErr.Status != http.StatusUnauthorized || apiErr.Message != "Credenciais inválidas" {
		t.Fatalf("APIError = %+v", apiErr)
	}
}

// Authenticated methods must fail before any network call when the token is
// missing.
func TestAuthedMethodsFailFastWithoutToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		t.Fatalf("no request expected without a token")
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	ctx := context.Background()

	if _, err := client.CreateTask(ctx, []File{{Name: "a.pdf", Reader: strings.NewReader("x")}}); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("CreateTask error = %v, want ErrUnauthenticated", err)
	}
	if _, err := client.GetTaskStatus(ctx, "t1"); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("GetTaskStatus error = %v, want ErrUnauthenticated", err)
	}
	if _, _, err := client.DownloadZip(ctx, "z1"); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("DownloadZip error = %v, want ErrUnauthenticated", err)
	}
	if _, err := client.ListCompanies(ctx); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("ListCompanies error = %v, want ErrUnauthenticated", err)
	}
	if err := client.TriggerScrape(ctx, "c1", time.Now(), time.Now()); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("TriggerScrape error = %v, want ErrUnauthenticated", err)
	}
	if _, err := client.EmitInvoice(ctx, "i1", nil); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("EmitInvoice error = %v, want ErrUnauthenticated", err)
	}
}

func TestCreateTaskSendsMultipartFiles(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/upload-e-processar-pdf/" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Fatalf("Authorization = %q", got)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parse multipart: %v", err)
		}
		files := r.MultipartForm.File["files[]"]
		if len(files) != 2 {
			t.Fatalf("files[] count = %d, want 2", len(files))
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"task_id": "task-9"}`)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, WithToken("tok"))
	taskID, err := client.CreateTask(context.Background(), []File{
		{Name: "a.pdf", Reader: strings.NewReader("aaa")},
		{Name: "b.pdf", Reader: strings.NewReader("bbb")},
	})
	if err != nil {
		t.Fatalf("CreateTask() error: %v", err)
	}
	if taskID != "task-9" {
		t.Fatalf("taskID = %q, want task-9", taskID)
	}
}

func TestGetTaskStatusMapsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, WithToken("tok"))
	_, err := client.GetTaskStatus(context.Background(), "gone")
	if !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("GetTaskStatus() error = %v, want ErrTaskNotFound", err)
	}
}

func TestGetTaskStatusParsesMeta(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/task-status/task-1/" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"state": "SUCCESS", "meta": {"zip_id": "zip-5"}}`)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, WithToken("tok"))
	status, err := client.GetTaskStatus(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("GetTaskStatus() error: %v", err)
	}
	if status.State != TaskStateSuccess || status.Meta.ZipID != "zip-5" {
		t.Fatalf("status = %+v", status)
	}
}

func TestTriggerScrapeFormatsDates(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/portal_nfse/scrape/trigger/" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		data, _ := io.ReadAll(r.Body)
		body = string(data)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, WithToken("tok"))
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC)
	if err := client.TriggerScrape(context.Background(), "c1", start, end); err != nil {
		t.Fatalf("TriggerScrape() error: %v", err)
	}
	if !strings.Contains(body, `"start_date":"01/03/2025"`) || !strings.Contains(body, `"end_date":"31/03/2025"`) {
		t.Fatalf("scrape payload = %s, want DD/MM/YYYY dates", body)
	}
}

func TestLogoutDropsToken(t *testing.T) {
	client := NewClient("http://example.invalid", WithToken("tok"))
	client.Logout()
	if client.Authenticated() {
		t.Fatalf("client should be unauthenticated after logout")
	}
	if _, err := client.ListCompanies(context.Background()); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("ListCompanies after logout = %v, want ErrUnauthenticated", err)
	}
}
