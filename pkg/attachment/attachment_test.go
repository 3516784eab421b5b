package attachment

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tfp-event-fabric/fabric/pkg/httpclient"
)

func newTestClient(srv *httptest.Server) Client {
	return New(Config{
		BackendBase:      srv.URL,
		DownloadEndpoint: "/api/attachments/%s/download",
		APIKey:           "test-key",
	}, httpclient.Config{
		ConnectTimeout:        time.Second,
		ReadTimeout:           time.Second,
		CircuitBreakerEnabled: false,
	})
}

func TestFetchReturnsFileOnSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/attachments/att-1/download" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("X-API-Key") != "test-key" {
			t.Fatal("missing api key header")
		}
		w.Header().Set("Content-Disposition", `attachment; filename="invoice.pdf"`)
		w.Header().Set("Content-Type", "application/pdf")
		w.Write([]byte("%PDF-1.4 fake"))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	file, err := c.Fetch(context.Background(), "att-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if file.Filename != "invoice.pdf" {
		t.Fatalf("expected filename from Content-Disposition, got %q", file.Filename)
	}
	if file.ContentType != "application/pdf" {
		t.Fatalf("expected content type to be preserved, got %q", file.ContentType)
	}
	if string(file.Bytes) != "%PDF-1.4 fake" {
		t.Fatalf("unexpected body: %q", file.Bytes)
	}
}

func TestFetchFallsBackToDefaultFilenameWhenDispositionMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("data"))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	file, err := c.Fetch(context.Background(), "att-2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if file.Filename != "attachment_att-2" {
		t.Fatalf("expected default filename, got %q", file.Filename)
	}
}

func TestFetchReturnsErrorOnNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	if _, err := c.Fetch(context.Background(), "att-3"); err == nil {
		t.Fatal("expected an error for a non-200 response")
	}
}

func TestFetchReturnsErrorOnEmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	if _, err := c.Fetch(context.Background(), "att-4"); err == nil {
		t.Fatal("expected an error for an empty body")
	}
}

func TestDeleteIsBestEffortAndDoesNotPanicOnFailure(t *testing.T) {
	var deletedIDs []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Fatalf("expected DELETE, got %s", r.Method)
		}
		deletedIDs = append(deletedIDs, r.URL.Path)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	c.Delete(context.Background(), []string{"att-5", "att-6"})

	if len(deletedIDs) != 2 {
		t.Fatalf("expected both deletes to be attempted despite failures, got %d", len(deletedIDs))
	}
}
