package ncmec

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"tipline/core/store"
	"tipline/core/utils"
)

type memApiLog struct {
	entries []store.ApiLogEntry
}

func (m *memApiLog) Append(ctx context.Context, e *store.ApiLogEntry) error {
	m.entries = append(m.entries, *e)
	return nil
}

func (m *memApiLog) List(ctx context.Context, limit, offset int) ([]store.ApiLogEntry, error) {
	return m.entries, nil
}

func (m *memApiLog) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func testTransport(srvURL string, apiLog store.ApiLogStore) *httpTransport {
	return &httpTransport{
		base:     srvURL,
		username: "esp",
		password: "secret",
		client:   &http.Client{Timeout: 5 * time.Second},
		apiLog:   apiLog,
		logger:   utils.NewLogger(),
	}
}

func TestFinishAndRetractPostMultipartID(t *testing.T) {
	var gotContentType, gotID, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotContentType = r.Header.Get("Content-Type")
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		gotID = r.FormValue("id")
		w.Write([]byte(`<reportResponse><responseCode>0</responseCode></reportResponse>`))
	}))
	defer srv.Close()

	log := &memApiLog{}
	tr := testTransport(srv.URL, log)

	if err := tr.Finish(context.Background(), 9001); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if gotPath != "/finish" {
		t.Fatalf("want /finish, got %s", gotPath)
	}
	if !strings.HasPrefix(gotContentType, "multipart/form-data") {
		t.Fatalf("finish should post multipart form data, got %q", gotContentType)
	}
	if gotID != "9001" {
		t.Fatalf("report id should travel as the id field, got %q", gotID)
	}

	if err := tr.Retract(context.Background(), 9001); err != nil {
		t.Fatalf("retract: %v", err)
	}
	if gotPath != "/retract" {
		t.Fatalf("want /retract, got %s", gotPath)
	}
	if !strings.HasPrefix(gotContentType, "multipart/form-data") {
		t.Fatalf("retract should post multipart form data, got %q", gotContentType)
	}
	if len(log.entries) != 2 {
		t.Fatalf("both exchanges should be recorded, got %d", len(log.entries))
	}
}

func TestFinishSurfacesRefusal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<reportResponse><responseCode>4100</responseCode><responseDescription>unknown report</responseDescription></reportResponse>`))
	}))
	defer srv.Close()

	tr := testTransport(srv.URL, &memApiLog{})
	err := tr.Finish(context.Background(), 404)
	if err == nil {
		t.Fatal("non-zero response code should refuse")
	}
	remote, ok := err.(*RemoteError)
	if !ok || remote.Code != 4100 {
		t.Fatalf("want RemoteError 4100, got %v", err)
	}
	if Retryable(err) {
		t.Fatal("a refusal is not retryable")
	}
}
