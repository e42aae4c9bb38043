package chainclickhouse

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"agenttrail/internal/export"
)

func TestWriterSendsJSONEachRow(t *testing.T) {
	var gotQuery, gotUser, gotKey string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("query")
		gotUser = r.Header.Get("X-ClickHouse-User")
		gotKey = r.Header.Get("X-ClickHouse-Key")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w, err := NewWriter(Config{
		URL:      srv.URL,
		Database: "audit",
		Table:    "chain_rows",
		Username: "writer",
		Password: "secret",
	})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	rows := []export.SessionRow{
		{SessionID: "sess-1", ChainRow: export.ChainRow{Sequence: 0, Type: "scan_input", Name: "prompt_injection", Hash: "sha256:a", PreviousHash: "genesis", Timestamp: "2025-03-14T10:00:00Z"}},
		{SessionID: "sess-2", ChainRow: export.ChainRow{Sequence: 0, Type: "action", Name: "read_file", Hash: "sha256:b", PreviousHash: "genesis", Timestamp: "2025-03-14T10:00:01Z"}},
	}
	if err := w.WriteRows(rows); err != nil {
		t.Fatalf("WriteRows: %v", err)
	}

	if gotQuery != "INSERT INTO `audit`.`chain_rows` FORMAT JSONEachRow" {
		t.Errorf("query = %q", gotQuery)
	}
	if gotUser != "writer" || gotKey != "secret" {
		t.Errorf("auth headers = %q/%q", gotUser, gotKey)
	}

	sc := bufio.NewScanner(bytes.NewReader(gotBody))
	var decoded []export.SessionRow
	for sc.Scan() {
		var row export.SessionRow
		if err := json.Unmarshal(sc.Bytes(), &row); err != nil {
			t.Fatalf("body line is not valid JSON: %v", err)
		}
		decoded = append(decoded, row)
	}
	if len(decoded) != 2 {
		t.Fatalf("decoded %d rows, want 2", len(decoded))
	}
	if decoded[0].SessionID != "sess-1" || decoded[1].SessionID != "sess-2" {
		t.Errorf("session ids = %q,%q", decoded[0].SessionID, decoded[1].SessionID)
	}
}

func TestWriterRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Code: 60. DB::Exception: Table audit.chain_rows does not exist", http.StatusNotFound)
	}))
	defer srv.Close()

	w, err := NewWriter(Config{URL: srv.URL})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	err = w.WriteRows([]export.SessionRow{{SessionID: "sess-1"}})
	if err == nil {
		t.Fatalf("expected error for non-2xx status")
	}
}

func TestWriterEmptyBatchIsNoop(t *testing.T) {
	w, err := NewWriter(Config{URL: "http://127.0.0.1:1"})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.WriteRows(nil); err != nil {
		t.Fatalf("empty batch should not touch the network: %v", err)
	}
}
