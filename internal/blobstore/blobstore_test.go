package blobstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ipfs/go-cid"
)

func TestClientPutReturnsGatewayCID(t *testing.T) {
	var gotAuth, gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method %s", r.Method)
		}
		gotAuth = r.Header.Get("Authorization")
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		gotBody = string(buf)
		fmt.Fprintf(w, `{"cid":%q}`, DeriveContentID(buf))
	}))
	defer server.Close()

	client := NewClient(server.URL, server.URL, "test-token", 0)
	contentID, err := client.Put(context.Background(), []byte(`{"from":"a"}`))
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if gotAuth != "Bearer test-token" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
	if gotBody != `{"from":"a"}` {
		t.Fatalf("unexpected body %q", gotBody)
	}
	if err := ValidateContentID(contentID); err != nil {
		t.Fatalf("gateway cid rejected: %v", err)
	}
}

func TestClientPutRejectsInvalidGatewayCID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"cid":"not-a-cid"}`)
	}))
	defer server.Close()

	client := NewClient(server.URL, server.URL, "", 0)
	if _, err := client.Put(context.Background(), []byte("data")); !errors.Is(err, ErrInvalidContentID) {
		t.Fatalf("expected ErrInvalidContentID, got %v", err)
	}
}

func TestClientGetFetchesByPath(t *testing.T) {
	blob := []byte(`{"subject":"hello"}`)
	contentID := DeriveContentID(blob)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ipfs/"+contentID {
			http.NotFound(w, r)
			return
		}
		w.Write(blob)
	}))
	defer server.Close()

	client := NewClient(server.URL, server.URL, "", 0)
	got, err := client.Get(context.Background(), contentID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if string(got) != string(blob) {
		t.Fatalf("got %q, want %q", got, blob)
	}
}

func TestClientGetReportsUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gateway timeout", http.StatusGatewayTimeout)
	}))
	defer server.Close()

	client := NewClient(server.URL, server.URL, "", 0)
	_, err := client.Get(context.Background(), DeriveContentID([]byte("x")))
	if !errors.Is(err, ErrContentUnavailable) {
		t.Fatalf("expected ErrContentUnavailable, got %v", err)
	}

	server.Close()
	if _, err := client.Get(context.Background(), DeriveContentID([]byte("x"))); !errors.Is(err, ErrContentUnavailable) {
		t.Fatalf("connection refused: expected ErrContentUnavailable, got %v", err)
	}
}

func TestLocalStoreRoundTrip(t *testing.T) {
	store, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("new local store failed: %v", err)
	}
	blob := []byte(`{"from":"0xabc","to":"0xdef"}`)

	contentID, err := store.Put(context.Background(), blob)
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}
	got, err := store.Get(context.Background(), contentID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if string(got) != string(blob) {
		t.Fatalf("round trip mismatch: %q", got)
	}

	// Content-addressed: same bytes, same id.
	again, err := store.Put(context.Background(), blob)
	if err != nil {
		t.Fatalf("second put failed: %v", err)
	}
	if again != contentID {
		t.Fatalf("content id changed: %s vs %s", again, contentID)
	}
}

func TestLocalStoreMissingBlobIsUnavailable(t *testing.T) {
	store, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("new local store failed: %v", err)
	}
	_, err = store.Get(context.Background(), DeriveContentID([]byte("never stored")))
	if !errors.Is(err, ErrContentUnavailable) {
		t.Fatalf("expected ErrContentUnavailable, got %v", err)
	}
}

func TestDeriveContentIDIsValidCIDv0(t *testing.T) {
	contentID := DeriveContentID([]byte("payload"))
	decoded, err := cid.Decode(contentID)
	if err != nil {
		t.Fatalf("derived cid does not parse: %v", err)
	}
	if decoded.Version() != 0 {
		t.Fatalf("expected CIDv0, got version %d", decoded.Version())
	}
	if DeriveContentID([]byte("payload")) != contentID {
		t.Fatal("derivation is not deterministic")
	}
}
