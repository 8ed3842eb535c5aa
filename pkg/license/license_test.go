package license

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/jsontime"
)

func TestNonHTTPSServerRejected(t *testing.T) {
	if _, err := NewManager("http://license.example.com", t.TempDir(), "key", zerolog.Nop()); err == nil {
		t.Fatal("http:// URL accepted")
	}
	if _, err := NewManager("https://license.example.com", t.TempDir(), "key", zerolog.Nop()); err != nil {
		t.Fatalf("https:// URL rejected: %v", err)
	}
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager("https://license.example.com", t.TempDir(), "test-key", zerolog.Nop())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	m.machineID = func() string { return "machine-a" }
	return m
}

func TestCacheRoundTrip(t *testing.T) {
	m := newTestManager(t)
	if err := m.cacheLicense(); err != nil {
		t.Fatalf("cache: %v", err)
	}
	cached, err := m.loadCache()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cached.Key != "test-key" {
		t.Fatalf("cached key = %q", cached.Key)
	}
	if !m.isValid(cached) {
		t.Fatal("freshly cached license not valid")
	}
}

func TestCacheBoundToMachine(t *testing.T) {
	m := newTestManager(t)
	if err := m.cacheLicense(); err != nil {
		t.Fatalf("cache: %v", err)
	}
	m.machineID = func() string { return "machine-b" }
	if _, err := m.loadCache(); err == nil {
		t.Fatal("cache decrypted under a different machine identity")
	}
}

func TestStaleVerificationInvalid(t *testing.T) {
	m := newTestManager(t)
	stale := &cachedLicense{
		Key:        "test-key",
		VerifiedAt: jsontime.UM(time.Now().Add(-9 * time.Hour)),
		ExpiresAt:  jsontime.UM(time.Now().Add(24 * time.Hour)),
	}
	if m.isValid(stale) {
		t.Fatal("nine-hour-old verification accepted")
	}
	expired := &cachedLicense{
		Key:        "test-key",
		VerifiedAt: jsontime.UM(time.Now()),
		ExpiresAt:  jsontime.UM(time.Now().Add(-time.Minute)),
	}
	if m.isValid(expired) {
		t.Fatal("expired license accepted")
	}
}

func TestValidateVerifiesWithServer(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/api/v1/licenses/verify") {
			http.NotFound(w, r)
			return
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.NewEncoder(w).Encode(map[string]bool{"valid": body["license_key"] == "test-key"})
	}))
	defer server.Close()

	m := newTestManager(t)
	m.serverURL = server.URL
	m.client = server.Client()

	if err := m.Validate(context.Background()); err != nil {
		t.Fatalf("validate: %v", err)
	}
	// Second validation hits the cache; break the server to prove it.
	server.Close()
	if err := m.Validate(context.Background()); err != nil {
		t.Fatalf("cached validate: %v", err)
	}
}

func TestValidateRejectsInvalidLicense(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]bool{"valid": false})
	}))
	defer server.Close()

	m := newTestManager(t)
	m.key = "wrong-key"
	m.serverURL = server.URL
	m.client = server.Client()

	if err := m.Validate(context.Background()); err != ErrInvalidLicense {
		t.Fatalf("err = %v, want ErrInvalidLicense", err)
	}
}
