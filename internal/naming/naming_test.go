package naming

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/nugget/beacon/internal/opstate"
)

func testState(t *testing.T) *opstate.Store {
	t.Helper()
	s, err := opstate.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestParseName(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		ctype   string
		want    string
		wantErr bool
	}{
		{"json", `{"name":"greenhouse"}`, "application/json", "greenhouse", false},
		{"json sniffed", ` {"name":" barn "}`, "text/plain", "barn", false},
		{"text", "loft-sensor\n", "text/plain", "loft-sensor", false},
		{"empty text", "  ", "text/plain", "", true},
		{"empty json", `{"name":""}`, "application/json", "", true},
		{"bad json", `{"name":`, "application/json", "", true},
		{"multi-line", "a\nb", "text/plain", "", true},
		{"too long", strings.Repeat("y", MaxNameLength+1), "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseName([]byte(tt.body), tt.ctype)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseName() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("parseName() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRequestName_Registry(t *testing.T) {
	var calls atomic.Int32
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		gotPath = r.URL.RequestURI()
		if n == 1 {
			http.Error(w, "not registered", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"name":"greenhouse"}`))
	}))
	defer srv.Close()

	state := testState(t)
	ctx := context.Background()
	r := New(Config{RegistryURL: srv.URL + "/devices/{id}/name"}, "dev 1", nil, state, nil)

	r.RequestName(ctx)
	if r.Name() != "" {
		t.Fatalf("Name() = %q after 404", r.Name())
	}
	r.RequestName(ctx)
	if r.Name() != "greenhouse" {
		t.Fatalf("Name() = %q, want greenhouse", r.Name())
	}
	if gotPath != "/devices/dev%201/name" {
		t.Errorf("request path = %q", gotPath)
	}

	r.RequestName(ctx)
	if calls.Load() != 2 {
		t.Errorf("registry called %d times, want 2", calls.Load())
	}

	// Cached across restarts.
	r2 := New(Config{RegistryURL: srv.URL + "/unused"}, "dev 1", nil, state, nil)
	if err := r2.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if r2.Name() != "greenhouse" {
		t.Errorf("restored Name() = %q", r2.Name())
	}
}

func TestRegistryURL_QueryParameter(t *testing.T) {
	r := New(Config{RegistryURL: "http://registry.local/lookup?fmt=text"}, "abc", nil, nil, nil)
	if got := r.registryURL(); got != "http://registry.local/lookup?fmt=text&id=abc" {
		t.Errorf("registryURL() = %q", got)
	}
}

func TestStaticName(t *testing.T) {
	r := New(Config{Static: " porch ", RegistryURL: "http://127.0.0.1:1/never"}, "dev", nil, nil, nil)
	if r.Name() != "porch" {
		t.Errorf("Name() = %q", r.Name())
	}
	r.RequestName(context.Background())
	if r.Name() != "porch" {
		t.Errorf("Name() changed to %q", r.Name())
	}
}

func TestRequestName_NoRegistry(t *testing.T) {
	r := New(Config{}, "dev", nil, nil, nil)
	r.RequestName(context.Background())
	if r.Name() != "" {
		t.Errorf("Name() = %q", r.Name())
	}
}
