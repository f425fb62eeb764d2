package couch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func fakeServer(t *testing.T) (*httptest.Server, map[string]int64) {
	t.Helper()
	counts := map[string]int64{"alpha": 3, "_users": 1}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			w.Write([]byte(`{"couchdb":"Welcome","version":"3.3.2"}`))
			return
		}
		name := strings.TrimPrefix(r.URL.Path, "/")
		switch {
		case name == "_all_dbs":
			json.NewEncoder(w).Encode([]string{"_users", "alpha"})
		case r.Method == http.MethodPut:
			if _, ok := counts[name]; ok {
				w.WriteHeader(http.StatusPreconditionFailed)
				w.Write([]byte(`{"error":"file_exists"}`))
				return
			}
			counts[name] = 0
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"ok":true}`))
		case r.Method == http.MethodGet:
			n, ok := counts[name]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			json.NewEncoder(w).Encode(map[string]int64{"doc_count": n})
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, counts
}

func TestPingAndAllDBs(t *testing.T) {
	srv, _ := fakeServer(t)
	c := New(srv.URL + "/")
	if c.Base() != srv.URL {
		t.Fatalf("trailing slash not stripped: %q", c.Base())
	}
	body, version, err := c.Ping(context.Background())
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if !strings.Contains(body, WelcomeMarker) {
		t.Fatalf("welcome marker missing in %q", body)
	}
	if version != "3.3.2" {
		t.Fatalf("version: %q", version)
	}
	dbs, err := c.AllDBs(context.Background())
	if err != nil {
		t.Fatalf("all dbs: %v", err)
	}
	if len(dbs) != 2 || dbs[0] != "_users" || dbs[1] != "alpha" {
		t.Fatalf("unexpected listing: %v", dbs)
	}
}

func TestCreateDB(t *testing.T) {
	srv, counts := fakeServer(t)
	c := New(srv.URL)
	if err := c.CreateDB(context.Background(), "beta"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, ok := counts["beta"]; !ok {
		t.Fatalf("beta not created")
	}
	// existing database is not an error
	if err := c.CreateDB(context.Background(), "alpha"); err != nil {
		t.Fatalf("create existing: %v", err)
	}
}

func TestDocCount(t *testing.T) {
	srv, _ := fakeServer(t)
	c := New(srv.URL)
	n, err := c.DocCount(context.Background(), "alpha")
	if err != nil {
		t.Fatalf("doc count: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3, got %d", n)
	}
	if _, err := c.DocCount(context.Background(), "missing"); err == nil {
		t.Fatalf("expected error for missing db")
	}
}

func TestIsLocal(t *testing.T) {
	cases := map[string]bool{
		"http://localhost:5984":        true,
		"http://127.0.0.1:5984":        true,
		"http://[::1]:5984":            true,
		"http://couch.example.com":     false,
		"http://root:pw@10.0.0.5:5984": false,
	}
	for raw, want := range cases {
		if got := New(raw).IsLocal(); got != want {
			t.Fatalf("IsLocal(%s) = %v, want %v", raw, got, want)
		}
	}
}
