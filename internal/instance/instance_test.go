package instance

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/ini.v1"

	"github.com/kvolkov/couchpack/internal/runctx"
)

const vmArgsTemplate = `# Erlang VM settings
-name couchdb@127.0.0.1
-setcookie monster
+K true
`

func fixtureTemplates(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "default.ini"), []byte("[couchdb]\nmax_dbs_open = 500\n"), 0o644); err != nil {
		t.Fatalf("write default.ini: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "vm.args"), []byte(vmArgsTemplate), 0o644); err != nil {
		t.Fatalf("write vm.args: %v", err)
	}
	return dir
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-couchdb")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func provisionTest(t *testing.T, opts Options) (*Instance, *runctx.RunCtx) {
	t.Helper()
	rc, err := runctx.New("couchpack_test", false)
	if err != nil {
		t.Fatalf("runctx: %v", err)
	}
	t.Cleanup(func() { _ = rc.Cleanup() })
	opts.TemplateDir = fixtureTemplates(t)
	inst, err := Provision(rc, opts)
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	return inst, rc
}

func TestProvision(t *testing.T) {
	inst, _ := provisionTest(t, Options{})

	for _, d := range []string{inst.ConfigDir, inst.OverridesDir, inst.DataDir} {
		if st, err := os.Stat(d); err != nil || !st.IsDir() {
			t.Fatalf("missing dir %s: %v", d, err)
		}
	}

	vmargs, err := os.ReadFile(filepath.Join(inst.ConfigDir, "vm.args"))
	if err != nil {
		t.Fatalf("read staged vm.args: %v", err)
	}
	if want := "-name couchpack@127.0.0.1"; !containsLine(string(vmargs), want) {
		t.Fatalf("node name not rewritten, got:\n%s", vmargs)
	}
	if containsLine(string(vmargs), "-name couchdb@127.0.0.1") {
		t.Fatalf("template node name survived rewrite")
	}

	if len(inst.AdminPassword) != 10 {
		t.Fatalf("password length %d", len(inst.AdminPassword))
	}
	if inst.Port == 0 || inst.InternalPort == 0 || inst.Port == inst.InternalPort {
		t.Fatalf("bad ports: %d %d", inst.Port, inst.InternalPort)
	}

	ov, err := ini.Load(filepath.Join(inst.OverridesDir, "10-couchpack.ini"))
	if err != nil {
		t.Fatalf("load overrides: %v", err)
	}
	if got := ov.Section("chttpd").Key("port").MustInt(0); got != inst.Port {
		t.Fatalf("chttpd port %d != %d", got, inst.Port)
	}
	if got := ov.Section("couchdb").Key("database_dir").String(); got != inst.DataDir {
		t.Fatalf("database_dir %q", got)
	}
	if got := ov.Section("admins").Key("root").String(); got != inst.AdminPassword {
		t.Fatalf("admin credential not written")
	}

	u, err := url.Parse(inst.BaseURL)
	if err != nil {
		t.Fatalf("base url: %v", err)
	}
	if pw, _ := u.User.Password(); pw != inst.AdminPassword || u.User.Username() != "root" {
		t.Fatalf("base url credentials wrong: %s", inst.BaseURL)
	}
}

func containsLine(s, line string) bool {
	for _, l := range strings.Split(s, "\n") {
		if l == line {
			return true
		}
	}
	return false
}

func TestStartFailsFastOnChildExit(t *testing.T) {
	inst, _ := provisionTest(t, Options{Binary: writeScript(t, "exit 1\n")})

	begin := time.Now()
	err := inst.Start(context.Background())
	if err == nil {
		t.Fatalf("expected startup error")
	}
	if elapsed := time.Since(begin); elapsed > 2*time.Second {
		t.Fatalf("should fail within one poll cycle, took %v", elapsed)
	}
}

func TestStartTimesOutAndTerminatesChild(t *testing.T) {
	inst, _ := provisionTest(t, Options{
		Binary:       writeScript(t, "sleep 60\n"),
		PollAttempts: 3,
		PollInterval: 50 * time.Millisecond,
	})

	begin := time.Now()
	err := inst.Start(context.Background())
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if elapsed := time.Since(begin); elapsed > 3*time.Second {
		t.Fatalf("timeout took too long: %v", elapsed)
	}
	// Start terminated the child already; Stop must be an immediate no-op.
	begin = time.Now()
	if err := inst.Stop(); err != nil {
		t.Fatalf("stop after failed start: %v", err)
	}
	if time.Since(begin) > time.Second {
		t.Fatalf("stop blocked on an already-terminated child")
	}
}

func TestStartSucceedsAgainstWelcome(t *testing.T) {
	inst, _ := provisionTest(t, Options{
		Binary:       writeScript(t, "sleep 60\n"),
		PollAttempts: 25,
		PollInterval: 50 * time.Millisecond,
	})

	// Stand in for the engine's HTTP side on the port the instance picked.
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", inst.Port))
	if err != nil {
		t.Fatalf("listen on instance port: %v", err)
	}
	defer l.Close()
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"couchdb":"Welcome","version":"3.3.2"}`))
	})}
	go srv.Serve(l)
	defer srv.Close()

	if err := inst.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if inst.Version != "3.3.2" {
		t.Fatalf("version not recorded: %q", inst.Version)
	}
	if err := inst.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := inst.Stop(); err != nil {
		t.Fatalf("second stop should be a no-op: %v", err)
	}
}
