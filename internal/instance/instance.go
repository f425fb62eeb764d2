// Package instance provisions and runs a disposable local CouchDB used as a
// replication staging point. Each instance owns a unique temp directory, a
// fresh admin credential, two loopback ports and the spawned engine process.
package instance

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"gopkg.in/ini.v1"

	"github.com/kvolkov/couchpack/internal/couch"
	"github.com/kvolkov/couchpack/internal/runctx"
	"github.com/kvolkov/couchpack/internal/util/fs"
	"github.com/kvolkov/couchpack/internal/util/urlcred"
)

const (
	// DefaultTemplateDir is where a package-installed CouchDB keeps its
	// configuration templates.
	DefaultTemplateDir = "/opt/couchdb/etc"
	// DefaultBinary is the engine executable resolved via PATH.
	DefaultBinary = "couchdb"

	// Env contract with the engine: an Erlang VM argument file plus a list
	// of ini files/directories, core defaults first, staged overrides last.
	envArgsFile = "COUCHDB_ARGS_FILE"
	envIniFiles = "COUCHDB_INI_FILES"

	// Node name is rewritten to a canonical value so archives are portable
	// between hosts.
	nodeName = "couchpack@127.0.0.1"

	adminUser   = "root"
	passwordLen = 10

	// Readiness probe budget: 25 attempts at 200ms is ~5s.
	defaultPollAttempts = 25
	defaultPollInterval = 200 * time.Millisecond
)

// templateFiles are copied from the template dir into the staged config dir.
var templateFiles = []string{"default.ini", "vm.args"}

// Options tune provisioning; zero values select production defaults.
// Tests shrink the poll budget and point Binary/TemplateDir at fixtures.
type Options struct {
	TemplateDir  string
	Binary       string
	PollAttempts int
	PollInterval time.Duration
}

func (o *Options) fillDefaults() {
	if o.TemplateDir == "" {
		o.TemplateDir = DefaultTemplateDir
	}
	if o.Binary == "" {
		o.Binary = DefaultBinary
	}
	if o.PollAttempts == 0 {
		o.PollAttempts = defaultPollAttempts
	}
	if o.PollInterval == 0 {
		o.PollInterval = defaultPollInterval
	}
}

// Instance is a provisioned (and possibly running) staging server.
type Instance struct {
	ConfigDir     string
	OverridesDir  string
	DataDir       string
	LogPath       string
	AdminUser     string
	AdminPassword string
	Port          int    // chttpd, the API we talk to
	InternalPort  int    // backend httpd
	BaseURL       string // credential-bearing URL for Port
	Version       string // reported by the engine once started

	opts Options

	mu      sync.Mutex
	cmd     *exec.Cmd
	done    chan struct{}
	waitErr error
	stopped bool
}

// Provision stages a fresh instance under rc: directory layout, config
// templates, admin credential, two free loopback ports and the override ini
// wiring them all together. The engine is not started yet.
func Provision(rc *runctx.RunCtx, opts Options) (*Instance, error) {
	opts.fillDefaults()

	inst := &Instance{
		ConfigDir:    rc.Path("config"),
		OverridesDir: rc.Path("config", "overrides"),
		DataDir:      rc.Path("data"),
		LogPath:      rc.Path("couchdb.log"),
		AdminUser:    adminUser,
		opts:         opts,
	}
	for _, d := range []string{inst.ConfigDir, inst.OverridesDir, inst.DataDir} {
		if err := fs.MkdirP(d); err != nil {
			return nil, fmt.Errorf("provision: %w", err)
		}
	}

	for _, name := range templateFiles {
		src := filepath.Join(opts.TemplateDir, name)
		dst := filepath.Join(inst.ConfigDir, name)
		if name == "vm.args" {
			if err := copyVMArgs(src, dst); err != nil {
				return nil, fmt.Errorf("provision: %w", err)
			}
			continue
		}
		if err := fs.CopyFile(src, dst, 0o644); err != nil {
			return nil, fmt.Errorf("provision: copy template %s: %w", name, err)
		}
	}

	pw, err := randomPassword(passwordLen)
	if err != nil {
		return nil, fmt.Errorf("provision: %w", err)
	}
	inst.AdminPassword = pw

	ports, err := freePorts(2)
	if err != nil {
		return nil, fmt.Errorf("provision: %w", err)
	}
	inst.Port, inst.InternalPort = ports[0], ports[1]

	if err := inst.writeOverrides(); err != nil {
		return nil, fmt.Errorf("provision: %w", err)
	}

	base, err := urlcred.WithCredentials(fmt.Sprintf("http://127.0.0.1:%d", inst.Port), inst.AdminUser, inst.AdminPassword)
	if err != nil {
		return nil, fmt.Errorf("provision: %w", err)
	}
	inst.BaseURL = base
	return inst, nil
}

// copyVMArgs copies the VM argument template, rewriting the -name directive
// to the canonical node name.
func copyVMArgs(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("read template vm.args: %w", err)
	}
	lines := strings.Split(string(data), "\n")
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "-name ") {
			lines[i] = "-name " + nodeName
		}
	}
	return os.WriteFile(dst, []byte(strings.Join(lines, "\n")), 0o644)
}

// writeOverrides emits the staged local configuration: ports, storage paths
// and the admin credential. CouchDB hashes the plaintext admin entry on its
// first start.
func (inst *Instance) writeOverrides() error {
	f := ini.Empty()
	sec := f.Section("chttpd")
	sec.Key("port").SetValue(fmt.Sprintf("%d", inst.Port))
	sec.Key("bind_address").SetValue("127.0.0.1")
	sec = f.Section("httpd")
	sec.Key("port").SetValue(fmt.Sprintf("%d", inst.InternalPort))
	sec.Key("bind_address").SetValue("127.0.0.1")
	sec = f.Section("couchdb")
	sec.Key("database_dir").SetValue(inst.DataDir)
	sec.Key("view_index_dir").SetValue(inst.DataDir)
	f.Section("admins").Key(inst.AdminUser).SetValue(inst.AdminPassword)
	return f.SaveTo(filepath.Join(inst.OverridesDir, "10-couchpack.ini"))
}

// Start launches the engine and waits for it to answer the root endpoint
// with the welcome marker. The child's combined output goes to LogPath.
// On failure the child, if still alive, is terminated before returning.
func (inst *Instance) Start(ctx context.Context) error {
	inst.mu.Lock()
	if inst.cmd != nil {
		inst.mu.Unlock()
		return fmt.Errorf("instance already started")
	}

	lf, err := os.Create(inst.LogPath)
	if err != nil {
		inst.mu.Unlock()
		return fmt.Errorf("startup: %w", err)
	}

	cmd := exec.Command(inst.opts.Binary)
	cmd.Env = append(os.Environ(),
		envArgsFile+"="+filepath.Join(inst.ConfigDir, "vm.args"),
		envIniFiles+"="+filepath.Join(inst.ConfigDir, "default.ini")+" "+inst.OverridesDir,
	)
	cmd.Stdout = lf
	cmd.Stderr = lf

	if err := cmd.Start(); err != nil {
		_ = lf.Close()
		inst.mu.Unlock()
		return fmt.Errorf("startup: spawn %s: %w", inst.opts.Binary, err)
	}
	inst.cmd = cmd
	inst.done = make(chan struct{})
	go func() {
		inst.waitErr = cmd.Wait()
		_ = lf.Close()
		close(inst.done)
	}()
	inst.mu.Unlock()

	version, err := inst.waitReady(ctx)
	if err != nil {
		_ = inst.Stop()
		return err
	}
	inst.Version = version
	return nil
}

// waitReady polls the root endpoint. An early child exit fails within one
// poll cycle; a body without the marker fails immediately; otherwise the
// attempt budget bounds the wait at roughly attempts*interval.
func (inst *Instance) waitReady(ctx context.Context) (string, error) {
	client := couch.New(inst.BaseURL)
	for i := 0; i < inst.opts.PollAttempts; i++ {
		select {
		case <-inst.done:
			return "", fmt.Errorf("startup: %s exited before becoming ready (wait: %v, log: %s)", inst.opts.Binary, inst.waitErr, inst.LogPath)
		default:
		}

		body, version, err := client.Ping(ctx)
		if err == nil {
			if !strings.Contains(body, couch.WelcomeMarker) {
				return "", fmt.Errorf("startup: unexpected root response (no welcome marker): %s", strings.TrimSpace(body))
			}
			return version, nil
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("startup: %w", ctx.Err())
		case <-inst.done:
			return "", fmt.Errorf("startup: %s exited before becoming ready (wait: %v, log: %s)", inst.opts.Binary, inst.waitErr, inst.LogPath)
		case <-time.After(inst.opts.PollInterval):
		}
	}
	return "", fmt.Errorf("startup: no welcome from %s after %d attempts (log: %s)", inst.BaseAddr(), inst.opts.PollAttempts, inst.LogPath)
}

// BaseAddr returns the instance address without credentials, for messages.
func (inst *Instance) BaseAddr() string {
	return fmt.Sprintf("http://127.0.0.1:%d", inst.Port)
}

// Stop terminates the engine and blocks until the process exits.
// Calling it on a never-started or already-stopped instance is a no-op.
func (inst *Instance) Stop() error {
	inst.mu.Lock()
	if inst.stopped || inst.cmd == nil {
		inst.stopped = true
		inst.mu.Unlock()
		return nil
	}
	inst.stopped = true
	cmd, done := inst.cmd, inst.done
	inst.mu.Unlock()

	// Signal failure means the process already exited on its own; the wait
	// goroutine closes done either way.
	_ = cmd.Process.Signal(syscall.SIGTERM)
	<-done
	return nil
}
