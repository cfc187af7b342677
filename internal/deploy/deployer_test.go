package deploy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"testing"
	"time"
)

type fakeProxy struct {
	testErr   error
	reloadErr error
	tests     int
	reloads   int
	onTest    func()
}

func (p *fakeProxy) Test(context.Context) error {
	p.tests++
	if p.onTest != nil {
		p.onTest()
	}
	return p.testErr
}

func (p *fakeProxy) Reload(context.Context) error {
	p.reloads++
	return p.reloadErr
}

func artifact(dir, name, body string) Artifact {
	return Artifact{
		Name:     name,
		LivePath: filepath.Join(dir, name+".map"),
		TempPath: filepath.Join(dir, name+".map.tmp"),
		Body:     []byte(body),
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestDeploySwapsAndReloads(t *testing.T) {
	dir := t.TempDir()
	primary := artifact(dir, "bot_ips", "10.0.0.0/24 1;\n")
	overflow := artifact(dir, "bot_ips_overflow", "")

	proxy := &fakeProxy{}
	if err := NewDeployer(proxy).Deploy(context.Background(), primary, overflow); err != nil {
		t.Fatalf("Deploy returned error: %v", err)
	}

	if got := readFile(t, primary.LivePath); got != "10.0.0.0/24 1;\n" {
		t.Fatalf("primary = %q", got)
	}
	if got := readFile(t, overflow.LivePath); got != "" {
		t.Fatalf("overflow = %q", got)
	}
	if proxy.tests != 1 || proxy.reloads != 1 {
		t.Fatalf("tests=%d reloads=%d, want 1/1", proxy.tests, proxy.reloads)
	}
	if names := listDir(t, dir); len(names) != 2 {
		t.Fatalf("unexpected files left behind: %v", names)
	}

	info, err := os.Stat(primary.LivePath)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if runtime.GOOS != "windows" && info.Mode().Perm() != 0o644 {
		t.Fatalf("mode = %v, want 0644", info.Mode().Perm())
	}
}

func TestDeployValidationFailureLeavesLiveFilesUntouched(t *testing.T) {
	dir := t.TempDir()
	primary := artifact(dir, "bot_ips", "10.0.0.0/24 1;\n")
	if err := os.WriteFile(primary.LivePath, []byte("192.0.2.1 1;\n"), 0o644); err != nil {
		t.Fatalf("seed live file: %v", err)
	}

	cause := errors.New("unexpected \";\" in bot_ips.map:1")
	proxy := &fakeProxy{testErr: cause}
	proxy.onTest = func() {
		// Drafts exist while the proxy validates.
		if n := len(listDir(t, dir)); n != 2 {
			t.Errorf("expected live file plus one draft during validation, got %d files", n)
		}
	}

	err := NewDeployer(proxy).Deploy(context.Background(), primary)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("error = %v, want ErrValidation", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("error = %v, should wrap the proxy error", err)
	}
	var stageErr *StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != StageValidate {
		t.Fatalf("error = %#v, want validate StageError", err)
	}

	if got := readFile(t, primary.LivePath); got != "192.0.2.1 1;\n" {
		t.Fatalf("live file changed to %q", got)
	}
	if names := listDir(t, dir); len(names) != 1 {
		t.Fatalf("drafts not cleaned up: %v", names)
	}
	if proxy.reloads != 0 {
		t.Fatalf("proxy reloaded after failed validation")
	}
}

func TestDeployReloadFailureKeepsSwappedFiles(t *testing.T) {
	dir := t.TempDir()
	primary := artifact(dir, "bot_ips", "10.0.0.0/24 1;\n")

	err := NewDeployer(&fakeProxy{reloadErr: errors.New("signal failed")}).Deploy(context.Background(), primary)
	if !errors.Is(err, ErrReload) {
		t.Fatalf("error = %v, want ErrReload", err)
	}
	if got := readFile(t, primary.LivePath); got != "10.0.0.0/24 1;\n" {
		t.Fatalf("live file = %q, want the new body", got)
	}
}

func TestDeployFallsBackToOverwriteWhenBusy(t *testing.T) {
	for _, errno := range []syscall.Errno{syscall.EBUSY, syscall.EXDEV} {
		dir := t.TempDir()
		primary := artifact(dir, "whitelist", "203.0.113.7 0;\n")
		if err := os.WriteFile(primary.LivePath, []byte("old\n"), 0o644); err != nil {
			t.Fatalf("seed live file: %v", err)
		}

		d := NewDeployer(&fakeProxy{})
		d.rename = func(oldpath, newpath string) error {
			return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: errno}
		}

		if err := d.Deploy(context.Background(), primary); err != nil {
			t.Fatalf("%v: Deploy returned error: %v", errno, err)
		}
		if got := readFile(t, primary.LivePath); got != "203.0.113.7 0;\n" {
			t.Fatalf("%v: live file = %q", errno, got)
		}
		if names := listDir(t, dir); len(names) != 1 {
			t.Fatalf("%v: draft left behind: %v", errno, names)
		}
	}
}

func TestDeploySwapFailureRemovesDrafts(t *testing.T) {
	dir := t.TempDir()
	primary := artifact(dir, "bot_ips", "10.0.0.0/24 1;\n")

	proxy := &fakeProxy{}
	d := NewDeployer(proxy)
	d.rename = func(oldpath, newpath string) error {
		return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: syscall.EACCES}
	}

	err := d.Deploy(context.Background(), primary)
	if !errors.Is(err, ErrSwap) || !errors.Is(err, syscall.EACCES) {
		t.Fatalf("error = %v, want ErrSwap wrapping EACCES", err)
	}
	if names := listDir(t, dir); len(names) != 0 {
		t.Fatalf("drafts not cleaned up: %v", names)
	}
	if proxy.reloads != 0 {
		t.Fatalf("proxy reloaded after failed swap")
	}
}

func TestDeployDraftFailure(t *testing.T) {
	dir := t.TempDir()
	bad := Artifact{
		Name:     "bot_ips",
		LivePath: filepath.Join(dir, "bot_ips.map"),
		TempPath: filepath.Join(dir, "missing", "bot_ips.map.tmp"),
		Body:     []byte("x"),
	}

	proxy := &fakeProxy{}
	err := NewDeployer(proxy).Deploy(context.Background(), bad)
	if !errors.Is(err, ErrDraft) {
		t.Fatalf("error = %v, want ErrDraft", err)
	}
	if proxy.tests != 0 {
		t.Fatalf("proxy validated after draft failure")
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not available on windows")
	}
	path := filepath.Join(t.TempDir(), "nginx")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestNginxReportsOutputOnFailure(t *testing.T) {
	bin := writeScript(t, `if [ "$1" = "-t" ]; then echo "configuration file test failed" >&2; exit 1; fi
exit 0
`)
	n := NewNginx(bin, time.Second)

	err := n.Test(context.Background())
	if err == nil || !strings.Contains(err.Error(), "configuration file test failed") {
		t.Fatalf("Test error = %v", err)
	}
	if err := n.Reload(context.Background()); err != nil {
		t.Fatalf("Reload returned error: %v", err)
	}
}

func TestNginxTimeout(t *testing.T) {
	bin := writeScript(t, "sleep 5\n")
	n := NewNginx(bin, 100*time.Millisecond)

	start := time.Now()
	err := n.Test(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want deadline exceeded", err)
	}
	if time.Since(start) > 4*time.Second {
		t.Fatalf("timeout not enforced")
	}
}

func TestNewNginxDefaults(t *testing.T) {
	n := NewNginx(" ", 0)
	if n.Bin != DefaultNginxBin || n.Timeout != DefaultProxyTimeout {
		t.Fatalf("defaults = %+v", n)
	}
}

func TestRemoveStaleDrafts(t *testing.T) {
	dir := t.TempDir()
	primary := artifact(dir, "bot_ips", "")

	stale := filepath.Join(dir, "bot_ips.map.tmp.111")
	fresh := filepath.Join(dir, "bot_ips.map.tmp.222")
	for _, p := range []string{stale, fresh, primary.LivePath} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", p, err)
		}
	}
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	if err := os.Chtimes(primary.LivePath, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	removed, err := RemoveStaleDrafts(time.Hour, primary)
	if err != nil {
		t.Fatalf("RemoveStaleDrafts returned error: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("stale draft still present")
	}
	for _, p := range []string{fresh, primary.LivePath} {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("%s should survive: %v", p, err)
		}
	}
}
