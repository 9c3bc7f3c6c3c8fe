package installer

import (
	"archive/tar"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/tpc-cloud/worker-node/internal/wire"
)

// fakeExec records invocations and answers them from a script of outcomes.
type fakeExec struct {
	calls []string
	fail  map[string]error // command prefix -> error
}

func (f *fakeExec) run(name string, args ...string) (string, error) {
	call := strings.Join(append([]string{name}, args...), " ")
	f.calls = append(f.calls, call)
	for prefix, err := range f.fail {
		if strings.HasPrefix(call, prefix) {
			return "", err
		}
	}
	return "", nil
}

func (f *fakeExec) called(prefix string) bool {
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

func writeMeshArchive(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tailscale_amd64.tgz")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	files := map[string]string{
		"tailscale_amd64/tailscale":                   "client-bin",
		"tailscale_amd64/tailscaled":                  "daemon-bin",
		"tailscale_amd64/systemd/tailscaled.service":  "[Unit]",
		"tailscale_amd64/systemd/tailscaled.defaults": "FLAGS=",
	}
	for name, body := range files {
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o755, Size: int64(len(body))}); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	tw.Close()
	gz.Close()
	f.Close()
	return path
}

func newTestInstaller(t *testing.T, exec *fakeExec) *Installer {
	t.Helper()
	return &Installer{
		run:         exec.run,
		fsRoot:      t.TempDir(),
		archivePath: writeMeshArchive(t),
		logger:      zap.NewNop(),
	}
}

func TestInstallMeshFresh(t *testing.T) {
	exec := &fakeExec{}
	inst := newTestInstaller(t, exec)
	// is-active fails until the service has been started.
	active := false
	inst.run = func(name string, args ...string) (string, error) {
		call := strings.Join(append([]string{name}, args...), " ")
		exec.calls = append(exec.calls, call)
		if strings.HasPrefix(call, "systemctl is-active") {
			if !active {
				return "", fmt.Errorf("inactive")
			}
			return "", nil
		}
		if strings.HasPrefix(call, "systemctl start") {
			active = true
		}
		return "", nil
	}

	if err := inst.InstallMesh(); err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{
		"systemctl unmask tailscaled.service",
		"systemctl enable tailscaled",
		"systemctl start tailscaled",
		"tailscale down",
	} {
		if !exec.called(want) {
			t.Errorf("missing invocation %q in %v", want, exec.calls)
		}
	}

	for path, body := range map[string]string{
		meshClientPath:   "client-bin",
		meshDaemonPath:   "daemon-bin",
		meshUnitPath:     "[Unit]",
		meshDefaultsPath: "FLAGS=",
	} {
		data, err := os.ReadFile(filepath.Join(inst.fsRoot, path))
		if err != nil {
			t.Fatalf("%s not installed: %v", path, err)
		}
		if string(data) != body {
			t.Errorf("%s content = %q", path, data)
		}
	}
}

func TestInstallMeshAlreadyActive(t *testing.T) {
	exec := &fakeExec{}
	inst := newTestInstaller(t, exec)

	if err := inst.InstallMesh(); err != nil {
		t.Fatal(err)
	}
	if !exec.called("tailscale down") {
		t.Error("active daemon must still be brought down")
	}
	if exec.called("systemctl enable") {
		t.Error("active daemon must not be reinstalled")
	}
	if _, err := os.Stat(filepath.Join(inst.fsRoot, meshClientPath)); err == nil {
		t.Error("binaries copied despite active daemon")
	}
}

func TestInstallMeshStartFailure(t *testing.T) {
	exec := &fakeExec{fail: map[string]error{
		"systemctl is-active": fmt.Errorf("inactive"),
		"systemctl start":     fmt.Errorf("unit failed"),
	}}
	inst := newTestInstaller(t, exec)
	if err := inst.InstallMesh(); err == nil {
		t.Fatal("expected error when service start fails")
	}
}

func TestAgentArgs(t *testing.T) {
	reg := wire.RegistrationDetails{
		K8SToken: "tok-abc", K8SIP: "100.64.0.1", K8SPort: 6443,
		VPNToken: "join-xyz", VPNIP: "100.64.0.2", VPNPort: 8443,
	}
	line := strings.Join(AgentArgs("worker-7", reg), " ")
	for _, want := range []string{
		"agent",
		"--token tok-abc",
		"--server https://100.64.0.1:6443",
		"--node-name worker-7",
		"--kubelet-arg=cgroups-per-qos=false",
		"--kubelet-arg=enforce-node-allocatable=",
		`--vpn-auth=name=tailscale,joinKey=join-xyz,controlServerURL=https://100.64.0.2:8443`,
	} {
		if !strings.Contains(line, want) {
			t.Errorf("agent args missing %q: %s", want, line)
		}
	}
}

func TestInstallClusterAgentFresh(t *testing.T) {
	exec := &fakeExec{}
	inst := newTestInstaller(t, exec)
	var envSeen []string
	inst.runEnv = func(env []string, name string, args ...string) (string, error) {
		envSeen = env
		return exec.run(name, args...)
	}

	err := inst.InstallClusterAgent("worker-7", wire.RegistrationDetails{
		K8SToken: "t", K8SIP: "1.2.3.4", K8SPort: 6443,
		VPNToken: "v", VPNIP: "5.6.7.8", VPNPort: 8443,
	})
	if err != nil {
		t.Fatal(err)
	}

	joined := strings.Join(envSeen, " ")
	if !strings.Contains(joined, "INSTALL_K3S_SKIP_START=true") || !strings.Contains(joined, "INSTALL_K3S_SKIP_DOWNLOAD=true") {
		t.Errorf("installer env = %v", envSeen)
	}
	if !exec.called("systemctl set-environment INVOCATION_ID=") {
		t.Errorf("INVOCATION_ID not cleared: %v", exec.calls)
	}
	if !exec.called("systemctl start k3s-agent") {
		t.Errorf("agent unit not started: %v", exec.calls)
	}
	if exec.called("sh " + filepath.Join(inst.fsRoot, agentUninstallPath)) {
		t.Error("uninstall ran without a prior install")
	}
}

func TestInstallClusterAgentPreservesBinaryAcrossUninstall(t *testing.T) {
	exec := &fakeExec{}
	inst := newTestInstaller(t, exec)
	inst.runEnv = func(env []string, name string, args ...string) (string, error) {
		return exec.run(name, args...)
	}

	binary := filepath.Join(inst.fsRoot, agentBinaryPath)
	uninstall := filepath.Join(inst.fsRoot, agentUninstallPath)
	if err := os.MkdirAll(filepath.Dir(binary), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(binary, []byte("agent-elf"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(uninstall, []byte("#!/bin/sh"), 0o755); err != nil {
		t.Fatal(err)
	}

	// The real uninstall script deletes the binary; emulate that.
	inst.run = func(name string, args ...string) (string, error) {
		call := strings.Join(append([]string{name}, args...), " ")
		exec.calls = append(exec.calls, call)
		if name == "sh" && len(args) == 1 && args[0] == uninstall {
			os.Remove(binary)
		}
		return "", nil
	}

	err := inst.InstallClusterAgent("worker-7", wire.RegistrationDetails{K8SIP: "1.1.1.1", K8SPort: 6443})
	if err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(binary)
	if err != nil {
		t.Fatalf("binary not restored: %v", err)
	}
	if string(data) != "agent-elf" {
		t.Errorf("binary content = %q", data)
	}
	if !exec.called("sh " + uninstall) {
		t.Errorf("uninstall script not run: %v", exec.calls)
	}
}

func TestWriteRegistryCredentials(t *testing.T) {
	exec := &fakeExec{}
	inst := newTestInstaller(t, exec)

	if err := inst.WriteRegistryCredentials("registry.example.com", "bot", "hunter2"); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(inst.fsRoot, registriesPath))
	if err != nil {
		t.Fatal(err)
	}
	text := string(data)
	for _, want := range []string{"registry.example.com", "username: bot", "password: hunter2"} {
		if !strings.Contains(text, want) {
			t.Errorf("registries.yaml missing %q:\n%s", want, text)
		}
	}
	if !exec.called("systemctl restart k3s-agent") {
		t.Error("agent not restarted after credential change")
	}
}

func TestPullImage(t *testing.T) {
	exec := &fakeExec{}
	inst := newTestInstaller(t, exec)
	if _, err := inst.PullImage("nginx", "latest"); err != nil {
		t.Fatal(err)
	}
	if !exec.called("k3s crictl pull nginx:latest") {
		t.Errorf("pull not invoked: %v", exec.calls)
	}

	exec.fail = map[string]error{"k3s crictl pull": fmt.Errorf("manifest unknown")}
	if _, err := inst.PullImage("nginx", "nope"); err == nil {
		t.Error("expected pull error")
	}
}

func TestExtractBundleRejectsTraversal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "evil.tgz")
	f, _ := os.Create(path)
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	body := "pwned"
	tw.WriteHeader(&tar.Header{Name: "../outside", Mode: 0o644, Size: int64(len(body))})
	tw.Write([]byte(body))
	tw.Close()
	gz.Close()
	f.Close()

	dst := t.TempDir()
	if _, err := extractBundle(path, dst); err == nil {
		// Empty archives (all entries skipped) are an error too.
		t.Fatal("expected error for traversal-only archive")
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(dst), "outside")); err == nil {
		t.Fatal("traversal entry escaped the extraction root")
	}
}
