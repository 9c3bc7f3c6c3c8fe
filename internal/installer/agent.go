package installer

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/goccy/go-yaml"
	"go.uber.org/zap"

	"github.com/tpc-cloud/worker-node/internal/wire"
)

// Cluster agent paths.
const (
	agentBinaryPath    = "/usr/local/bin/k3s"
	agentUninstallPath = "/usr/local/bin/k3s-uninstall.sh"
	agentInstallerPath = "/usr/local/share/k3s-install.sh"
	agentUnitName      = "k3s-agent"
	registriesPath     = "/etc/rancher/k3s/registries.yaml"
	meshName           = "tailscale"
)

// AgentArgs composes the cluster agent invocation: join token and server,
// the node name, kubelet flags disabling per-QoS cgroups and
// node-allocatable enforcement, and the mesh join parameters.
func AgentArgs(nodeName string, reg wire.RegistrationDetails) []string {
	return []string{
		"agent",
		"--token", reg.K8SToken,
		"--server", fmt.Sprintf("https://%s:%d", reg.K8SIP, reg.K8SPort),
		"--node-name", nodeName,
		"--kubelet-arg=cgroups-per-qos=false",
		"--kubelet-arg=enforce-node-allocatable=",
		fmt.Sprintf("--vpn-auth=name=%s,joinKey=%s,controlServerURL=https://%s:%d",
			meshName, reg.VPNToken, reg.VPNIP, reg.VPNPort),
	}
}

// InstallClusterAgent installs the cluster agent and starts its unit.
//
// A leftover install is removed through its own uninstall script first; that
// script also deletes the agent binary the image ships, so the binary is
// parked aside and restored (SKIP_DOWNLOAD would otherwise have nothing to
// run). The unit carries a stale INVOCATION_ID override after an image-build
// start, which is cleared before starting.
func (i *Installer) InstallClusterAgent(nodeName string, reg wire.RegistrationDetails) error {
	uninstall := i.path(agentUninstallPath)
	binary := i.path(agentBinaryPath)
	if _, err := os.Stat(uninstall); err == nil {
		parked := binary + ".keep"
		if err := copyBack(binary, parked); err != nil {
			return fmt.Errorf("agent: park binary: %w", err)
		}
		if _, err := i.run("sh", uninstall); err != nil {
			return fmt.Errorf("agent: uninstall previous: %w", err)
		}
		if err := copyBack(parked, binary); err != nil {
			return fmt.Errorf("agent: restore binary: %w", err)
		}
		os.Remove(parked)
	}

	installArgs := append([]string{i.path(agentInstallerPath)}, AgentArgs(nodeName, reg)...)
	if _, err := i.runWithEnv([]string{"INSTALL_K3S_SKIP_START=true", "INSTALL_K3S_SKIP_DOWNLOAD=true"},
		"sh", installArgs...); err != nil {
		return fmt.Errorf("agent: installer: %w", err)
	}

	if _, err := i.run("systemctl", "set-environment", "INVOCATION_ID="); err != nil {
		return fmt.Errorf("agent: clear invocation id: %w", err)
	}
	if _, err := i.run("systemctl", "start", agentUnitName); err != nil {
		return fmt.Errorf("agent: start unit: %w", err)
	}
	i.logger.Info("Cluster agent started", zap.String("node_name", nodeName))
	return nil
}

// registriesFile is the agent's registry-credentials schema (the subset this
// system writes).
type registriesFile struct {
	Configs map[string]registryConfig `yaml:"configs"`
}

type registryConfig struct {
	Auth registryAuth `yaml:"auth"`
}

type registryAuth struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// WriteRegistryCredentials persists pull credentials for a registry so the
// agent's runtime can authenticate image pulls.
func (i *Installer) WriteRegistryCredentials(registry, username, password string) error {
	out := registriesFile{Configs: map[string]registryConfig{
		registry: {Auth: registryAuth{Username: username, Password: password}},
	}}
	data, err := yaml.Marshal(out)
	if err != nil {
		return fmt.Errorf("registry credentials: %w", err)
	}
	target := i.path(registriesPath)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("registry credentials: %w", err)
	}
	if err := os.WriteFile(target, data, 0o600); err != nil {
		return fmt.Errorf("registry credentials: %w", err)
	}
	// The agent reads the file at startup only.
	if _, err := i.run("systemctl", "restart", agentUnitName); err != nil {
		return fmt.Errorf("registry credentials: restart agent: %w", err)
	}
	return nil
}

// PullImage fetches an image through the agent's container runtime and
// returns the runtime's output.
func (i *Installer) PullImage(image, version string) (string, error) {
	out, err := i.run("k3s", "crictl", "pull", image+":"+version)
	if err != nil {
		return out, fmt.Errorf("pull %s:%s: %w", image, version, err)
	}
	return out, nil
}

func (i *Installer) runWithEnv(env []string, name string, args ...string) (string, error) {
	if i.runEnv != nil {
		return i.runEnv(env, name, args...)
	}
	cmd := exec.Command(name, args...)
	cmd.Env = append(os.Environ(), env...)
	out, err := cmd.CombinedOutput()
	return string(out), err
}

func realRun(name string, args ...string) (string, error) {
	out, err := exec.Command(name, args...).CombinedOutput()
	return string(out), err
}

func copyBack(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o755)
}
