// Package machineid derives the stable identity a worker presents to the
// orchestrator.
package machineid

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/tpc-cloud/worker-node/internal/wire"
)

const machineIDPath = "/etc/machine-id"

// Details returns the node identity: hostname plus a machine identifier
// stable at least for the duration of a boot. The systemd machine id is
// preferred; a MAC-derived UUID is the fallback, and only a machine with
// neither gets a random per-boot id.
func Details() (wire.NodeDetails, error) {
	name, err := os.Hostname()
	if err != nil {
		return wire.NodeDetails{}, fmt.Errorf("machineid: hostname: %w", err)
	}
	return wire.NodeDetails{Name: name, ID: machineID()}, nil
}

func machineID() string {
	if data, err := os.ReadFile(machineIDPath); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id
		}
	}
	if mac := firstHardwareAddr(); mac != nil {
		return uuid.NewSHA1(uuid.NameSpaceOID, mac).String()
	}
	return uuid.New().String()
}

func firstHardwareAddr() net.HardwareAddr {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		return iface.HardwareAddr
	}
	return nil
}
