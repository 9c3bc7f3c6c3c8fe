// Package hypervisor launches and watches the QEMU guest process.
package hypervisor

import (
	"fmt"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// guestControlPort is the fixed port the internal controller listens on
// inside the guest; the host forwards an ephemeral TCP port to it.
const guestControlPort = 39019

// Utilization is one sample of the guest process.
type Utilization struct {
	CPUFraction     float64 // 0..1 of the allocated cores
	CPUAllocated    float64 // cores given to the guest
	MemoryUsedMiB   float64 // resident set
	MemoryAllocated float64 // MiB given to the guest
}

// QEMU drives a single guest VM subprocess.
type QEMU struct {
	binary    string
	coreCount int
	memoryMiB int
	imagePath string
	logger    *zap.Logger

	mu   sync.Mutex
	cmd  *exec.Cmd
	proc *process.Process
	dead atomic.Bool
}

// New configures a driver; the guest is not started until Run.
func New(binary string, coreCount, memoryMiB int, imagePath string, logger *zap.Logger) *QEMU {
	if binary == "" || binary == "undefined" {
		binary = "qemu-system-x86_64"
	}
	return &QEMU{
		binary:    binary,
		coreCount: coreCount,
		memoryMiB: memoryMiB,
		imagePath: imagePath,
		logger:    logger,
	}
}

// Args builds the argv for the guest process: SMP and memory sizing, the raw
// disk image, a user-mode NIC forwarding host forwardedPort to the guest's
// control port, KVM acceleration, and no display.
func (q *QEMU) Args(forwardedPort int) []string {
	return []string{
		"-smp", strconv.Itoa(q.coreCount),
		"-m", strconv.Itoa(q.memoryMiB),
		"-drive", fmt.Sprintf("format=raw,file=%s", q.imagePath),
		"-nic", fmt.Sprintf("user,model=virtio-net-pci,hostfwd=tcp::%d-:%d", forwardedPort, guestControlPort),
		"-enable-kvm",
		"-display", "none",
	}
}

// Run spawns the guest. Standard streams are piped so QEMU never blocks on a
// terminal, but nothing consumes them.
func (q *QEMU) Run(forwardedPort int) error {
	return q.start(q.Args(forwardedPort)...)
}

func (q *QEMU) start(args ...string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cmd != nil {
		return fmt.Errorf("hypervisor: guest already running")
	}

	cmd := exec.Command(q.binary, args...)
	if _, err := cmd.StdinPipe(); err != nil {
		return fmt.Errorf("hypervisor: stdin pipe: %w", err)
	}
	if _, err := cmd.StdoutPipe(); err != nil {
		return fmt.Errorf("hypervisor: stdout pipe: %w", err)
	}
	if _, err := cmd.StderrPipe(); err != nil {
		return fmt.Errorf("hypervisor: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("hypervisor: start %s: %w", q.binary, err)
	}

	proc, err := process.NewProcess(int32(cmd.Process.Pid))
	if err != nil {
		cmd.Process.Kill()
		return fmt.Errorf("hypervisor: attach to pid %d: %w", cmd.Process.Pid, err)
	}

	q.cmd = cmd
	q.proc = proc
	q.logger.Info("Guest VM started",
		zap.Int("pid", cmd.Process.Pid),
		zap.Int("cores", q.coreCount),
		zap.Int("memory_mib", q.memoryMiB),
	)

	go func() {
		err := cmd.Wait()
		q.dead.Store(true)
		q.logger.Warn("Guest VM process exited", zap.Error(err))
	}()
	return nil
}

// Dead reports whether the guest process has exited.
func (q *QEMU) Dead() bool {
	return q.dead.Load()
}

// Utilization samples the guest process across interval. A guest that is not
// running yields zeros and marks the driver dead.
func (q *QEMU) Utilization(interval time.Duration) Utilization {
	out := Utilization{
		CPUAllocated:    float64(q.coreCount),
		MemoryAllocated: float64(q.memoryMiB),
	}

	q.mu.Lock()
	proc := q.proc
	q.mu.Unlock()
	if proc == nil || q.dead.Load() {
		q.dead.Store(true)
		return Utilization{}
	}

	percent, err := proc.Percent(interval)
	if err != nil {
		q.dead.Store(true)
		return Utilization{}
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		q.dead.Store(true)
		return Utilization{}
	}

	// Percent is relative to one core; normalize to the allocation.
	out.CPUFraction = percent / 100 / float64(q.coreCount)
	if out.CPUFraction > 1 {
		out.CPUFraction = 1
	}
	out.MemoryUsedMiB = float64(mem.RSS) / (1024 * 1024)
	if out.MemoryUsedMiB > out.MemoryAllocated {
		out.MemoryUsedMiB = out.MemoryAllocated
	}
	return out
}

// Kill terminates the guest. Safe to call repeatedly and before Run.
func (q *QEMU) Kill() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cmd == nil || q.cmd.Process == nil {
		return
	}
	if err := q.cmd.Process.Kill(); err != nil {
		q.logger.Debug("Guest kill", zap.Error(err))
	}
	q.dead.Store(true)
}
