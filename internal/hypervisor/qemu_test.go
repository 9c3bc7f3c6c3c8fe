package hypervisor

import (
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestArgs(t *testing.T) {
	q := New("/opt/qemu/qemu-system-x86_64", 4, 4096, "/var/lib/tpc/guest.img", zap.NewNop())
	args := strings.Join(q.Args(40111), " ")

	for _, want := range []string{
		"-smp 4",
		"-m 4096",
		"format=raw,file=/var/lib/tpc/guest.img",
		"user,model=virtio-net-pci,hostfwd=tcp::40111-:39019",
		"-enable-kvm",
		"-display none",
	} {
		if !strings.Contains(args, want) {
			t.Errorf("args missing %q: %s", want, args)
		}
	}
}

func TestDefaultBinary(t *testing.T) {
	if q := New("", 1, 512, "img", zap.NewNop()); q.binary != "qemu-system-x86_64" {
		t.Errorf("binary = %q", q.binary)
	}
	if q := New("undefined", 1, 512, "img", zap.NewNop()); q.binary != "qemu-system-x86_64" {
		t.Errorf("binary = %q", q.binary)
	}
}

func TestUtilizationBeforeRun(t *testing.T) {
	q := New("", 2, 1024, "img", zap.NewNop())
	u := q.Utilization(10 * time.Millisecond)
	if u != (Utilization{}) {
		t.Errorf("expected zero sample, got %+v", u)
	}
	if !q.Dead() {
		t.Error("sampling a never-started guest must mark the driver dead")
	}
}

func TestRunNonexistentBinary(t *testing.T) {
	q := New("/nonexistent/qemu", 1, 512, "img", zap.NewNop())
	if err := q.Run(40112); err == nil {
		t.Fatal("expected start error")
	}
}

func TestKillIdempotentBeforeRun(t *testing.T) {
	q := New("", 1, 512, "img", zap.NewNop())
	q.Kill()
	q.Kill()
}

// Drive the process bookkeeping end to end with /bin/sleep standing in for
// the hypervisor binary.
func TestRunSampleKill(t *testing.T) {
	q := New("/bin/sleep", 2, 1024, "unused.img", zap.NewNop())
	if err := q.start("60"); err != nil {
		t.Skipf("cannot start helper process: %v", err)
	}

	u := q.Utilization(20 * time.Millisecond)
	if q.Dead() {
		t.Fatal("live process reported dead")
	}
	if u.CPUAllocated != 2 || u.MemoryAllocated != 1024 {
		t.Errorf("allocation fields: %+v", u)
	}
	if u.CPUFraction < 0 || u.CPUFraction > 1 {
		t.Errorf("cpu fraction out of range: %v", u.CPUFraction)
	}

	q.Kill()
	q.Kill() // idempotent

	deadline := time.Now().Add(2 * time.Second)
	for !q.Dead() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !q.Dead() {
		t.Error("killed guest not marked dead")
	}
	if u := q.Utilization(10 * time.Millisecond); u != (Utilization{}) {
		t.Errorf("dead guest sample not zero: %+v", u)
	}
}
