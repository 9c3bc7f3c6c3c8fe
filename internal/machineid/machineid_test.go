package machineid

import "testing"

func TestDetails(t *testing.T) {
	details, err := Details()
	if err != nil {
		t.Fatal(err)
	}
	if details.Name == "" {
		t.Error("empty node name")
	}
	if details.ID == "" {
		t.Error("empty machine id")
	}
}

func TestMachineIDStableWithinBoot(t *testing.T) {
	if machineID() != machineID() {
		t.Error("machine id varies between calls")
	}
}
