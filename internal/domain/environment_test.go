package domain

import "testing"

func TestOccupiedStatuses(t *testing.T) {
	for _, s := range OccupiedStatuses() {
		if !s.Occupied() {
			t.Fatalf("%s should be occupied", s)
		}
	}
	for _, s := range []EnvironmentStatus{StatusStopping, StatusStopped, StatusError, StatusUnknown} {
		if s.Occupied() {
			t.Fatalf("%s should not be occupied", s)
		}
	}
}

func TestContainerNaming(t *testing.T) {
	env := Environment{ID: "abc", Name: "trainer"}
	if got := env.ContainerName(); got != "lyra-trainer-abc" {
		t.Fatalf("unexpected container name %q", got)
	}
	if got := env.ImageTag(); got != "lyra-custom-abc" {
		t.Fatalf("unexpected image tag %q", got)
	}
	if env.Remote() {
		t.Fatalf("environment without worker should be local")
	}
	empty := ""
	env.WorkerServerID = &empty
	if env.Remote() {
		t.Fatalf("empty worker id should be local")
	}
}

func TestParseStatus(t *testing.T) {
	if ParseStatus("running") != StatusRunning {
		t.Fatalf("expected running")
	}
	if ParseStatus("exploded") != StatusUnknown {
		t.Fatalf("expected unknown for unrecognised status")
	}
}
