package docker

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/docker/go-connections/nat"
)

func TestPortBinding(t *testing.T) {
	ports := nat.PortMap{}
	PortBinding(ports, 22, 20001)
	PortBinding(ports, 8888, 25001)
	bindings := ports[nat.Port("22/tcp")]
	if len(bindings) != 1 || bindings[0].HostPort != "20001" {
		t.Fatalf("unexpected ssh binding %+v", bindings)
	}
	if got := ports[nat.Port("8888/tcp")][0].HostPort; got != "25001" {
		t.Fatalf("unexpected jupyter binding %s", got)
	}
}

func TestImageBuildMessageRender(t *testing.T) {
	msg := imageBuildMessage{Status: "Downloading", ID: "abc", ProgressDetail: progressDetail{Current: 5, Total: 10}}
	if got := msg.render(); got != "abc Downloading 5/10" {
		t.Fatalf("unexpected render %q", got)
	}
	failed := imageBuildMessage{ErrorDetail: imageBuildErrorDetail{Message: " no space left "}}
	if got := failed.errorMessage(); got != "no space left" {
		t.Fatalf("unexpected error message %q", got)
	}
}

func TestDecodeBuildOutputReportsDaemonFailure(t *testing.T) {
	stream := `{"stream":"Step 1/2 : FROM ubuntu:22.04\n"}
{"status":"Pulling fs layer","id":"abc"}
{"errorDetail":{"message":"exit code 100"},"error":"exit code 100"}
{"stream":"never reached"}
`
	var lines []string
	err := decodeBuildOutput(strings.NewReader(stream), "lyra-custom-e1", func(line string) { lines = append(lines, line) })
	var buildErr *BuildError
	if !errors.As(err, &buildErr) || buildErr.Tag != "lyra-custom-e1" || buildErr.Message != "exit code 100" {
		t.Fatalf("expected build error for tag, got %v", err)
	}
	if len(lines) != 2 || lines[1] != "abc Pulling fs layer" {
		t.Fatalf("unexpected output lines %q", lines)
	}
}

func TestEnvironmentLabels(t *testing.T) {
	labels := EnvironmentLabels("e1", "trainer")
	if labels[LabelEnvironmentID] != "e1" || labels[LabelEnvironmentName] != "trainer" {
		t.Fatalf("unexpected labels %v", labels)
	}
}

func TestNilClientPingIsUnavailable(t *testing.T) {
	var c *Client
	if err := c.Ping(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
