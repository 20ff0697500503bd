// Package gpu discovers the number of GPU devices on the local node.
package gpu

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Inventory returns the total GPU count. A non-negative Override skips discovery.
type Inventory struct {
	Override int
	Timeout  time.Duration
	run      func(ctx context.Context) ([]byte, error)
}

// New constructs an inventory backed by nvidia-smi.
func New(override int) *Inventory {
	return &Inventory{Override: override, Timeout: 5 * time.Second, run: runNvidiaSMI}
}

// TotalGPUs returns the number of devices visible on the node.
func (i *Inventory) TotalGPUs(ctx context.Context) (int, error) {
	if i.Override >= 0 {
		return i.Override, nil
	}
	timeout := i.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	out, err := i.run(ctx)
	if err != nil {
		if _, lookErr := exec.LookPath("nvidia-smi"); lookErr != nil {
			return 0, nil
		}
		return 0, fmt.Errorf("query gpu inventory: %w", err)
	}
	return countDevices(out), nil
}

func runNvidiaSMI(ctx context.Context) ([]byte, error) {
	return exec.CommandContext(ctx, "nvidia-smi", "--query-gpu=index", "--format=csv,noheader").Output()
}

func countDevices(out []byte) int {
	count := 0
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) != "" {
			count++
		}
	}
	return count
}
