// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package detect

import (
	"context"
	"errors"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"
)

// gpuDetectTimeout bounds the vendor tool invocations.
const gpuDetectTimeout = 10 * time.Second

// Detection methods reported in Status.Method.
const (
	MethodNvidia   = "nvidia-smi"
	MethodRocm     = "rocm-smi"
	MethodFallback = "fallback-cpu"
)

// =============================================================================
// STATUS
// =============================================================================

// Status describes the acceleration hardware seen at first detection.
type Status struct {
	Available bool     `json:"available"`
	Method    string   `json:"method"`
	Devices   []string `json:"devices"`
	Error     string   `json:"error,omitempty"`
}

// String returns a one-line summary, e.g. "GPU ready (NVIDIA RTX 4090)".
func (s Status) String() string {
	if !s.Available {
		return "CPU fallback"
	}
	if len(s.Devices) == 0 {
		return "GPU ready (detected)"
	}
	return "GPU ready (" + strings.Join(s.Devices, ", ") + ")"
}

// =============================================================================
// DETECTOR
// =============================================================================

// CommandRunner runs an external tool and returns its stdout.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// execRunner is the production CommandRunner.
func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// Detector runs GPU detection once and serves the cached result afterwards.
// It is safe for concurrent use; readers after the first never block on I/O.
type Detector struct {
	run  CommandRunner
	once sync.Once
	res  Status
}

// NewDetector creates a Detector. A nil runner uses os/exec.
func NewDetector(run CommandRunner) *Detector {
	if run == nil {
		run = execRunner
	}
	return &Detector{run: run}
}

// Status returns the detection result, running the vendor tools on the
// first call only. The first run keeps ctx's values but not its
// cancellation, so an abandoned request cannot cache a failed result.
func (d *Detector) Status(ctx context.Context) Status {
	d.once.Do(func() {
		d.res = d.detect(context.WithoutCancel(ctx))
	})
	return d.res
}

// Available reports whether a GPU was detected.
func (d *Detector) Available() bool {
	return d.Status(context.Background()).Available
}

func (d *Detector) detect(ctx context.Context) Status {
	ctx, cancel := context.WithTimeout(ctx, gpuDetectTimeout)
	defer cancel()

	var errs []error

	devices, err := d.detectNvidia(ctx)
	if err == nil && len(devices) > 0 {
		return Status{Available: true, Method: MethodNvidia, Devices: devices}
	}
	if err != nil {
		errs = append(errs, err)
	}

	if runtime.GOOS == "linux" {
		devices, err = d.detectRocm(ctx)
		if err == nil && len(devices) > 0 {
			return Status{Available: true, Method: MethodRocm, Devices: devices}
		}
		if err != nil {
			errs = append(errs, err)
		}
	}

	status := Status{Available: false, Method: MethodFallback, Devices: []string{}}
	if joined := errors.Join(errs...); joined != nil {
		status.Error = joined.Error()
	}
	return status
}

// detectNvidia lists device names reported by nvidia-smi.
func (d *Detector) detectNvidia(ctx context.Context) ([]string, error) {
	var lastErr error
	for _, path := range nvidiaSmiPaths() {
		out, err := d.run(ctx, path, "--query-gpu=name", "--format=csv,noheader")
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		return splitDeviceLines(string(out), ""), nil
	}
	return nil, lastErr
}

// detectRocm lists AMD device names reported by rocm-smi.
func (d *Detector) detectRocm(ctx context.Context) ([]string, error) {
	out, err := d.run(ctx, "rocm-smi", "--showproductname")
	if err != nil {
		return nil, err
	}

	var devices []string
	for _, line := range strings.Split(string(out), "\n") {
		if !strings.Contains(line, "Card series:") {
			continue
		}
		parts := strings.SplitN(line, ":", 3)
		name := strings.TrimSpace(parts[len(parts)-1])
		if name != "" {
			devices = append(devices, "AMD "+name)
		}
	}
	return devices, nil
}

// nvidiaSmiPaths returns possible locations of nvidia-smi for this OS.
func nvidiaSmiPaths() []string {
	if runtime.GOOS == "windows" {
		return []string{
			"nvidia-smi",
			`C:\Windows\System32\nvidia-smi.exe`,
			`C:\Program Files\NVIDIA Corporation\NVSMI\nvidia-smi.exe`,
		}
	}
	return []string{"nvidia-smi"}
}

// splitDeviceLines returns the trimmed non-empty lines of out with prefix.
func splitDeviceLines(out, prefix string) []string {
	var devices []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		devices = append(devices, prefix+line)
	}
	return devices
}

// =============================================================================
// PROCESS-WIDE DETECTOR
// =============================================================================

// Default returns the process-wide Detector.
var Default = sync.OnceValue(func() *Detector {
	return NewDetector(nil)
})
