// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package detect

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

// fakeRunner returns scripted output per tool name and counts calls.
type fakeRunner struct {
	outputs map[string]string
	errs    map[string]error
	calls   atomic.Int32
}

func (f *fakeRunner) run(_ context.Context, name string, _ ...string) ([]byte, error) {
	f.calls.Add(1)
	if err, ok := f.errs[name]; ok {
		return nil, err
	}
	if out, ok := f.outputs[name]; ok {
		return []byte(out), nil
	}
	return nil, errors.New("exec: \"" + name + "\": executable file not found in $PATH")
}

// =============================================================================
// STATUS TESTS
// =============================================================================

func TestStatus_String(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{Status{Available: true, Devices: []string{"NVIDIA RTX 4090"}}, "GPU ready (NVIDIA RTX 4090)"},
		{Status{Available: true}, "GPU ready (detected)"},
		{Status{Available: false}, "CPU fallback"},
	}

	for _, tc := range tests {
		if got := tc.status.String(); got != tc.want {
			t.Errorf("String() = %q, want %q", got, tc.want)
		}
	}
}

// =============================================================================
// DETECTION TESTS
// =============================================================================

func TestDetector_Nvidia(t *testing.T) {
	f := &fakeRunner{outputs: map[string]string{
		"nvidia-smi": "NVIDIA GeForce RTX 4090\nNVIDIA GeForce RTX 3060\n\n",
	}}
	d := NewDetector(f.run)

	st := d.Status(context.Background())
	if !st.Available {
		t.Fatal("Available = false, want true")
	}
	if st.Method != MethodNvidia {
		t.Errorf("Method = %q, want %q", st.Method, MethodNvidia)
	}
	if len(st.Devices) != 2 || st.Devices[1] != "NVIDIA GeForce RTX 3060" {
		t.Errorf("Devices = %v", st.Devices)
	}
}

func TestDetector_FallbackCPU(t *testing.T) {
	f := &fakeRunner{}
	d := NewDetector(f.run)

	st := d.Status(context.Background())
	if st.Available {
		t.Error("Available = true with no tools installed")
	}
	if st.Method != MethodFallback {
		t.Errorf("Method = %q, want %q", st.Method, MethodFallback)
	}
	if st.Error == "" {
		t.Error("Error should describe why detection failed")
	}
	if st.Devices == nil {
		t.Error("Devices should be an empty list, not nil")
	}
}

func TestDetector_EmptyNvidiaOutputIsCPU(t *testing.T) {
	f := &fakeRunner{outputs: map[string]string{"nvidia-smi": "\n"}}
	d := NewDetector(f.run)
	if d.Available() {
		t.Error("empty nvidia-smi output should not count as a GPU")
	}
}

func TestDetector_RunsOnce(t *testing.T) {
	f := &fakeRunner{outputs: map[string]string{"nvidia-smi": "NVIDIA A100"}}
	d := NewDetector(f.run)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !d.Available() {
				t.Error("Available() = false")
			}
		}()
	}
	wg.Wait()

	if got := f.calls.Load(); got != 1 {
		t.Errorf("vendor tool ran %d times, want 1", got)
	}
}

func TestDetector_ResultIsStableAfterFirstRun(t *testing.T) {
	f := &fakeRunner{outputs: map[string]string{"nvidia-smi": "NVIDIA A100"}}
	d := NewDetector(f.run)
	first := d.Status(context.Background())

	// Hardware "disappears"; the cached answer must not change.
	delete(f.outputs, "nvidia-smi")
	second := d.Status(context.Background())

	if first.Available != second.Available || len(first.Devices) != len(second.Devices) {
		t.Errorf("status changed: %+v -> %+v", first, second)
	}
}

func TestDefault_IsSingleton(t *testing.T) {
	if Default() != Default() {
		t.Error("Default() should return the same Detector")
	}
}

func TestSplitDeviceLines(t *testing.T) {
	got := splitDeviceLines("  a \n\n b\n", "x-")
	if len(got) != 2 || got[0] != "x-a" || got[1] != "x-b" {
		t.Errorf("splitDeviceLines = %v", got)
	}
}

func TestDetector_CancelledCallerDoesNotPoisonCache(t *testing.T) {
	var sawDeadline bool
	run := func(ctx context.Context, name string, _ ...string) ([]byte, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		_, sawDeadline = ctx.Deadline()
		if name == "nvidia-smi" {
			return []byte("NVIDIA RTX A4000\n"), nil
		}
		return nil, errors.New("not found")
	}
	d := NewDetector(run)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if st := d.Status(ctx); !st.Available || st.Error != "" {
		t.Fatalf("Status(cancelled ctx) = %+v, want GPU available", st)
	}
	if !sawDeadline {
		t.Error("detection ran without a deadline")
	}
	if !d.Available() {
		t.Error("Available() = false after a cancelled first caller")
	}
}
