// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package detect reports whether local GPU acceleration is available.
//
// Detection shells out to the vendor tools and runs at most once per
// process: hardware does not change while the server runs, so the result
// is kept in a single-assignment cell and shared by every request.
//
// # Key Types
//
//   - Status: Availability, detection method, and device names
//   - Detector: Runs the vendor tools and caches the first result
//
// # Supported Tools
//
//   - NVIDIA (nvidia-smi --query-gpu=name)
//   - AMD (rocm-smi --showproductname)
//
// # Usage
//
//	status := detect.Default().Status(ctx)
//	if status.Available {
//		fmt.Println("GPU:", strings.Join(status.Devices, ", "))
//	}
package detect
