// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Hostsensor is the kernel sensor daemon. It samples the process
// table, open files, and small per-process files from procfs on a
// schedule, and serves the captured snapshots to local clients over a
// Unix socket (default /var/run/kernel_sensor).
//
// Only one sensor runs per host: startup takes an exclusive flock on
// the lock file (default /var/run/kernel_sensor.lock) and records the
// holder's pid next to it.
//
// Configuration comes from the file named by HOSTSENSOR_CONFIG (YAML,
// or JSON with comments), then from the environment, then from flags:
//
//	hostsensor --config /etc/hostsensor.yaml --log-level debug
//
// SIGINT or SIGTERM shuts the sensor down: probes first, then the
// listening socket, then open connections, then the scheduler.
package main
