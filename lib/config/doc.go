// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the sensor daemon's configuration.
//
// A configuration file is named by the HOSTSENSOR_CONFIG environment
// variable (via [Load]) or a --config flag (via [LoadFile]). There is
// no file search. Without a file, [Default] applies: all three probes
// enabled, socket at /var/run/kernel_sensor.
//
// Files are YAML. A .json or .jsonc file is accepted too and may
// contain comments and trailing commas.
//
// After the file, HOSTSENSOR_SOCKET and HOSTSENSOR_LOG_LEVEL override
// their settings, and ${VAR} or ${VAR:-default} references in path
// settings are expanded. Command-line flags are applied last by the
// binary.
//
//	socket_path: ${RUNTIME_DIRECTORY:-/var/run}/kernel_sensor
//	workers: 2
//	probes:
//	  ps:
//	    enabled: true
//	    repeat: 10
//	    interval: 5s
//	    level: high
//	  lsof:
//	    enabled: true
//	    filter: uid
//	    filter_id: 1000
//	  sysfs:
//	    enabled: false
package config
