// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Hostsensor-client talks to a running hostsensor over its Unix
// socket. Each subcommand opens one connection, checks the banner,
// and sends one kind of request:
//
//	hostsensor-client echo
//	hostsensor-client discover
//	hostsensor-client discovery
//	hostsensor-client connect
//	hostsensor-client state high --probe ps-probe
//	hostsensor-client records --probe lsof-probe --range 50
//	hostsensor-client records --probe sysfs-probe --output mounts.hsar
//	hostsensor-client inspect mounts.hsar
//	hostsensor-client top --probe ps-probe --interval 2s
//	hostsensor-client send requests.txt
//
// records --output saves the drained session as a compressed,
// digest-checked archive that inspect can read back later without a
// sensor. send replays request lines from a file verbatim, which is
// useful for checking how the sensor treats malformed input.
package main
