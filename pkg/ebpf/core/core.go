// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package core provides CO-RE (Compile Once - Run Everywhere) support
// shared by every eBPF-facing package: kernel-version detection and a
// thin BTF-aware collection loader.
package core

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/btf"
	"github.com/go-logr/logr"
)

// Version is a parsed `uname -r`-style kernel version, as read from
// /proc/version.
type Version struct {
	Major, Minor, Patch int
	Raw                 string
}

// DetectVersion reads and parses the running kernel's version.
func DetectVersion() (Version, error) {
	raw, err := readKernelVersion()
	if err != nil {
		return Version{}, err
	}
	major, minor, patch := parseKernelVersion(raw)
	return Version{Major: major, Minor: minor, Patch: patch, Raw: raw}, nil
}

// ParseVersionString parses a `uname -r`-style version string without
// reading it from /proc/version, for probing a version obtained some
// other way (tests, a version string passed on the command line).
func ParseVersionString(raw string) (Version, error) {
	if raw == "" {
		return Version{}, errors.New("empty kernel version string")
	}
	major, minor, patch := parseKernelVersion(raw)
	return Version{Major: major, Minor: minor, Patch: patch, Raw: raw}, nil
}

// AtLeast reports whether v is >= major.minor, ignoring patch.
func (v Version) AtLeast(major, minor int) bool {
	if v.Major != major {
		return v.Major > major
	}
	return v.Minor >= minor
}

func readKernelVersion() (string, error) {
	data, err := os.ReadFile("/proc/version")
	if err != nil {
		return "", fmt.Errorf("reading /proc/version: %w", err)
	}
	parts := strings.Fields(string(data))
	if len(parts) < 3 {
		return "", errors.New("unexpected /proc/version format")
	}
	return parts[2], nil
}

func parseKernelVersion(version string) (major, minor, patch int) {
	version = strings.SplitN(version, "-", 2)[0]

	nums := strings.Split(version, ".")
	if len(nums) >= 1 {
		fmt.Sscanf(nums[0], "%d", &major)
	}
	if len(nums) >= 2 {
		fmt.Sscanf(nums[1], "%d", &minor)
	}
	if len(nums) >= 3 {
		fmt.Sscanf(nums[2], "%d", &patch)
	}
	return major, minor, patch
}

// Manager loads BPF collections with kernel BTF applied automatically
// for CO-RE relocations, and tracks kernel BTF availability.
type Manager struct {
	logger    logr.Logger
	kernelBTF *btf.Spec
	hasBTF    bool
}

// NewManager probes kernel BTF availability and returns a Manager ready
// to load CO-RE collections.
func NewManager(logger logr.Logger) (*Manager, error) {
	if runtime.GOOS != "linux" {
		return nil, errors.New("CO-RE is only supported on Linux")
	}
	logger = logger.WithName("core")

	m := &Manager{logger: logger}
	if _, err := os.Stat("/sys/kernel/btf/vmlinux"); err == nil {
		m.hasBTF = true
		spec, err := btf.LoadKernelSpec()
		if err != nil {
			logger.Info("native BTF present but failed to load, CO-RE relocations may fail", "error", err)
		} else {
			m.kernelBTF = spec
		}
	}

	return m, nil
}

// HasBTF reports whether native kernel BTF is available.
func (m *Manager) HasBTF() bool { return m.hasBTF }

// PinDir is the bpffs directory every collection loaded by this package
// pins its maps under. timer.bpf.c, sampler.bpf.c, and task.bpf.c all
// declare their shared "events" PERF_EVENT_ARRAY with
// LIBBPF_PIN_BY_NAME at this same directory, so whichever of the three
// collections loads first creates the map and the other two reuse it,
// giving the userspace reader one multiplexed stream regardless of
// load order.
const PinDir = "/sys/fs/bpf/memtrace"

// LoadCollection loads a compiled BPF object, applying kernel BTF for
// CO-RE relocations when available and reusing any already-pinned maps
// under PinDir (see bpf/include/memtrace.bpf.h).
func (m *Manager) LoadCollection(path string) (*ebpf.Collection, error) {
	spec, err := ebpf.LoadCollectionSpec(path)
	if err != nil {
		return nil, fmt.Errorf("loading collection spec from %s: %w", path, err)
	}

	if err := os.MkdirAll(PinDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating bpf pin directory %s: %w", PinDir, err)
	}

	coll, err := ebpf.NewCollectionWithOptions(spec, ebpf.CollectionOptions{
		Maps:     ebpf.MapOptions{PinPath: PinDir},
		Programs: ebpf.ProgramOptions{KernelTypes: m.kernelBTF},
	})
	if err != nil {
		return nil, fmt.Errorf("creating collection from %s: %w", path, err)
	}
	return coll, nil
}
