// Package host detects the resources the worker can offer.
package host

import (
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
)

// ErrNotEnoughCPUs is returned when no CPU is left for tasks after reserving
// one for the worker itself.
var ErrNotEnoughCPUs = errors.New("not enough CPUs to run tasks, at least two are required")

// Info is a snapshot of the host. Zero values mean "unknown".
type Info struct {
	CPUs         int
	TotalMemory  uint64
	Uname        string
	Architecture string
}

// Detect probes the host. Probe failures leave the matching field unset
// rather than failing, since every field has a usable fallback.
func Detect() Info {
	info := Info{Architecture: runtime.GOARCH}

	if n, err := cpu.Counts(true); err == nil {
		info.CPUs = n
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		info.TotalMemory = vm.Total
	}
	if hi, err := host.Info(); err == nil {
		info.Uname = strings.TrimSpace(hi.OS + " " + hi.KernelVersion)
	}
	if info.Uname == "" {
		info.Uname = runtime.GOOS
	}
	return info
}

// Concurrency clamps the requested concurrency to leave one CPU free. With
// an unknown CPU count the request is used as is.
func (i Info) Concurrency(requested int) (int, error) {
	n := requested
	if i.CPUs > 0 {
		n = min(requested, i.CPUs-1)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%w (requested %d, detected %d)", ErrNotEnoughCPUs, requested, i.CPUs)
	}
	return n, nil
}

// MaxMemory returns the configured limit in MiB, or half of the total memory
// when none is configured.
func (i Info) MaxMemory(configured int) int {
	if configured > 0 {
		return configured
	}
	return int(i.TotalMemory / 2 / 1024 / 1024)
}
