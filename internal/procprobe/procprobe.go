// Package procprobe reads CPU, memory, and context-switch counters for a
// process out of /proc, the way the BrokerTune sampler did before this
// rewrite, now without shelling out to pgrep for PID discovery.
package procprobe

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Sample holds the three ratios the tuner folds into its observation vector.
// CPURatio is a cumulative utime+stime/cpuNorm ratio, not a windowed delta;
// see DESIGN.md for why that matches the upstream semantics verbatim.
type Sample struct {
	CPURatio  float64
	MemRatio  float64
	CtxtRatio float64
}

// Norms are the normalization divisors a Sample's ratios are computed against.
type Norms struct {
	CPUNorm  float64
	MemNorm  float64
	CtxtNorm float64
}

// ErrProcessGone is returned when /proc/<pid> no longer exists.
var ErrProcessGone = fmt.Errorf("procprobe: process not found")

// Read parses /proc/<pid>/stat and /proc/<pid>/status for pid, returning a
// Sample normalized and clamped to [0, 1].
func Read(pid int, norms Norms) (Sample, error) {
	if pid <= 0 {
		return Sample{}, fmt.Errorf("procprobe: invalid pid %d", pid)
	}

	rssBytes, ctxtSwitches, err := readStatus(pid)
	if err != nil {
		return Sample{}, err
	}

	cpuTicks, err := readStatCPUTicks(pid)
	if err != nil {
		return Sample{}, err
	}

	return Sample{
		CPURatio:  clampRatio(cpuTicks, norms.CPUNorm),
		MemRatio:  clampRatio(rssBytes, norms.MemNorm),
		CtxtRatio: clampRatio(ctxtSwitches, norms.CtxtNorm),
	}, nil
}

func readStatus(pid int) (rssBytes, ctxtSwitches float64, err error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/status", pid))
	if os.IsNotExist(err) {
		return 0, 0, ErrProcessGone
	}
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "VmRSS:"):
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				if kb, err := strconv.ParseFloat(fields[1], 64); err == nil {
					rssBytes = kb * 1024.0
				}
			}
		case strings.HasPrefix(line, "voluntary_ctxt_switches"), strings.HasPrefix(line, "nonvoluntary_ctxt_switches"):
			fields := strings.Fields(line)
			if len(fields) > 0 {
				if n, err := strconv.ParseFloat(fields[len(fields)-1], 64); err == nil {
					ctxtSwitches += n
				}
			}
		}
	}
	return rssBytes, ctxtSwitches, scanner.Err()
}

// utime is field 14, stime is field 15 (1-indexed) of /proc/<pid>/stat.
const (
	statUtimeField = 14
	statStimeField = 15
)

func readStatCPUTicks(pid int) (float64, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/stat", pid))
	if os.IsNotExist(err) {
		return 0, ErrProcessGone
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 4096), 4096)
	if !scanner.Scan() {
		return 0, scanner.Err()
	}
	fields := strings.Fields(scanner.Text())
	if len(fields) < statStimeField {
		return 0, fmt.Errorf("procprobe: /proc/%d/stat has only %d fields", pid, len(fields))
	}
	utime, err := strconv.ParseFloat(fields[statUtimeField-1], 64)
	if err != nil {
		return 0, err
	}
	stime, err := strconv.ParseFloat(fields[statStimeField-1], 64)
	if err != nil {
		return 0, err
	}
	return utime + stime, nil
}

func clampRatio(value, norm float64) float64 {
	if norm < 1.0 {
		norm = 1.0
	}
	r := value / norm
	if r > 1.0 {
		return 1.0
	}
	if r < 0 {
		return 0
	}
	return r
}

// FindPID scans /proc for the first numeric directory whose comm file
// matches binaryName, replacing the original's "pgrep -o <name>" shellout
// with a native directory walk.
func FindPID(binaryName string) (int, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return 0, err
	}
	for _, entry := range entries {
		pid, convErr := strconv.Atoi(entry.Name())
		if convErr != nil {
			continue
		}
		comm, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
		if err != nil {
			continue
		}
		if strings.TrimSpace(string(comm)) == binaryName {
			return pid, nil
		}
	}
	return 0, fmt.Errorf("procprobe: no process named %q found", binaryName)
}
