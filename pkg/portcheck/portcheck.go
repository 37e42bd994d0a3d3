// Package portcheck resolves which process, if any, already holds a
// TCP port before the server binds its listener (§4.8). It classifies
// the owner as self-managed (our own server or forwarder, identifiable
// by executable name or process ancestry) or external, and never kills
// a process it has not classified as ours.
package portcheck

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	gopsnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
)

// selfExecutableNames are the basenames of binaries this module builds.
// A port held by a process with one of these names, or a descendant of
// our own process, is classified self-managed.
var selfExecutableNames = []string{"vibetunnel-server", "vibetunnel-fwd"}

// alternativesWanted is how many free nearby ports Check reports when
// the conflicting process is external.
const alternativesWanted = 5

// Owner describes the process currently bound to a port.
type Owner struct {
	PID  int32  `json:"pid"`
	Name string `json:"name"`
	Exe  string `json:"exe,omitempty"`
}

// Conflict reports a port already in use.
type Conflict struct {
	Port             int    `json:"port"`
	Owner            Owner  `json:"process"`
	SelfManaged      bool   `json:"selfManaged"`
	AlternativePorts []int  `json:"alternativePorts,omitempty"`
}

// Check reports whether port is already bound, and by whom. A nil
// Conflict means the port is free to bind.
func Check(port int) (*Conflict, error) {
	owner, err := findOwner(port)
	if err != nil {
		return nil, err
	}
	if owner == nil {
		return nil, nil
	}

	conflict := &Conflict{
		Port:        port,
		Owner:       *owner,
		SelfManaged: isSelfManaged(owner.PID, owner.Exe),
	}
	if !conflict.SelfManaged {
		conflict.AlternativePorts = findAlternatives(port, alternativesWanted)
	}
	return conflict, nil
}

// findOwner queries the OS's TCP connection table for a listening
// socket bound to port and resolves the owning process.
func findOwner(port int) (*Owner, error) {
	conns, err := gopsnet.Connections("tcp")
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate tcp connections: %w", err)
	}

	for _, c := range conns {
		if c.Status != "LISTEN" {
			continue
		}
		if int(c.Laddr.Port) != port {
			continue
		}
		if c.Pid == 0 {
			return &Owner{Name: "unknown"}, nil
		}

		proc, err := process.NewProcess(c.Pid)
		if err != nil {
			return &Owner{PID: c.Pid, Name: "unknown"}, nil
		}
		name, _ := proc.Name()
		exe, _ := proc.Exe()
		return &Owner{PID: c.Pid, Name: name, Exe: exe}, nil
	}

	return nil, nil
}

// isSelfManaged reports whether pid is one of our own processes: its
// executable basename matches a binary we build, or it descends from
// our own process.
func isSelfManaged(pid int32, exe string) bool {
	base := filepath.Base(exe)
	for _, name := range selfExecutableNames {
		if base == name || strings.TrimSuffix(base, ".exe") == name {
			return true
		}
	}
	return isDescendantOfSelf(pid)
}

func isDescendantOfSelf(pid int32) bool {
	self := int32(os.Getpid())
	seen := make(map[int32]bool)

	for pid != 0 && !seen[pid] {
		if pid == self {
			return true
		}
		seen[pid] = true

		proc, err := process.NewProcess(pid)
		if err != nil {
			return false
		}
		ppid, err := proc.Ppid()
		if err != nil {
			return false
		}
		pid = ppid
	}

	return false
}

// findAlternatives probes up to 50 ports above port for up to n that
// are free to bind.
func findAlternatives(port, n int) []int {
	var alts []int
	for candidate := port + 1; candidate < port+51 && len(alts) < n; candidate++ {
		if isPortFree(candidate) {
			alts = append(alts, candidate)
		}
	}
	return alts
}

func isPortFree(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}

// Kill terminates the process behind a self-managed conflict. It
// refuses to act on anything not classified SelfManaged by Check.
func Kill(conflict *Conflict) error {
	if conflict == nil {
		return nil
	}
	if !conflict.SelfManaged {
		return fmt.Errorf("refusing to kill external process %s (pid %d) holding port %d", conflict.Owner.Name, conflict.Owner.PID, conflict.Port)
	}

	proc, err := process.NewProcess(conflict.Owner.PID)
	if err != nil {
		return fmt.Errorf("failed to locate process %d: %w", conflict.Owner.PID, err)
	}
	return proc.Kill()
}
