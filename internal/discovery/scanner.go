package discovery

import (
	"bufio"
	"context"
	"os/exec"
	"strconv"
	"strings"

	"pkt.systems/pslog"

	"opdesk/internal/ports"
)

// ExecScanner enumerates candidate backend processes by shelling out
// to ps and lsof. Enumeration is best effort and never fails the
// caller; anything unparseable is skipped.
type ExecScanner struct {
	binary     string
	candidates []string
}

func NewExecScanner(binary string, candidates []string) *ExecScanner {
	if len(candidates) == 0 {
		candidates = []string{binary}
	}
	return &ExecScanner{binary: binary, candidates: candidates}
}

func (s *ExecScanner) Scan(ctx context.Context) []ports.Candidate {
	psOut, err := exec.CommandContext(ctx, "ps", "-axo", "pid=,comm=,args=").Output()
	if err != nil {
		pslog.Ctx(ctx).Debug("process scan failed", "err", err)
		return nil
	}

	matches := s.matchProcesses(string(psOut))
	if len(matches) == 0 {
		return nil
	}

	lsofOut, err := exec.CommandContext(ctx, "lsof", "-nP", "-iTCP", "-sTCP:LISTEN").Output()
	if err != nil {
		// lsof exits non-zero when nothing matches; treat as empty.
		pslog.Ctx(ctx).Debug("socket scan failed", "err", err)
		return nil
	}
	listening := parseListeningPorts(string(lsofOut))

	out := make([]ports.Candidate, 0, len(matches))
	for _, candidate := range matches {
		if tcpPorts := listening[candidate.PID]; len(tcpPorts) > 0 {
			candidate.Ports = tcpPorts
			out = append(out, candidate)
		}
	}
	return out
}

// matchProcesses filters ps output down to the allow-set. Runtime
// hosts (bun, node) only count when their command line mentions the
// backend binary; the standalone binary always counts.
func (s *ExecScanner) matchProcesses(psOutput string) []ports.Candidate {
	var matches []ports.Candidate
	scanner := bufio.NewScanner(strings.NewReader(psOutput))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		name := baseName(fields[1])
		args := strings.Join(fields[2:], " ")

		if !s.isCandidate(name, args) {
			continue
		}
		matches = append(matches, ports.Candidate{PID: pid, Name: name})
	}
	return matches
}

func (s *ExecScanner) isCandidate(name string, args string) bool {
	allowed := false
	for _, exe := range s.candidates {
		if strings.Contains(name, exe) {
			allowed = true
			break
		}
	}
	if !allowed {
		return false
	}
	return strings.Contains(name, s.binary) || strings.Contains(args, s.binary)
}

// parseListeningPorts maps pid to LISTEN ports from lsof output. Lines
// end in an address like "127.0.0.1:4096 (LISTEN)" or "*:4096 (LISTEN)".
func parseListeningPorts(lsofOutput string) map[int][]int {
	result := make(map[int][]int)
	scanner := bufio.NewScanner(strings.NewReader(lsofOutput))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 9 {
			continue
		}
		pid, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		addr := fields[8]
		idx := strings.LastIndex(addr, ":")
		if idx < 0 {
			continue
		}
		port, err := strconv.Atoi(addr[idx+1:])
		if err != nil || port <= 0 || port > 65535 {
			continue
		}
		if !containsInt(result[pid], port) {
			result[pid] = append(result[pid], port)
		}
	}
	return result
}

func baseName(path string) string {
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		return path[idx+1:]
	}
	return path
}

func containsInt(values []int, want int) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
