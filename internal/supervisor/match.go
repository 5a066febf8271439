package supervisor

import "strings"

// wildcardMatch matches name against pattern, where '*' matches any
// substring (including empty); matching is case-sensitive. It returns
// true when every non-'*' segment of pattern occurs in name in order,
// anchored at the start/end when pattern itself does not begin/end with
// '*'.
func wildcardMatch(name, pattern string) bool {
	if pattern == "" {
		return false
	}
	if pattern == "*" {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return name == pattern
	}
	parts := strings.Split(pattern, "*")
	idx := 0
	if parts[0] != "" {
		if !strings.HasPrefix(name, parts[0]) {
			return false
		}
		idx = len(parts[0])
	}
	for i := 1; i < len(parts)-1; i++ {
		p := parts[i]
		if p == "" {
			continue
		}
		j := strings.Index(name[idx:], p)
		if j < 0 {
			return false
		}
		idx += j + len(p)
	}
	last := parts[len(parts)-1]
	if last != "" {
		return strings.HasSuffix(name, last) && idx <= len(name)-len(last)
	}
	return true
}

// ListMatch returns the snapshot of every descriptor whose name matches
// the wildcard pattern ('*' matches any substring).
func (s *Supervisor) ListMatch(pattern string) []Snapshot {
	s.mu.Lock()
	names := make([]string, 0, len(s.descriptors))
	for name := range s.descriptors {
		if wildcardMatch(name, pattern) {
			names = append(names, name)
		}
	}
	s.mu.Unlock()

	out := make([]Snapshot, 0, len(names))
	for _, name := range names {
		if d, ok := s.get(name); ok {
			out = append(out, d.snapshot())
		}
	}
	return out
}

// StopMatch stops every descriptor whose name matches the wildcard
// pattern, best-effort, returning the first error encountered.
func (s *Supervisor) StopMatch(pattern string, opts StopOptions) error {
	s.mu.Lock()
	names := make([]string, 0, len(s.descriptors))
	for name := range s.descriptors {
		if wildcardMatch(name, pattern) {
			names = append(names, name)
		}
	}
	s.mu.Unlock()

	var firstErr error
	for _, name := range names {
		if err := s.Stop(name, opts); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
