package supervisor

import (
	"testing"

	"github.com/loykin/sentryd/internal/clock"
	"github.com/loykin/sentryd/internal/process"
)

func TestWildcardMatch(t *testing.T) {
	cases := []struct {
		name  string
		pat   string
		input string
		want  bool
	}{
		{"empty", "", "abc", false},
		{"star", "*", "anything", true},
		{"exact_ok", "abc", "abc", true},
		{"exact_no", "abc", "abcd", false},
		{"prefix", "abc*", "abcdef", true},
		{"suffix", "*def", "abcdef", true},
		{"middle", "a*c", "abc", true},
		{"multi_mid", "a*b*c", "axxbyyc", true},
		{"order_required", "a*b*c", "abxcby", false},
		{"no_star_diff", "name", "naMe", false},
		{"double_star", "a**c", "abc", true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := wildcardMatch(c.input, c.pat); got != c.want {
				t.Fatalf("wildcardMatch(%q,%q)=%v want %v", c.input, c.pat, got, c.want)
			}
		})
	}
}

func TestListMatchAndStopMatch(t *testing.T) {
	s, _, _ := newTestSupervisor(t, clock.Real{})
	for _, name := range []string{"web-1", "web-2", "worker-1"} {
		if _, err := s.Start(name, process.Spec{Name: name, Command: "sleep", Args: []string{"1"}}); err != nil {
			t.Fatalf("start %s: %v", name, err)
		}
	}

	matched := s.ListMatch("web-*")
	if len(matched) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matched))
	}

	if err := s.StopMatch("web-*", StopOptions{Force: true}); err != nil {
		t.Fatalf("StopMatch: %v", err)
	}
	if snap, err := s.Get("web-1"); err != nil || snap.State == StateRunning {
		t.Fatalf("expected web-1 stopped, got %+v err=%v", snap, err)
	}
	if snap, err := s.Get("worker-1"); err != nil || snap.State != StateRunning {
		t.Fatalf("expected worker-1 still running, got %+v err=%v", snap, err)
	}
}
