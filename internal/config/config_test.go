package config

import "testing"

func TestParseMemSize(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"1024", 1024},
		{"512M", 512},
		{"512MB", 512},
		{"512mb", 512},
		{"1G", 1024},
		{"1GB", 1024},
		{"1.5G", 1536},
		{"2gb", 2048},
		{"  4 GB ", 4096},
	}
	for _, c := range cases {
		got, err := ParseMemSize(c.in)
		if err != nil {
			t.Errorf("ParseMemSize(%q) returned error: %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParseMemSize(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestParseMemSizeRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "abc", "12TB", "-5G"} {
		if _, err := ParseMemSize(in); err == nil {
			t.Errorf("ParseMemSize(%q) should have failed", in)
		}
	}
}

func TestLogPathConventions(t *testing.T) {
	if got := StdoutPath("/logs", 42); got != "/logs/job_42.out" {
		t.Errorf("StdoutPath = %q", got)
	}
	if got := StderrPath("/logs", 42); got != "/logs/job_42.err" {
		t.Errorf("StderrPath = %q", got)
	}
	if got := ControlFilePath("/logs", 42); got != "/logs/job_42.control" {
		t.Errorf("ControlFilePath = %q", got)
	}
}
