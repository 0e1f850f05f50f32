package job

import "testing"

func TestStatusTerminal(t *testing.T) {
	cases := map[Status]bool{
		Pending:   false,
		Running:   false,
		Completed: true,
		Failed:    true,
		Cancelled: true,
	}
	for status, want := range cases {
		if got := status.Terminal(); got != want {
			t.Errorf("Status(%s).Terminal() = %v, want %v", status, got, want)
		}
	}
}

func TestStatusValid(t *testing.T) {
	if !Pending.Valid() {
		t.Errorf("Pending should be valid")
	}
	if Status("BOGUS").Valid() {
		t.Errorf("BOGUS should not be valid")
	}
}

func TestEffectiveCPUs(t *testing.T) {
	j := &Job{CPUs: 4, IsElastic: false}
	if got := j.EffectiveCPUs(); got != 4 {
		t.Errorf("non-elastic EffectiveCPUs() = %d, want 4", got)
	}

	e := &Job{CPUs: 2, CurrentCPUs: 6, IsElastic: true}
	if got := e.EffectiveCPUs(); got != 6 {
		t.Errorf("elastic EffectiveCPUs() = %d, want 6 (current, not requested)", got)
	}
}

func TestNodesStringRoundTrip(t *testing.T) {
	j := &Job{Nodes: []string{"node1", "node2", "node3"}}
	s := j.NodesString()
	if s != "node1,node2,node3" {
		t.Errorf("NodesString() = %q", s)
	}
	if got := SetNodesFromString(s); len(got) != 3 || got[0] != "node1" {
		t.Errorf("SetNodesFromString(%q) = %v", s, got)
	}
	if got := SetNodesFromString(""); got != nil {
		t.Errorf("SetNodesFromString(\"\") = %v, want nil", got)
	}
}

func TestRequestValidateRejectsEmptyCommand(t *testing.T) {
	r := &Request{Command: "   ", CPUs: 1, MemMB: 1}
	if err := r.Validate(4); err == nil {
		t.Errorf("expected error for blank command")
	}
}

func TestRequestValidateRejectsBadCPUsAndMem(t *testing.T) {
	if err := (&Request{Command: "true", CPUs: 0, MemMB: 1}).Validate(4); err == nil {
		t.Errorf("expected error for cpus < 1")
	}
	if err := (&Request{Command: "true", CPUs: 1, MemMB: 0}).Validate(4); err == nil {
		t.Errorf("expected error for mem_mb < 1")
	}
}

func TestRequestValidateElasticDefaults(t *testing.T) {
	r := &Request{Command: "true", CPUs: 2, MemMB: 1, IsElastic: true}
	if err := r.Validate(8); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.MinCPUs != 2 {
		t.Errorf("MinCPUs defaulted to %d, want 2 (== CPUs)", r.MinCPUs)
	}
	if r.MaxCPUs != 8 {
		t.Errorf("MaxCPUs defaulted to %d, want 8 (== totalCPUs)", r.MaxCPUs)
	}
}

func TestRequestValidateElasticBoundsRejected(t *testing.T) {
	r := &Request{Command: "true", CPUs: 2, MemMB: 1, IsElastic: true, MinCPUs: 4, MaxCPUs: 2}
	if err := r.Validate(8); err == nil {
		t.Errorf("expected error when min_cpus > max_cpus")
	}

	r2 := &Request{Command: "true", CPUs: 1, MemMB: 1, IsElastic: true, MinCPUs: 2, MaxCPUs: 8}
	if err := r2.Validate(8); err == nil {
		t.Errorf("expected error when initial cpus below min_cpus")
	}
}
