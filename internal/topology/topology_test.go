package topology

import (
	"strings"
	"testing"
)

const sampleConfig = `
# two leaf switches under one core switch
TopologyPlugin=topology/tree
SwitchName=switch1 Nodes=node[1-4]
SwitchName=switch2 Nodes=node[5-8]
SwitchName=core Switches=switch1,switch2
`

func parseSample(t *testing.T) *Tree {
	t.Helper()
	tree, err := Parse(strings.NewReader(sampleConfig))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return tree
}

func TestParseBuildsExpectedTree(t *testing.T) {
	tree := parseSample(t)
	if !tree.Enabled {
		t.Errorf("expected Enabled = true")
	}
	if tree.Top != "core" {
		t.Errorf("Top = %q, want core", tree.Top)
	}
	want := []string{"node1", "node2", "node3", "node4", "node5", "node6", "node7", "node8"}
	got := tree.AllNodes()
	if len(got) != len(want) {
		t.Fatalf("AllNodes() = %v", got)
	}
	for i, n := range want {
		if got[i] != n {
			t.Errorf("AllNodes()[%d] = %q, want %q", i, got[i], n)
		}
	}
}

func TestParseRangeExpansionCombinedWithLiterals(t *testing.T) {
	cfg := `SwitchName=leaf Nodes=node[1-3],extra,node[10-11]`
	tree, err := Parse(strings.NewReader(cfg))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := map[string]bool{"node1": true, "node2": true, "node3": true, "extra": true, "node10": true, "node11": true}
	for n := range want {
		if _, ok := tree.NodeSwitch[n]; !ok {
			t.Errorf("expected node %q to be attached", n)
		}
	}
	if len(tree.NodeSwitch) != len(want) {
		t.Errorf("NodeSwitch has %d entries, want %d", len(tree.NodeSwitch), len(want))
	}
}

func TestParseRejectsMalformedLine(t *testing.T) {
	if _, err := Parse(strings.NewReader("this is not a directive")); err == nil {
		t.Errorf("expected parse error for malformed line")
	}
}

func TestParseRejectsMultipleTopSwitches(t *testing.T) {
	cfg := `
SwitchName=a Nodes=node1
SwitchName=b Nodes=node2
`
	if _, err := Parse(strings.NewReader(cfg)); err == nil {
		t.Errorf("expected error: two switches with no parent")
	}
}

func TestParseRejectsCycle(t *testing.T) {
	cfg := `
SwitchName=a Switches=b
SwitchName=b Switches=a
`
	if _, err := Parse(strings.NewReader(cfg)); err == nil {
		t.Errorf("expected cycle detection error")
	}
}

func TestDistanceSameNodeIsZero(t *testing.T) {
	tree := parseSample(t)
	d, err := tree.Distance("node1", "node1")
	if err != nil {
		t.Fatalf("Distance: %v", err)
	}
	if d != 0 {
		t.Errorf("Distance(node1, node1) = %d, want 0", d)
	}
}

func TestDistanceSameLeafIsZero(t *testing.T) {
	tree := parseSample(t)
	d, err := tree.Distance("node1", "node2")
	if err != nil {
		t.Fatalf("Distance: %v", err)
	}
	if d != 0 {
		t.Errorf("Distance(node1, node2) = %d, want 0 (same leaf switch)", d)
	}
}

func TestDistanceDifferentLeafUnderCore(t *testing.T) {
	tree := parseSample(t)
	d, err := tree.Distance("node1", "node5")
	if err != nil {
		t.Fatalf("Distance: %v", err)
	}
	if d != 2 {
		t.Errorf("Distance(node1, node5) = %d, want 2 (shared parent core at depth 2 -> 2*(2-1))", d)
	}
}

func TestDistanceUnknownNode(t *testing.T) {
	tree := parseSample(t)
	if _, err := tree.Distance("node1", "ghost"); err == nil {
		t.Errorf("expected error for unknown node")
	}
}

func freeSet(nodes ...string) map[string]bool {
	m := map[string]bool{}
	for _, n := range nodes {
		m[n] = true
	}
	return m
}

func TestSelectNodesPrefersSingleLeaf(t *testing.T) {
	tree := parseSample(t)
	free := freeSet("node1", "node2", "node3", "node4", "node5", "node6", "node7", "node8")

	got, err := tree.SelectNodes(free, 4)
	if err != nil {
		t.Fatalf("SelectNodes: %v", err)
	}
	want := []string{"node1", "node2", "node3", "node4"}
	if len(got) != len(want) {
		t.Fatalf("SelectNodes = %v", got)
	}
	for i, n := range want {
		if got[i] != n {
			t.Errorf("SelectNodes()[%d] = %q, want %q", i, got[i], n)
		}
	}
}

func TestSelectNodesGreedyMinimaxSpansLeaves(t *testing.T) {
	tree := parseSample(t)
	// Only 2 free per leaf switch; asking for 4 forces spanning both leaves.
	free := freeSet("node1", "node2", "node5", "node6")

	got, err := tree.SelectNodes(free, 4)
	if err != nil {
		t.Fatalf("SelectNodes: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("SelectNodes returned %d nodes, want 4", len(got))
	}
	for n := range free {
		found := false
		for _, g := range got {
			if g == n {
				found = true
			}
		}
		if !found {
			t.Errorf("expected %q in selection %v (only 4 free nodes exist)", n, got)
		}
	}
}

func TestSelectNodesInsufficientFree(t *testing.T) {
	tree := parseSample(t)
	free := freeSet("node1", "node2")
	if _, err := tree.SelectNodes(free, 4); err == nil {
		t.Errorf("expected error: only 2 free nodes, need 4")
	}
}

func TestSelectNodesZeroIsNoop(t *testing.T) {
	tree := parseSample(t)
	got, err := tree.SelectNodes(freeSet("node1"), 0)
	if err != nil {
		t.Fatalf("SelectNodes: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("SelectNodes(_, 0) = %v, want empty", got)
	}
}

func TestNodeCPUIndexIdentityMapping(t *testing.T) {
	idx, ok := NodeCPUIndex("node1")
	if !ok || idx != 0 {
		t.Errorf("NodeCPUIndex(node1) = (%d, %v), want (0, true)", idx, ok)
	}
	idx, ok = NodeCPUIndex("node12")
	if !ok || idx != 11 {
		t.Errorf("NodeCPUIndex(node12) = (%d, %v), want (11, true)", idx, ok)
	}
	if _, ok := NodeCPUIndex("switch1"); ok {
		t.Errorf("NodeCPUIndex(switch1) should not match the nodeK convention")
	}
}

func TestDefaultSynthesizesGroupedLeaves(t *testing.T) {
	tree := Default(10)
	if !tree.Enabled {
		t.Errorf("Default topology should be Enabled")
	}
	if len(tree.AllNodes()) != 10 {
		t.Errorf("Default(10) has %d nodes, want 10", len(tree.AllNodes()))
	}
	// 10 nodes at 4-per-leaf means 3 leaf switches (4,4,2) under one core.
	leaves := map[string]bool{}
	for _, sw := range tree.NodeSwitch {
		leaves[sw] = true
	}
	if len(leaves) != 3 {
		t.Errorf("Default(10) has %d leaf switches, want 3", len(leaves))
	}
	if tree.Switches[tree.Top].Kind != Interior {
		t.Errorf("top switch should be Interior when multiple leaves exist")
	}
}

func TestDefaultSingleLeafWhenSmall(t *testing.T) {
	tree := Default(2)
	if tree.Switches[tree.Top].Kind != LeafNodes {
		t.Errorf("with only 2 CPUs, a single leaf switch should itself be the top")
	}
}
