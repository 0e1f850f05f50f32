// Package topology implements the Topology Engine (spec.md §4.3): parsing
// the textual switch/node configuration, building the switch tree, computing
// pairwise node distance, and selecting node sets that minimize the maximum
// pairwise distance.
//
// Grounded on _examples/original_source/src/mini_slurm/core.py's
// TopologyConfig (the range-expansion grammar and default-node synthesis)
// and on spec.md §9's REDESIGN FLAGS guidance to model the switch as a
// sum-typed AST (Kind: LeafNodes | Interior) rather than the original's
// single dict-of-dicts representation.
package topology

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Kind distinguishes a leaf switch (attached to compute nodes) from an
// interior switch (attached to other switches).
type Kind int

const (
	LeafNodes Kind = iota
	Interior
)

// Switch is one node of the topology tree.
type Switch struct {
	Name     string
	Kind     Kind
	Nodes    []string // populated when Kind == LeafNodes
	Children []string // populated when Kind == Interior; names of child switches
	Parent   string   // "" for the top switch
}

// Tree is the parsed topology: a set of switches plus derived indexes used
// by Distance and SelectNodes.
type Tree struct {
	Enabled      bool
	Switches     map[string]*Switch // by name
	NodeSwitch   map[string]string  // node name -> leaf switch name
	Top          string             // name of the switch with no parent
	allNodes     []string           // stable order, for deterministic iteration
	switchDepths map[string]int     // depth from leaf = 1 upward
}

var switchLine = regexp.MustCompile(`^SwitchName=(\S+)\s+(Nodes|Switches)=(.+)$`)

// rangeToken matches "prefix[a-b]"; plain comma-separated names fall through
// to a literal split.
var rangeToken = regexp.MustCompile(`^([A-Za-z0-9_]*?)\[(\d+)-(\d+)\]$`)

// Parse reads a topology config per spec.md §4.3's grammar:
//
//	TopologyPlugin=topology/tree        # or any of {topology, yes, 1, true}
//	SwitchName=<name> Nodes=<list>      # leaf switch
//	SwitchName=<name> Switches=<list>   # interior switch
//
// Lists accept comma-separated names and range expansions combinable within
// a single comma-separated list (e.g. "node[1-4],node9,node[20-22]").
func Parse(r io.Reader) (*Tree, error) {
	t := &Tree{
		Enabled:    true, // a loadable config implies topology-aware scheduling unless TopologyPlugin says otherwise
		Switches:   map[string]*Switch{},
		NodeSwitch: map[string]string{},
	}

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if strings.HasPrefix(line, "TopologyPlugin=") {
			value := strings.TrimSpace(strings.TrimPrefix(line, "TopologyPlugin="))
			switch strings.ToLower(value) {
			case "topology/tree", "topology", "yes", "1", "true":
				t.Enabled = true
			default:
				t.Enabled = false
			}
			continue
		}

		m := switchLine.FindStringSubmatch(line)
		if m == nil {
			return nil, errors.Errorf("topology: line %d: malformed directive %q", lineNo, line)
		}
		name, kind, targetsRaw := m[1], m[2], m[3]
		targets, err := expandList(targetsRaw)
		if err != nil {
			return nil, errors.Wrapf(err, "topology: line %d", lineNo)
		}

		sw := t.getOrCreate(name)
		switch kind {
		case "Nodes":
			sw.Kind = LeafNodes
			for _, n := range targets {
				if existing, ok := t.NodeSwitch[n]; ok && existing != name {
					return nil, errors.Errorf("topology: line %d: node %q already attached to switch %q", lineNo, n, existing)
				}
				t.NodeSwitch[n] = name
				sw.Nodes = append(sw.Nodes, n)
			}
		case "Switches":
			sw.Kind = Interior
			for _, c := range targets {
				child := t.getOrCreate(c)
				if child.Parent != "" && child.Parent != name {
					return nil, errors.Errorf("topology: line %d: switch %q already has parent %q", lineNo, c, child.Parent)
				}
				child.Parent = name
				sw.Children = append(sw.Children, c)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "topology: reading config")
	}

	if err := t.finalize(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tree) getOrCreate(name string) *Switch {
	if sw, ok := t.Switches[name]; ok {
		return sw
	}
	sw := &Switch{Name: name, Kind: LeafNodes}
	t.Switches[name] = sw
	return sw
}

// expandList parses a comma-separated list where each token may itself be a
// "name[a-b]" inclusive range expansion.
func expandList(raw string) ([]string, error) {
	var out []string
	for _, tok := range strings.Split(raw, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if m := rangeToken.FindStringSubmatch(tok); m != nil {
			prefix := m[1]
			start, err1 := strconv.Atoi(m[2])
			end, err2 := strconv.Atoi(m[3])
			if err1 != nil || err2 != nil || start > end {
				return nil, errors.Errorf("invalid range expression %q", tok)
			}
			for i := start; i <= end; i++ {
				out = append(out, fmt.Sprintf("%s%d", prefix, i))
			}
			continue
		}
		out = append(out, tok)
	}
	return out, nil
}

// finalize locates the single top switch, checks for cycles, and computes
// per-switch depth (leaf = 1, upward) used by Distance.
func (t *Tree) finalize() error {
	if len(t.Switches) == 0 {
		return errors.New("topology: no switches defined")
	}

	var tops []string
	for name, sw := range t.Switches {
		if sw.Parent == "" {
			tops = append(tops, name)
		}
	}
	sort.Strings(tops)
	if len(tops) == 0 {
		return errors.New("topology: no top switch found (cycle?)")
	}
	if len(tops) > 1 {
		return errors.Errorf("topology: multiple switches with no parent: %v", tops)
	}
	t.Top = tops[0]

	t.switchDepths = map[string]int{}
	visiting := map[string]bool{}
	var depthOf func(name string) (int, error)
	depthOf = func(name string) (int, error) {
		if d, ok := t.switchDepths[name]; ok {
			return d, nil
		}
		if visiting[name] {
			return 0, errors.Errorf("topology: cycle detected at switch %q", name)
		}
		visiting[name] = true
		sw, ok := t.Switches[name]
		if !ok {
			return 0, errors.Errorf("topology: reference to undefined switch %q", name)
		}
		d := 1
		if sw.Kind == Interior {
			maxChildDepth := 0
			for _, c := range sw.Children {
				cd, err := depthOf(c)
				if err != nil {
					return 0, err
				}
				if cd > maxChildDepth {
					maxChildDepth = cd
				}
			}
			d = maxChildDepth + 1
		}
		visiting[name] = false
		t.switchDepths[name] = d
		return d, nil
	}

	for name := range t.Switches {
		if _, err := depthOf(name); err != nil {
			return err
		}
	}

	t.allNodes = t.allNodes[:0]
	for node := range t.NodeSwitch {
		t.allNodes = append(t.allNodes, node)
	}
	sort.Strings(t.allNodes)

	return nil
}

// AllNodes returns every node defined in the tree, sorted by name.
func (t *Tree) AllNodes() []string {
	out := make([]string, len(t.allNodes))
	copy(out, t.allNodes)
	return out
}

// lcaDepth returns the depth (leaf = 1, counting upward) of the lowest
// common ancestor switch of two leaf switches.
func (t *Tree) lcaDepth(switch1, switch2 string) int {
	if switch1 == switch2 {
		return t.switchDepths[switch1]
	}
	path1 := t.pathToRoot(switch1)
	path2 := t.pathToRoot(switch2)

	set2 := make(map[string]bool, len(path2))
	for _, s := range path2 {
		set2[s] = true
	}
	for _, s := range path1 {
		if set2[s] {
			return t.switchDepths[s]
		}
	}
	return t.switchDepths[t.Top]
}

func (t *Tree) pathToRoot(switchName string) []string {
	var path []string
	cur := switchName
	for cur != "" {
		path = append(path, cur)
		cur = t.Switches[cur].Parent
	}
	return path
}

// Distance implements spec.md §4.3's metric: 2 × (depth of LCA − 1), where
// depth counts levels from leaf = 1. Same node is 0; same leaf switch is 0;
// different leaf under the same parent is 2; grandparent is 4; etc.
func (t *Tree) Distance(node1, node2 string) (int, error) {
	if node1 == node2 {
		return 0, nil
	}
	sw1, ok1 := t.NodeSwitch[node1]
	sw2, ok2 := t.NodeSwitch[node2]
	if !ok1 {
		return 0, errors.Errorf("topology: unknown node %q", node1)
	}
	if !ok2 {
		return 0, errors.Errorf("topology: unknown node %q", node2)
	}
	if sw1 == sw2 {
		return 0, nil
	}
	depth := t.lcaDepth(sw1, sw2)
	return 2 * (depth - 1), nil
}

// SelectNodes picks k nodes from the free set per spec.md §4.3's algorithm:
// prefer a single leaf switch with >= k free nodes (most-free first, tie by
// name); otherwise greedy minimax starting from the leaf with the most free
// nodes. Returns an error if k nodes cannot be assembled from free.
func (t *Tree) SelectNodes(free map[string]bool, k int) ([]string, error) {
	if k <= 0 {
		return nil, nil
	}

	freeList := make([]string, 0, len(free))
	for n := range free {
		if free[n] {
			freeList = append(freeList, n)
		}
	}
	if len(freeList) < k {
		return nil, errors.Errorf("topology: only %d free nodes, need %d", len(freeList), k)
	}
	sort.Strings(freeList)

	// Step 1: single leaf switch with enough free nodes.
	bySwitch := map[string][]string{}
	for _, n := range freeList {
		sw := t.NodeSwitch[n]
		bySwitch[sw] = append(bySwitch[sw], n)
	}
	var switchNames []string
	for sw := range bySwitch {
		switchNames = append(switchNames, sw)
	}
	sort.Slice(switchNames, func(i, j int) bool {
		ni, nj := len(bySwitch[switchNames[i]]), len(bySwitch[switchNames[j]])
		if ni != nj {
			return ni > nj // most free first
		}
		return switchNames[i] < switchNames[j] // tie by switch name
	})
	if len(switchNames) > 0 && len(bySwitch[switchNames[0]]) >= k {
		nodes := bySwitch[switchNames[0]]
		sort.Strings(nodes)
		return append([]string{}, nodes[:k]...), nil
	}

	// Step 2: greedy minimax selection, starting from the leaf switch with
	// the most free nodes.
	selected := []string{}
	if len(switchNames) > 0 {
		start := bySwitch[switchNames[0]]
		sort.Strings(start)
		selected = append(selected, start[0])
	}
	remaining := map[string]bool{}
	for _, n := range freeList {
		remaining[n] = true
	}
	delete(remaining, selected[0])

	for len(selected) < k {
		best, err := t.pickNextMinimax(selected, remaining)
		if err != nil {
			return nil, err
		}
		if best == "" {
			return nil, errors.Errorf("topology: could not assemble %d nodes minimizing max distance", k)
		}
		selected = append(selected, best)
		delete(remaining, best)
	}
	return selected, nil
}

// pickNextMinimax adds the free node that minimizes the resulting maximum
// pairwise distance among chosen nodes; ties broken by smallest distance to
// the current centroid (mean pairwise distance to already-selected nodes),
// then by node name (spec.md §4.3 step 2).
func (t *Tree) pickNextMinimax(selected []string, remaining map[string]bool) (string, error) {
	type candidate struct {
		node        string
		maxDistance int
		centroidSum int
	}
	var candidates []candidate

	var names []string
	for n := range remaining {
		if remaining[n] {
			names = append(names, n)
		}
	}
	sort.Strings(names)

	for _, cand := range names {
		maxDist := 0
		centroidSum := 0
		for _, s := range selected {
			d, err := t.Distance(cand, s)
			if err != nil {
				return "", err
			}
			if d > maxDist {
				maxDist = d
			}
			centroidSum += d
		}
		candidates = append(candidates, candidate{cand, maxDist, centroidSum})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].maxDistance != candidates[j].maxDistance {
			return candidates[i].maxDistance < candidates[j].maxDistance
		}
		if candidates[i].centroidSum != candidates[j].centroidSum {
			return candidates[i].centroidSum < candidates[j].centroidSum
		}
		return candidates[i].node < candidates[j].node
	})
	if len(candidates) == 0 {
		return "", nil
	}
	return candidates[0].node, nil
}

var nodeIndexPattern = regexp.MustCompile(`^node(\d+)$`)

// NodeCPUIndex implements spec.md §4.2's default node-to-CPU mapping:
// identity, nodeK -> cpu index K-1. Nodes not matching the "nodeK" naming
// convention (e.g. custom topology configs with arbitrary names) have no
// well-defined CPU index and ok is false.
func NodeCPUIndex(node string) (index int, ok bool) {
	m := nodeIndexPattern.FindStringSubmatch(node)
	if m == nil {
		return 0, false
	}
	k, err := strconv.Atoi(m[1])
	if err != nil || k < 1 {
		return 0, false
	}
	return k - 1, true
}

// Default synthesizes the fallback topology when topology is requested but
// no config file exists (spec.md §4.3): one node per CPU, grouped 4-per-leaf
// switch under one core switch. Grounded on
// MiniSlurm._initialize_default_nodes in the original Python source.
func Default(totalCPUs int) *Tree {
	const nodesPerSwitch = 4
	t := &Tree{
		Enabled:    true,
		Switches:   map[string]*Switch{},
		NodeSwitch: map[string]string{},
	}
	if totalCPUs <= 0 {
		totalCPUs = 1
	}
	numSwitches := (totalCPUs + nodesPerSwitch - 1) / nodesPerSwitch

	for i := 0; i < totalCPUs; i++ {
		node := fmt.Sprintf("node%d", i+1)
		switchName := fmt.Sprintf("switch%d", (i/nodesPerSwitch)+1)
		sw := t.getOrCreate(switchName)
		sw.Kind = LeafNodes
		sw.Nodes = append(sw.Nodes, node)
		t.NodeSwitch[node] = switchName
	}

	if numSwitches > 1 {
		core := t.getOrCreate("core1")
		core.Kind = Interior
		for i := 1; i <= numSwitches; i++ {
			leaf := fmt.Sprintf("switch%d", i)
			t.Switches[leaf].Parent = core.Name
			core.Children = append(core.Children, leaf)
		}
	}

	if err := t.finalize(); err != nil {
		// Default synthesis is constructed to always be well-formed;
		// a failure here indicates a bug in Default itself.
		panic(errors.Wrap(err, "topology: default synthesis produced an invalid tree"))
	}
	return t
}
