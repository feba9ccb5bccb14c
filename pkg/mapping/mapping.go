// Package mapping resolves Kubernetes node names to the hypervisor VMs that back them.
package mapping

import (
	"fmt"
	"sort"
)

// Target identifies the VM backing a node: the hypervisor host to connect to and
// the VM identifier understood by that host's administrative tooling.
type Target struct {
	HostAddress string `json:"esxi_host"`
	VMID        string `json:"vmid"`
}

func (t Target) String() string {
	return fmt.Sprintf("%s/%s", t.HostAddress, t.VMID)
}

// Table maps node names to their VM targets.
type Table map[string]Target

// Nodes returns the mapped node names in sorted order.
func (t Table) Nodes() []string {
	names := make([]string, 0, len(t))
	for name := range t {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// UnmappedNodeError reports a node that has no entry in the mapping table.
type UnmappedNodeError struct {
	Node string
}

func (e *UnmappedNodeError) Error() string {
	return fmt.Sprintf("node %q is unmapped: no VM entry in node mapping", e.Node)
}

// Resolver performs exact-match lookups against an immutable copy of a Table.
type Resolver struct {
	table Table
}

// NewResolver copies table so later changes to the caller's map do not leak into lookups.
func NewResolver(table Table) *Resolver {
	copied := make(Table, len(table))
	for name, target := range table {
		copied[name] = target
	}
	return &Resolver{table: copied}
}

// Resolve returns the VM target for node or an *UnmappedNodeError.
func (r *Resolver) Resolve(node string) (Target, error) {
	if r != nil {
		if target, ok := r.table[node]; ok {
			return target, nil
		}
	}
	return Target{}, &UnmappedNodeError{Node: node}
}

// Len reports how many nodes the resolver knows about.
func (r *Resolver) Len() int {
	if r == nil {
		return 0
	}
	return len(r.table)
}
