// Package nodehealth classifies Kubernetes nodes as Ready or NotReady.
package nodehealth

import (
	corev1 "k8s.io/api/core/v1"
)

// Health is the two-valued classification of a node.
type Health string

const (
	Ready    Health = "Ready"
	NotReady Health = "NotReady"
)

// Condition is one entry of a node's status conditions.
type Condition struct {
	Type   string
	Status string
}

// NodeStatus is a snapshot of a node taken from one listing query.
type NodeStatus struct {
	Name       string
	Conditions []Condition
}

// Health classifies the node.
func (n NodeStatus) Health() Health {
	return Classify(n.Conditions)
}

// ReadyStatus returns the status of the first Ready condition, or "" when there is none.
func (n NodeStatus) ReadyStatus() string {
	for _, c := range n.Conditions {
		if c.Type == string(corev1.NodeReady) {
			return c.Status
		}
	}
	return ""
}

// Classify returns Ready only when the first condition of type Ready has status
// True. False, Unknown and a missing Ready condition all classify as NotReady.
func Classify(conditions []Condition) Health {
	for _, c := range conditions {
		if c.Type != string(corev1.NodeReady) {
			continue
		}
		if c.Status == string(corev1.ConditionTrue) {
			return Ready
		}
		return NotReady
	}
	return NotReady
}

// FromNode converts an API node into a NodeStatus.
func FromNode(node *corev1.Node) NodeStatus {
	status := NodeStatus{Name: node.Name}
	if len(node.Status.Conditions) > 0 {
		status.Conditions = make([]Condition, 0, len(node.Status.Conditions))
	}
	for _, c := range node.Status.Conditions {
		status.Conditions = append(status.Conditions, Condition{
			Type:   string(c.Type),
			Status: string(c.Status),
		})
	}
	return status
}
