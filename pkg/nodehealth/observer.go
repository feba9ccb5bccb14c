package nodehealth

import (
	"context"
	"errors"
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// ClusterUnreachableError reports that the node list could not be obtained.
// Without it no remediation decision can be made, so callers abort the run.
type ClusterUnreachableError struct {
	Err error
}

func (e *ClusterUnreachableError) Error() string {
	return fmt.Sprintf("cluster unreachable: list nodes: %v", e.Err)
}

func (e *ClusterUnreachableError) Unwrap() error { return e.Err }

// Observer lists cluster nodes and filters them by health.
type Observer struct {
	client        kubernetes.Interface
	labelSelector string
}

// ObserverOption configures an Observer.
type ObserverOption func(*Observer)

// WithLabelSelector restricts listing to nodes matching selector.
func WithLabelSelector(selector string) ObserverOption {
	return func(o *Observer) {
		o.labelSelector = selector
	}
}

// NewObserver builds an Observer over client.
func NewObserver(client kubernetes.Interface, opts ...ObserverOption) (*Observer, error) {
	if client == nil {
		return nil, errors.New("kubernetes client must not be nil")
	}
	o := &Observer{client: client}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// ListNodes performs one listing query and returns every node in API order.
func (o *Observer) ListNodes(ctx context.Context) ([]NodeStatus, error) {
	list, err := o.client.CoreV1().Nodes().List(ctx, metav1.ListOptions{LabelSelector: o.labelSelector})
	if err != nil {
		return nil, &ClusterUnreachableError{Err: err}
	}
	nodes := make([]NodeStatus, 0, len(list.Items))
	for i := range list.Items {
		nodes = append(nodes, FromNode(&list.Items[i]))
	}
	return nodes, nil
}

// ListUnreadyNodes returns the NotReady nodes, preserving API order.
func (o *Observer) ListUnreadyNodes(ctx context.Context) ([]NodeStatus, error) {
	nodes, err := o.ListNodes(ctx)
	if err != nil {
		return nil, err
	}
	unready := make([]NodeStatus, 0)
	for _, node := range nodes {
		if node.Health() == NotReady {
			unready = append(unready, node)
		}
	}
	return unready, nil
}
