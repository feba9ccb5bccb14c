package mapping

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"
)

// vmids end up inside a remote shell command line.
var vmidPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]+$`)

// ValidationError aggregates every problem found in a mapping file.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid node mapping: %s", strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Is(target error) bool {
	var other *ValidationError
	return errors.As(target, &other)
}

type rawEntry struct {
	EsxiHost *string         `json:"esxi_host"`
	Host     *string         `json:"host"`
	VMID     json.RawMessage `json:"vmid"`
	VMIDAlt  json.RawMessage `json:"vm_id"`
}

// Load reads and validates a node mapping file.
//
// The file is a JSON object keyed by node name:
//
//	{"worker-1": {"esxi_host": "10.0.0.5", "vmid": "12"}}
//
// vmid may also be a JSON number; host and vm_id are accepted as aliases.
func Load(path string) (Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open node mapping: %w", err)
	}
	defer f.Close()
	return decode(f)
}

func decode(r io.Reader) (Table, error) {
	var raw map[string]rawEntry
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("parse node mapping: %w", err)
	}

	nodes := make([]string, 0, len(raw))
	for node := range raw {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)

	table := make(Table, len(raw))
	problems := make([]string, 0)
	for _, node := range nodes {
		entry := raw[node]
		if strings.TrimSpace(node) == "" {
			problems = append(problems, "node name must not be empty")
			continue
		}

		host := firstNonEmpty(entry.EsxiHost, entry.Host)
		if host == "" {
			problems = append(problems, fmt.Sprintf("%s: esxi_host is required", node))
		}

		vmid, err := parseVMID(entry.VMID, entry.VMIDAlt)
		switch {
		case err != nil:
			problems = append(problems, fmt.Sprintf("%s: %v", node, err))
		case vmid == "":
			problems = append(problems, fmt.Sprintf("%s: vmid is required", node))
		case !vmidPattern.MatchString(vmid):
			problems = append(problems, fmt.Sprintf("%s: vmid %q contains unsupported characters", node, vmid))
		}

		table[node] = Target{HostAddress: host, VMID: vmid}
	}

	if len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}
	return table, nil
}

func firstNonEmpty(values ...*string) string {
	for _, v := range values {
		if v != nil && strings.TrimSpace(*v) != "" {
			return strings.TrimSpace(*v)
		}
	}
	return ""
}

func parseVMID(candidates ...json.RawMessage) (string, error) {
	for _, raw := range candidates {
		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return strings.TrimSpace(s), nil
		}
		var n json.Number
		if err := json.Unmarshal(raw, &n); err == nil {
			return n.String(), nil
		}
		return "", fmt.Errorf("vmid must be a string or number, got %s", string(raw))
	}
	return "", nil
}
