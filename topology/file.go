package topology

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadFile reads a topology from YAML. Missing exchanges, dead-letter names
// and ladders fall back to the defaults.
//
//	queues:
//	  - name: payments.allocate.v1
//	    routing_key: tenant.*.payments.allocate
//	    retry_ladder: [10s, 1m, 5m]
func LoadFile(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read topology file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML topology and applies defaults.
func Parse(data []byte) (*Topology, error) {
	var t Topology
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse topology: %w", err)
	}
	t.applyDefaults()
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("invalid topology: %w", err)
	}
	return &t, nil
}

func (t *Topology) applyDefaults() {
	if t.CommandExchange == "" {
		t.CommandExchange = CommandExchange
	}
	if t.RetryExchange == "" {
		t.RetryExchange = RetryExchange
	}
	if t.DeadLetterExchange == "" {
		t.DeadLetterExchange = DeadLetterExchange
	}
	if t.EventExchange == "" {
		t.EventExchange = EventExchange
	}
	for i := range t.Queues {
		q := &t.Queues[i]
		if q.Exchange == "" {
			q.Exchange = t.CommandExchange
		}
		if q.DLQName == "" && q.Name != "" {
			q.DLQName = DLQName(q.Name)
		}
		if q.RetryLadder == nil {
			q.RetryLadder = append(q.RetryLadder, DefaultRetryLadder...)
		}
	}
}
