package job

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Priority is an ordinal job priority level
type Priority int

// Named priority levels, lowest first
const (
	Fifo Priority = iota
	Low
	Normal
	Medium
	High
	Critical
)

// MaxBrokerPriority is the highest priority the main queue is declared with
const MaxBrokerPriority = 10

var priorityNames = map[Priority]string{
	Fifo:     "fifo",
	Low:      "low",
	Normal:   "normal",
	Medium:   "medium",
	High:     "high",
	Critical: "critical",
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return strconv.Itoa(int(p))
}

// ParsePriority accepts a level name (case-insensitive) or its number
func ParsePriority(s string) (Priority, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for p, name := range priorityNames {
		if name == s {
			return p, nil
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("unknown priority %q", s)
	}
	return Priority(n), nil
}

// Valid reports whether p is one of the named levels
func (p Priority) Valid() bool {
	return p >= Fifo && p <= Critical
}

// UnmarshalJSON accepts a level number or a level name
func (p *Priority) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*p = Priority(n)
		return nil
	}

	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return fmt.Errorf("priority must be a number or a level name: %w", err)
	}
	parsed, err := ParsePriority(name)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// PriorityMap maps levels onto the broker's 0..MaxBrokerPriority range
type PriorityMap map[Priority]int

// DefaultPriorityMap spreads the six levels evenly over 0..10
func DefaultPriorityMap() PriorityMap {
	m := make(PriorityMap, len(priorityNames))
	for p := range priorityNames {
		m[p] = int(p) * 2
	}
	return m
}

// PriorityMapFromNames builds a map from level names, on top of the defaults
func PriorityMapFromNames(names map[string]int) (PriorityMap, error) {
	m := DefaultPriorityMap()
	for name, value := range names {
		p, err := ParsePriority(name)
		if err != nil {
			return nil, err
		}
		m[p] = value
	}
	return m, nil
}

// Broker returns the broker priority for p, clamped to 0..MaxBrokerPriority.
// Levels missing from the map use level*2.
func (m PriorityMap) Broker(p Priority) uint8 {
	v, ok := m[p]
	if !ok {
		v = int(p) * 2
	}
	switch {
	case v < 0:
		v = 0
	case v > MaxBrokerPriority:
		v = MaxBrokerPriority
	}
	return uint8(v)
}
