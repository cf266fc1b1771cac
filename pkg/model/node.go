package model

import "time"

// Node is an execution agent offering capacity to the broker.
type Node struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Addr         string    `json:"addr"`
	State        NodeState `json:"state"`
	Capacity     Resource  `json:"capacity"`
	Used         Resource  `json:"used"`
	LastSeen     time.Time `json:"last_seen"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Free returns the capacity not held by slots.
func (n *Node) Free() Resource {
	return n.Capacity.Sub(n.Used)
}

// NodeRegistration is what an agent sends when it joins the cluster.
type NodeRegistration struct {
	Name     string   `json:"name"`
	Addr     string   `json:"addr"`
	Capacity Resource `json:"capacity"`
}
