package model

import (
	"fmt"
	"time"
)

// ConnectionInfo is the cluster-wide coordinate of one live connection.
// Entries are owned by the pod that wrote them; writes are last-write-wins.
type ConnectionInfo struct {
	ConnectionID  string    `json:"connectionId"`
	PodName       string    `json:"podName"`
	ClusterName   string    `json:"clusterName"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
}

// PodKey renders the "{cluster}:{pod}" routing coordinate of the connection.
func (c ConnectionInfo) PodKey() string {
	return fmt.Sprintf("%s:%s", c.ClusterName, c.PodName)
}
