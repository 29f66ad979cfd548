package database

import "time"

// ClientInfo is a struct for a registered client connection.
type ClientInfo struct {
	ID          string
	ConnRef     string
	ConnectedAt time.Time
}

// DeepCopy creates a deep copy of the given ClientInfo.
func (c *ClientInfo) DeepCopy() *ClientInfo {
	return &ClientInfo{
		ID:          c.ID,
		ConnRef:     c.ConnRef,
		ConnectedAt: c.ConnectedAt,
	}
}
