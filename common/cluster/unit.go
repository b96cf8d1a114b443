package cluster

import (
	"fmt"

	"github.com/google/uuid"
)

// Unit is one accelerator slot: a single device on a single node. Units are created once,
// when the topology is built, and are thereafter owned by at most one live resource pool at
// a time.
type Unit struct {
	// ID uniquely identifies the unit for the lifetime of the topology.
	ID string `json:"id"`

	// NodeName is the physical node hosting the device.
	NodeName string `json:"node_name"`

	// DeviceIndex is the device's index on its node (e.g., the CUDA device ordinal).
	DeviceIndex int `json:"device_index"`
}

func newUnit(nodeName string, deviceIndex int) *Unit {
	return &Unit{
		ID:          uuid.NewString(),
		NodeName:    nodeName,
		DeviceIndex: deviceIndex,
	}
}

func (u *Unit) String() string {
	return fmt.Sprintf("Unit[Node=%s,Device=%d]", u.NodeName, u.DeviceIndex)
}
