package protocol

import (
	"encoding/json"
	"fmt"
)

// DecodeCommand rebuilds a typed outbound command from its persisted JSON
// envelope. The inverse of marshalling a Command: Data comes back as the
// concrete per-type struct, ready for ValidateCommand.
func DecodeCommand(data []byte) (*Command, error) {
	var env struct {
		Type      string          `json:"type"`
		CommandID string          `json:"commandId"`
		Data      json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode command envelope: %w", err)
	}

	cmd := &Command{Type: env.Type, CommandID: env.CommandID}

	switch env.Type {
	case TypeWake:
		cmd.Data = new(WakeData)
	case TypePingHost:
		cmd.Data = new(PingHostData)
	case TypeScan:
		cmd.Data = new(ScanData)
	case TypeScanHostPorts:
		cmd.Data = new(ScanHostPortsData)
	case TypeUpdateHost:
		cmd.Data = new(UpdateHostData)
	case TypeDeleteHost:
		cmd.Data = new(DeleteHostData)
	case TypeSleepHost, TypeShutdownHost:
		cmd.Data = new(HostPowerData)
	default:
		return nil, fmt.Errorf("unknown command type %q", env.Type)
	}
	if err := json.Unmarshal(env.Data, cmd.Data); err != nil {
		return nil, fmt.Errorf("decode %s data: %w", env.Type, err)
	}

	// Collapse the pointer so Data holds the struct value, the shape every
	// route builds and ValidateCommand asserts.
	switch d := cmd.Data.(type) {
	case *WakeData:
		cmd.Data = *d
	case *PingHostData:
		cmd.Data = *d
	case *ScanData:
		cmd.Data = *d
	case *ScanHostPortsData:
		cmd.Data = *d
	case *UpdateHostData:
		cmd.Data = *d
	case *DeleteHostData:
		cmd.Data = *d
	case *HostPowerData:
		cmd.Data = *d
	}
	return cmd, nil
}
