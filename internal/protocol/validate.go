package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// envelope is the minimal shape sniffed from every inbound frame before the
// per-type payload is decoded.
type envelope struct {
	Type   string `json:"type"`
	NodeID string `json:"nodeId"`
}

// SniffType extracts the type discriminator from a raw frame without full
// decoding. Returns "unknown" when the frame is not JSON or has no type.
func SniffType(data []byte) string {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
		return "unknown"
	}
	return env.Type
}

// ParseNodeMessage decodes and validates one inbound frame from a node.
// The returned NodeMessage has exactly one payload pointer set.
func ParseNodeMessage(data []byte) (*NodeMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("frame has no type")
	}

	msg := &NodeMessage{Type: env.Type, NodeID: env.NodeID}

	switch env.Type {
	case TypeRegister:
		var p Register
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode register: %w", err)
		}
		if err := validate.Struct(&p); err != nil {
			return nil, fmt.Errorf("validate register: %w", err)
		}
		msg.Register = &p
		msg.NodeID = p.NodeID

	case TypeHeartbeat:
		var p Heartbeat
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode heartbeat: %w", err)
		}
		msg.Heartbeat = &p

	case TypeHostDiscovered, TypeHostUpdated, TypeHostRemoved:
		var p struct {
			Host HostReport `json:"host"`
		}
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode host report: %w", err)
		}
		if err := validate.Struct(&p.Host); err != nil {
			return nil, fmt.Errorf("validate host report: %w", err)
		}
		msg.Host = &p.Host

	case TypeScanComplete:
		var p ScanComplete
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode scan-complete: %w", err)
		}
		msg.ScanComplete = &p

	case TypeCommandResult:
		var p CommandResult
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode command-result: %w", err)
		}
		if err := validate.Struct(&p); err != nil {
			return nil, fmt.Errorf("validate command-result: %w", err)
		}
		msg.Result = &p

	default:
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}

	return msg, nil
}

// ValidateCommand checks an outbound command envelope and its per-type data
// shape. Returns an error describing the first violation found.
func ValidateCommand(c *Command) error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("validate command envelope: %w", err)
	}

	switch c.Type {
	case TypeWake:
		return validateData[WakeData](c)
	case TypePingHost:
		return validateData[PingHostData](c)
	case TypeScan:
		return validateData[ScanData](c)
	case TypeScanHostPorts:
		if err := validateData[ScanHostPortsData](c); err != nil {
			return err
		}
		d := c.Data.(ScanHostPortsData)
		for i := 1; i < len(d.Ports); i++ {
			if d.Ports[i] <= d.Ports[i-1] {
				return fmt.Errorf("validate %s data: ports must be sorted and unique", c.Type)
			}
		}
		return nil
	case TypeUpdateHost:
		return validateData[UpdateHostData](c)
	case TypeDeleteHost:
		return validateData[DeleteHostData](c)
	case TypeSleepHost, TypeShutdownHost:
		return validateData[HostPowerData](c)
	default:
		return fmt.Errorf("unknown command type %q", c.Type)
	}
}

// validateData asserts the concrete data type and runs its struct validators.
func validateData[T any](c *Command) error {
	d, ok := c.Data.(T)
	if !ok {
		return fmt.Errorf("command %s carries %T data", c.Type, c.Data)
	}
	if err := validate.Struct(&d); err != nil {
		return fmt.Errorf("validate %s data: %w", c.Type, err)
	}
	return nil
}
