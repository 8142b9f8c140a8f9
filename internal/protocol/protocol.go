// Package protocol defines the JSON message shapes exchanged with node
// agents over the websocket transport, plus the validators that enforce them
// at the session boundary.
package protocol

import "time"

// Close codes used by the control plane. 1000 is the standard websocket
// normal-closure code; the 4xxx range is application-defined.
const (
	CloseShutdown              = 1000
	CloseRegistrationFailed    = 4000
	CloseInvalidAuth           = 4001
	CloseRegistrationRequired  = 4401
	CloseUnsupportedProtocol   = 4406
	CloseDuplicateRegistration = 4409
)

// Version is the protocol version this server speaks natively.
const Version = "2"

// SupportedVersions lists every protocol version the server accepts from a
// registering agent. Agents that advertise anything else are closed with 4406.
var SupportedVersions = []string{"1", "2"}

// VersionSupported reports whether v is in SupportedVersions.
func VersionSupported(v string) bool {
	for _, s := range SupportedVersions {
		if s == v {
			return true
		}
	}
	return false
}

// Inbound node message types.
const (
	TypeRegister       = "register"
	TypeHeartbeat      = "heartbeat"
	TypeHostDiscovered = "host-discovered"
	TypeHostUpdated    = "host-updated"
	TypeHostRemoved    = "host-removed"
	TypeScanComplete   = "scan-complete"
	TypeCommandResult  = "command-result"
)

// Outbound command types.
const (
	TypeWake          = "wake"
	TypeScan          = "scan"
	TypePingHost      = "ping-host"
	TypeScanHostPorts = "scan-host-ports"
	TypeUpdateHost    = "update-host"
	TypeDeleteHost    = "delete-host"
	TypeSleepHost     = "sleep-host"
	TypeShutdownHost  = "shutdown-host"
)

// Other outbound message types.
const (
	TypeRegistered = "registered"
	TypeError      = "error"
)

// Metadata describes the agent software at registration time.
type Metadata struct {
	Version         string `json:"version" validate:"required"`
	Platform        string `json:"platform"`
	ProtocolVersion string `json:"protocolVersion,omitempty"`
}

// Register is the first message an agent must send on a fresh session.
type Register struct {
	NodeID       string   `json:"nodeId" validate:"required"`
	Location     string   `json:"location" validate:"required"`
	Capabilities []string `json:"capabilities"`
	Metadata     Metadata `json:"metadata"`

	// AuthToken is a legacy field older agents still echo. Tolerated when
	// absent; rejected with 4001 only on explicit mismatch.
	AuthToken string `json:"authToken,omitempty"`
}

// Registered is the server's single reply to a successful registration.
type Registered struct {
	Type              string    `json:"type"`
	NodeID            string    `json:"nodeId"`
	HeartbeatInterval int64     `json:"heartbeatInterval"` // milliseconds
	ProtocolVersion   string    `json:"protocolVersion"`
	SessionToken      string    `json:"sessionToken"`
	SessionExpiresAt  time.Time `json:"sessionExpiresAt"`
}

// Heartbeat keeps a session alive and refreshes the node's lastHeartbeat.
type Heartbeat struct {
	NodeID        string `json:"nodeId,omitempty"`
	UptimeSeconds int64  `json:"uptimeSeconds,omitempty"`
}

// HostReport carries the host payload of host-discovered / host-updated /
// host-removed messages.
type HostReport struct {
	Name   string   `json:"name" validate:"required"`
	MAC    string   `json:"mac,omitempty" validate:"omitempty,mac"`
	IP     string   `json:"ip,omitempty" validate:"omitempty,ip"`
	Status string   `json:"status,omitempty"`
	Notes  string   `json:"notes,omitempty"`
	Tags   []string `json:"tags,omitempty"`
}

// ScanComplete announces the end of a node-side host scan.
type ScanComplete struct {
	NodeID    string `json:"nodeId,omitempty"`
	HostsSeen int    `json:"hostsSeen"`
}

// HostPing is the payload a node attaches to a successful ping-host result.
type HostPing struct {
	Reachable bool      `json:"reachable"`
	Status    string    `json:"status"`
	LatencyMs int64     `json:"latencyMs"`
	CheckedAt time.Time `json:"checkedAt"`
}

// HostPortScan is the payload of a scan-host-ports result.
type HostPortScan struct {
	OpenPorts []int     `json:"openPorts"`
	ScannedAt time.Time `json:"scannedAt"`
}

// CommandResult is the node's acknowledgement of a dispatched command.
type CommandResult struct {
	CommandID     string        `json:"commandId" validate:"required"`
	Success       bool          `json:"success"`
	Error         string        `json:"error,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
	CorrelationID string        `json:"correlationId,omitempty"`
	HostPing      *HostPing     `json:"hostPing,omitempty"`
	HostPortScan  *HostPortScan `json:"hostPortScan,omitempty"`
}

// NodeMessage is the parsed union of every inbound node message. Exactly one
// of the payload pointers is set, matching Type.
type NodeMessage struct {
	Type   string
	NodeID string

	Register     *Register
	Heartbeat    *Heartbeat
	Host         *HostReport
	ScanComplete *ScanComplete
	Result       *CommandResult
}

// Command is the outbound envelope written to a node.
type Command struct {
	Type      string `json:"type" validate:"required"`
	CommandID string `json:"commandId" validate:"required,startswith=cmd_"`
	Data      any    `json:"data" validate:"required"`
}

// WakeData asks the node to emit a Wake-on-LAN packet.
type WakeData struct {
	HostName string `json:"hostName" validate:"required"`
	MAC      string `json:"mac" validate:"required,mac"`
}

// PingHostData asks the node to probe a host's reachability.
type PingHostData struct {
	HostName string `json:"hostName" validate:"required"`
	MAC      string `json:"mac,omitempty" validate:"omitempty,mac"`
	IP       string `json:"ip,omitempty" validate:"omitempty,ip"`
}

// ScanData triggers a node-side host scan.
type ScanData struct {
	Immediate bool `json:"immediate"`
}

// ScanHostPortsData asks the node to port-scan a single host. Ports must be
// sorted, unique, in 1..65535, and at most 1024 entries.
type ScanHostPortsData struct {
	HostName  string `json:"hostName" validate:"required"`
	MAC       string `json:"mac,omitempty" validate:"omitempty,mac"`
	IP        string `json:"ip,omitempty" validate:"omitempty,ip"`
	Ports     []int  `json:"ports,omitempty" validate:"omitempty,max=1024,unique,dive,min=1,max=65535"`
	TimeoutMs int    `json:"timeoutMs,omitempty" validate:"omitempty,min=1"`
}

// UpdateHostData rewrites a host record on the node. CurrentName identifies
// the host; the remaining fields are the full post-update values (fallbacks
// already applied by the router). Nil Notes/Tags mean "clear".
type UpdateHostData struct {
	CurrentName string    `json:"currentName" validate:"required"`
	Name        string    `json:"name" validate:"required"`
	MAC         string    `json:"mac,omitempty" validate:"omitempty,mac"`
	IP          string    `json:"ip,omitempty" validate:"omitempty,ip"`
	Status      string    `json:"status,omitempty"`
	Notes       *string   `json:"notes"`
	Tags        *[]string `json:"tags"`
}

// DeleteHostData removes a host record on the node.
type DeleteHostData struct {
	Name string `json:"name" validate:"required"`
}

// HostPowerData targets sleep-host and shutdown-host commands.
type HostPowerData struct {
	HostName string `json:"hostName" validate:"required"`
	MAC      string `json:"mac,omitempty" validate:"omitempty,mac"`
	IP       string `json:"ip,omitempty" validate:"omitempty,ip"`
}

// ErrorMessage is the soft protocol error sent without closing the session.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// SoftError builds the canonical invalid-payload response.
func SoftError() ErrorMessage {
	return ErrorMessage{Type: TypeError, Message: "Invalid protocol payload"}
}
