package protocol

import (
	"strings"
	"testing"
)

func TestParseNodeMessageRegister(t *testing.T) {
	data := []byte(`{
		"type": "register",
		"nodeId": "node-1",
		"location": "Home Office",
		"capabilities": ["wake", "scan"],
		"metadata": {"version": "1.4.0", "platform": "linux", "protocolVersion": "2"}
	}`)
	msg, err := ParseNodeMessage(data)
	if err != nil {
		t.Fatalf("ParseNodeMessage: %v", err)
	}
	if msg.Type != TypeRegister || msg.NodeID != "node-1" {
		t.Errorf("got type=%s nodeID=%s", msg.Type, msg.NodeID)
	}
	if msg.Register == nil || msg.Register.Location != "Home Office" {
		t.Errorf("register payload not decoded: %+v", msg.Register)
	}
}

func TestParseNodeMessageRejectsRegisterWithoutLocation(t *testing.T) {
	data := []byte(`{"type":"register","nodeId":"node-1","metadata":{"version":"1.0"}}`)
	if _, err := ParseNodeMessage(data); err == nil {
		t.Fatal("expected validation error for missing location")
	}
}

func TestParseNodeMessageHostReport(t *testing.T) {
	data := []byte(`{"type":"host-discovered","host":{"name":"desk-pc","mac":"AA:BB:CC:DD:EE:FF","ip":"192.168.1.10"}}`)
	msg, err := ParseNodeMessage(data)
	if err != nil {
		t.Fatalf("ParseNodeMessage: %v", err)
	}
	if msg.Host == nil || msg.Host.Name != "desk-pc" {
		t.Errorf("host report not decoded: %+v", msg.Host)
	}
}

func TestParseNodeMessageRejectsBadMAC(t *testing.T) {
	data := []byte(`{"type":"host-discovered","host":{"name":"desk-pc","mac":"not-a-mac"}}`)
	if _, err := ParseNodeMessage(data); err == nil {
		t.Fatal("expected validation error for malformed mac")
	}
}

func TestParseNodeMessageUnknownType(t *testing.T) {
	if _, err := ParseNodeMessage([]byte(`{"type":"mystery"}`)); err == nil {
		t.Fatal("expected error for unknown type")
	}
	if _, err := ParseNodeMessage([]byte(`{"nodeId":"x"}`)); err == nil {
		t.Fatal("expected error for missing type")
	}
}

func TestSniffType(t *testing.T) {
	if got := SniffType([]byte(`{"type":"heartbeat"}`)); got != "heartbeat" {
		t.Errorf("SniffType = %q", got)
	}
	if got := SniffType([]byte(`garbage`)); got != "unknown" {
		t.Errorf("SniffType(garbage) = %q", got)
	}
	if got := SniffType([]byte(`{}`)); got != "unknown" {
		t.Errorf("SniffType({}) = %q", got)
	}
}

func TestValidateCommandWake(t *testing.T) {
	cmd := &Command{
		Type:      TypeWake,
		CommandID: "cmd_123",
		Data:      WakeData{HostName: "desk-pc", MAC: "AA:BB:CC:DD:EE:FF"},
	}
	if err := ValidateCommand(cmd); err != nil {
		t.Fatalf("valid wake rejected: %v", err)
	}

	cmd.Data = WakeData{HostName: "desk-pc"}
	if err := ValidateCommand(cmd); err == nil {
		t.Fatal("wake without mac accepted")
	}
}

func TestValidateCommandRequiresCmdPrefix(t *testing.T) {
	cmd := &Command{
		Type:      TypeWake,
		CommandID: "wake-1",
		Data:      WakeData{HostName: "h", MAC: "AA:BB:CC:DD:EE:FF"},
	}
	err := ValidateCommand(cmd)
	if err == nil {
		t.Fatal("command id without cmd_ prefix accepted")
	}
	if !strings.Contains(err.Error(), "envelope") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidateCommandPortScan(t *testing.T) {
	mk := func(ports []int) *Command {
		return &Command{
			Type:      TypeScanHostPorts,
			CommandID: "cmd_1",
			Data:      ScanHostPortsData{HostName: "h", Ports: ports},
		}
	}

	if err := ValidateCommand(mk([]int{22, 80, 443})); err != nil {
		t.Errorf("sorted unique ports rejected: %v", err)
	}
	if err := ValidateCommand(mk([]int{80, 22})); err == nil {
		t.Error("unsorted ports accepted")
	}
	if err := ValidateCommand(mk([]int{22, 22})); err == nil {
		t.Error("duplicate ports accepted")
	}
	if err := ValidateCommand(mk([]int{0, 22})); err == nil {
		t.Error("port 0 accepted")
	}
	if err := ValidateCommand(mk([]int{22, 70000})); err == nil {
		t.Error("port above 65535 accepted")
	}
}

func TestValidateCommandUnknownType(t *testing.T) {
	cmd := &Command{Type: "explode", CommandID: "cmd_1", Data: struct{}{}}
	if err := ValidateCommand(cmd); err == nil {
		t.Fatal("unknown command type accepted")
	}
}

func TestDecodeCommandRoundTrip(t *testing.T) {
	data := []byte(`{"type":"wake","commandId":"cmd_abc","data":{"hostName":"desk-pc","mac":"AA:BB:CC:DD:EE:FF"}}`)
	cmd, err := DecodeCommand(data)
	if err != nil {
		t.Fatalf("DecodeCommand: %v", err)
	}
	wd, ok := cmd.Data.(WakeData)
	if !ok {
		t.Fatalf("data type = %T, want WakeData value", cmd.Data)
	}
	if wd.MAC != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("mac = %q", wd.MAC)
	}
	if err := ValidateCommand(cmd); err != nil {
		t.Errorf("decoded command fails validation: %v", err)
	}
}
