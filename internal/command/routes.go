package command

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/wakefleet/cnc/internal/node"
	"github.com/wakefleet/cnc/internal/protocol"
)

// WakeResult is the typed response of RouteWake.
type WakeResult struct {
	Success       bool   `json:"success"`
	Message       string `json:"message"`
	NodeID        string `json:"nodeId"`
	Location      string `json:"location"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// PingResult is the typed response of RoutePingHost.
type PingResult struct {
	Target        string    `json:"target"`
	CheckedAt     time.Time `json:"checkedAt"`
	LatencyMs     int64     `json:"latencyMs"`
	Success       bool      `json:"success"`
	Status        string    `json:"status"`
	Source        string    `json:"source"`
	CorrelationID string    `json:"correlationId,omitempty"`
}

// PortScanResult is the typed response of RouteScanHostPorts.
type PortScanResult struct {
	Target        string    `json:"target"`
	OpenPorts     []int     `json:"openPorts"`
	ScannedAt     time.Time `json:"scannedAt"`
	CorrelationID string    `json:"correlationId,omitempty"`
}

// AckResult is the generic response of routes with no typed payload.
type AckResult struct {
	Success       bool      `json:"success"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlationId,omitempty"`
}

func ackOf(res protocol.CommandResult) *AckResult {
	return &AckResult{
		Success:       res.Success,
		Timestamp:     res.Timestamp,
		CorrelationID: res.CorrelationID,
	}
}

// RouteWake sends a Wake-on-LAN command to the node managing the host.
func (r *Router) RouteWake(fqn string, opts Options) (*WakeResult, error) {
	h, location, err := r.resolveHost(fqn)
	if err != nil {
		return nil, err
	}

	cmd := &protocol.Command{
		Type:      protocol.TypeWake,
		CommandID: newCommandID(),
		Data:      protocol.WakeData{HostName: h.Name, MAC: h.MAC},
	}
	res, err := r.executeCommand(h.NodeID, cmd, opts)
	if err != nil {
		return nil, err
	}
	return &WakeResult{
		Success:       true,
		Message:       "Wake-on-LAN packet sent to " + fqn,
		NodeID:        h.NodeID,
		Location:      location,
		CorrelationID: res.CorrelationID,
	}, nil
}

// RoutePingHost asks the node to probe the host and returns the probe
// outcome. A success result without a ping payload is malformed.
func (r *Router) RoutePingHost(fqn string, opts Options) (*PingResult, error) {
	h, _, err := r.resolveHost(fqn)
	if err != nil {
		return nil, err
	}

	cmd := &protocol.Command{
		Type:      protocol.TypePingHost,
		CommandID: newCommandID(),
		Data:      protocol.PingHostData{HostName: h.Name, MAC: h.MAC, IP: h.IP},
	}
	res, err := r.executeCommand(h.NodeID, cmd, opts)
	if err != nil {
		return nil, err
	}
	if res.HostPing == nil {
		return nil, fmt.Errorf("%w: ping result for %s has no hostPing payload", ErrMalformedResult, fqn)
	}
	return &PingResult{
		Target:        fqn,
		CheckedAt:     res.HostPing.CheckedAt,
		LatencyMs:     res.HostPing.LatencyMs,
		Success:       res.HostPing.Reachable,
		Status:        res.HostPing.Status,
		Source:        "node-agent",
		CorrelationID: res.CorrelationID,
	}, nil
}

// RouteScan triggers a host scan on one node.
func (r *Router) RouteScan(nodeID string, immediate bool, opts Options) (*AckResult, error) {
	if status := r.nodes.NodeStatus(nodeID); status != node.StatusOnline {
		return nil, &node.OfflineError{NodeID: nodeID}
	}
	cmd := &protocol.Command{
		Type:      protocol.TypeScan,
		CommandID: newCommandID(),
		Data:      protocol.ScanData{Immediate: immediate},
	}
	res, err := r.executeCommand(nodeID, cmd, opts)
	if err != nil {
		return nil, err
	}
	return ackOf(res), nil
}

// RouteScanHostPorts asks the node to port-scan one host. The port list is
// normalised (sorted, deduplicated) before dispatch.
func (r *Router) RouteScanHostPorts(fqn string, ports []int, timeoutMs int, opts Options) (*PortScanResult, error) {
	h, _, err := r.resolveHost(fqn)
	if err != nil {
		return nil, err
	}

	cmd := &protocol.Command{
		Type:      protocol.TypeScanHostPorts,
		CommandID: newCommandID(),
		Data: protocol.ScanHostPortsData{
			HostName:  h.Name,
			MAC:       h.MAC,
			IP:        h.IP,
			Ports:     normalisePorts(ports),
			TimeoutMs: timeoutMs,
		},
	}
	res, err := r.executeCommand(h.NodeID, cmd, opts)
	if err != nil {
		return nil, err
	}

	out := &PortScanResult{Target: fqn, CorrelationID: res.CorrelationID}
	if res.HostPortScan != nil {
		out.OpenPorts = res.HostPortScan.OpenPorts
		out.ScannedAt = res.HostPortScan.ScannedAt
	}
	return out, nil
}

func normalisePorts(ports []int) []int {
	if len(ports) == 0 {
		return nil
	}
	sorted := make([]int, len(ports))
	copy(sorted, ports)
	sort.Ints(sorted)

	out := sorted[:0]
	for i, p := range sorted {
		if i == 0 || p != out[len(out)-1] {
			out = append(out, p)
		}
	}
	return out
}

// UpdateHostRequest is a partial host update. A nil field inherits the
// stored value; for Notes and Tags an explicit JSON null clears the field,
// which is why presence is tracked separately from the pointer.
type UpdateHostRequest struct {
	Name   *string
	MAC    *string
	IP     *string
	Status *string

	Notes    *string
	NotesSet bool
	Tags     *[]string
	TagsSet  bool
}

// UnmarshalJSON tracks key presence so "field absent" and "field: null" can
// diverge for Notes and Tags.
func (u *UpdateHostRequest) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var aux struct {
		Name   *string   `json:"name"`
		MAC    *string   `json:"mac"`
		IP     *string   `json:"ip"`
		Status *string   `json:"status"`
		Notes  *string   `json:"notes"`
		Tags   *[]string `json:"tags"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	u.Name, u.MAC, u.IP, u.Status = aux.Name, aux.MAC, aux.IP, aux.Status
	u.Notes, u.Tags = aux.Notes, aux.Tags
	_, u.NotesSet = raw["notes"]
	_, u.TagsSet = raw["tags"]
	return nil
}

// RouteUpdateHost rewrites a host record on its node. Absent request fields
// inherit the stored host's values; the node answers with a host-updated
// report that refreshes the aggregate.
func (r *Router) RouteUpdateHost(fqn string, req UpdateHostRequest, opts Options) (*AckResult, error) {
	h, _, err := r.resolveHost(fqn)
	if err != nil {
		return nil, err
	}

	data := protocol.UpdateHostData{
		CurrentName: h.Name,
		Name:        inherit(req.Name, h.Name),
		MAC:         inherit(req.MAC, h.MAC),
		IP:          inherit(req.IP, h.IP),
		Status:      inherit(req.Status, h.Status),
	}
	if req.NotesSet {
		data.Notes = req.Notes // explicit null clears
	} else if h.Notes != "" {
		notes := h.Notes
		data.Notes = &notes
	}
	if req.TagsSet {
		data.Tags = req.Tags
	} else if len(h.Tags) != 0 {
		tags := h.Tags
		data.Tags = &tags
	}

	cmd := &protocol.Command{
		Type:      protocol.TypeUpdateHost,
		CommandID: newCommandID(),
		Data:      data,
	}
	res, err := r.executeCommand(h.NodeID, cmd, opts)
	if err != nil {
		return nil, err
	}
	return ackOf(res), nil
}

func inherit(v *string, fallback string) string {
	if v != nil {
		return *v
	}
	return fallback
}

// RouteDeleteHost removes a host record on its node. The aggregate entry is
// dropped only once the node confirms.
func (r *Router) RouteDeleteHost(fqn string, opts Options) (*AckResult, error) {
	h, _, err := r.resolveHost(fqn)
	if err != nil {
		return nil, err
	}

	cmd := &protocol.Command{
		Type:      protocol.TypeDeleteHost,
		CommandID: newCommandID(),
		Data:      protocol.DeleteHostData{Name: h.Name},
	}
	res, err := r.executeCommand(h.NodeID, cmd, opts)
	if err != nil {
		return nil, err
	}

	if err := r.hosts.OnHostRemoved(h.NodeID, h.Name); err != nil {
		r.log.Warn("confirmed delete not applied to aggregate", "fqn", fqn, "error", err)
	}
	return ackOf(res), nil
}

// RouteSleepHost suspends a host via its node.
func (r *Router) RouteSleepHost(fqn string, opts Options) (*AckResult, error) {
	return r.routeHostPower(protocol.TypeSleepHost, fqn, opts)
}

// RouteShutdownHost powers a host off via its node.
func (r *Router) RouteShutdownHost(fqn string, opts Options) (*AckResult, error) {
	return r.routeHostPower(protocol.TypeShutdownHost, fqn, opts)
}

func (r *Router) routeHostPower(commandType, fqn string, opts Options) (*AckResult, error) {
	h, _, err := r.resolveHost(fqn)
	if err != nil {
		return nil, err
	}
	cmd := &protocol.Command{
		Type:      commandType,
		CommandID: newCommandID(),
		Data:      protocol.HostPowerData{HostName: h.Name, MAC: h.MAC, IP: h.IP},
	}
	res, err := r.executeCommand(h.NodeID, cmd, opts)
	if err != nil {
		return nil, err
	}
	return ackOf(res), nil
}
