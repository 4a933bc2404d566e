// Package command implements the control plane command channel.
package command

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"firestige.xyz/vnet/internal/log"
	"firestige.xyz/vnet/internal/memseg"
	"firestige.xyz/vnet/internal/pkt"
	"firestige.xyz/vnet/internal/vswitch"
)

// CommandHandler handles control plane commands.
type CommandHandler struct {
	fabric       *vswitch.Fabric
	alloc        *pkt.Allocator
	arena        *memseg.Arena
	shutdownFunc func() // called by daemon.shutdown to trigger graceful stop
	startTime    time.Time
}

// NewCommandHandler creates a new command handler.
func NewCommandHandler(fabric *vswitch.Fabric, alloc *pkt.Allocator, arena *memseg.Arena) *CommandHandler {
	return &CommandHandler{
		fabric:    fabric,
		alloc:     alloc,
		arena:     arena,
		startTime: time.Now(),
	}
}

// SetShutdownFunc sets the callback invoked by the daemon.shutdown command.
func (h *CommandHandler) SetShutdownFunc(fn func()) {
	h.shutdownFunc = fn
}

// Command represents a control plane command.
type Command struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	ID     string          `json:"id"`
}

// Response represents a command response.
type Response struct {
	ID     string      `json:"id"`
	Result interface{} `json:"result,omitempty"`
	Error  *ErrorInfo  `json:"error,omitempty"`
}

// ErrorInfo represents an error in the response.
type ErrorInfo struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrCodeParseError     = -32700 // Invalid JSON
	ErrCodeInvalidRequest = -32600 // Invalid request object
	ErrCodeMethodNotFound = -32601 // Method not found
	ErrCodeInvalidParams  = -32602 // Invalid method parameters
	ErrCodeInternalError  = -32603 // Internal error
)

// Handle processes a command and returns a response.
func (h *CommandHandler) Handle(ctx context.Context, cmd Command) Response {
	log.GetLogger().WithFields(map[string]any{
		"method": cmd.Method, "id": cmd.ID,
	}).Debug("handling command")

	switch cmd.Method {
	case "daemon.status":
		return h.handleStatus(cmd)
	case "daemon.stats":
		return h.handleStats(cmd)
	case "daemon.shutdown":
		return h.handleShutdown(cmd)
	case "switch.list":
		return h.handleSwitchList(cmd)
	case "switch.modes":
		return h.handleSwitchModes(cmd)
	case "port.list":
		return h.handlePortList(cmd)
	default:
		return Response{
			ID: cmd.ID,
			Error: &ErrorInfo{
				Code:    ErrCodeMethodNotFound,
				Message: fmt.Sprintf("method %q not found", cmd.Method),
			},
		}
	}
}

// StatusResult is the daemon.status payload.
type StatusResult struct {
	PID           int    `json:"pid"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Switches      int    `json:"switches"`
	ArenaBytes    int    `json:"arena_bytes"`
	Status        string `json:"status"`
}

func (h *CommandHandler) handleStatus(cmd Command) Response {
	st := h.fabric.Stats()
	return Response{
		ID: cmd.ID,
		Result: StatusResult{
			PID:           os.Getpid(),
			UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
			Switches:      len(st.Switches),
			ArenaBytes:    h.arena.Size(),
			Status:        "running",
		},
	}
}

// StatsResult is the daemon.stats payload.
type StatsResult struct {
	Fabric    vswitch.FabricStats `json:"fabric"`
	Allocator pkt.AllocatorStats  `json:"allocator"`
}

func (h *CommandHandler) handleStats(cmd Command) Response {
	return Response{
		ID: cmd.ID,
		Result: StatsResult{
			Fabric:    h.fabric.Stats(),
			Allocator: h.alloc.Stats(),
		},
	}
}

func (h *CommandHandler) handleShutdown(cmd Command) Response {
	if h.shutdownFunc == nil {
		return Response{
			ID: cmd.ID,
			Error: &ErrorInfo{
				Code:    ErrCodeInternalError,
				Message: "shutdown not wired",
			},
		}
	}
	// Reply first, then stop; the socket goes away with the daemon.
	go h.shutdownFunc()
	return Response{ID: cmd.ID, Result: map[string]string{"status": "shutting down"}}
}

func (h *CommandHandler) handleSwitchList(cmd Command) Response {
	return Response{ID: cmd.ID, Result: h.fabric.Stats().Switches}
}

func (h *CommandHandler) handleSwitchModes(cmd Command) Response {
	return Response{ID: cmd.ID, Result: vswitch.Modes()}
}

// PortListParams selects the switch for port.list.
type PortListParams struct {
	Switch string `json:"switch"`
}

func (h *CommandHandler) handlePortList(cmd Command) Response {
	var params PortListParams
	if len(cmd.Params) > 0 {
		if err := json.Unmarshal(cmd.Params, &params); err != nil {
			return Response{
				ID: cmd.ID,
				Error: &ErrorInfo{
					Code:    ErrCodeInvalidParams,
					Message: fmt.Sprintf("invalid params: %v", err),
				},
			}
		}
	}
	if params.Switch == "" {
		return Response{
			ID: cmd.ID,
			Error: &ErrorInfo{
				Code:    ErrCodeInvalidParams,
				Message: "switch name is required",
			},
		}
	}
	ports, err := h.fabric.Ports(params.Switch)
	if err != nil {
		return Response{
			ID: cmd.ID,
			Error: &ErrorInfo{
				Code:    ErrCodeInvalidParams,
				Message: err.Error(),
			},
		}
	}
	return Response{ID: cmd.ID, Result: ports}
}
