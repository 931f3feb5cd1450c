package envelope

import (
	"encoding/json"

	"github.com/asheshgoplani/lanedeck/internal/errcode"
)

// Payload is the typed form of a command payload. Each method has exactly one
// variant; DecodePayload is the only constructor.
type Payload interface {
	Method() Method
}

type LaneCreate struct {
	LaneID       string   `json:"lane_id"`
	WorktreePath string   `json:"worktree_path"`
	Agents       []string `json:"agents"`
	ForceError   bool     `json:"force_error"`
}

type LaneCleanup struct {
	Force bool `json:"force"`
}

type LaneExecute struct {
	Command   string   `json:"command"`
	Args      []string `json:"args"`
	Cwd       string   `json:"cwd"`
	TimeoutMs int      `json:"timeout_ms"`
}

type LaneTransition struct {
	Event string `json:"event"`
}

type SessionAttach struct {
	Transport         string `json:"transport"`
	ProviderSessionID string `json:"provider_session_id"`
	Restore           bool   `json:"restore"`
	ForceError        bool   `json:"force_error"`
}

type SessionDetach struct {
	Reason string `json:"reason"`
}

type SessionTerminate struct {
	Reason string `json:"reason"`
}

type SessionHeartbeat struct{}

// TerminalSpawn carries optional viewport dimensions; zero means default.
type TerminalSpawn struct {
	Title      string            `json:"title"`
	Command    string            `json:"command"`
	Args       []string          `json:"args"`
	Cwd        string            `json:"cwd"`
	Env        map[string]string `json:"env"`
	Cols       float64           `json:"cols"`
	Rows       float64           `json:"rows"`
	ForceError bool              `json:"force_error"`
}

type TerminalInput struct {
	Data string `json:"data"`
}

// TerminalResize keeps float dimensions so non-integers reach the bounds
// check instead of failing to decode.
type TerminalResize struct {
	Cols float64 `json:"cols"`
	Rows float64 `json:"rows"`
}

type TerminalClose struct{}

type RuntimeSnapshot struct{}

func (LaneCreate) Method() Method       { return MethodLaneCreate }
func (LaneCleanup) Method() Method      { return MethodLaneCleanup }
func (LaneExecute) Method() Method      { return MethodLaneExecute }
func (LaneTransition) Method() Method   { return MethodLaneTransition }
func (SessionAttach) Method() Method    { return MethodSessionAttach }
func (SessionDetach) Method() Method    { return MethodSessionDetach }
func (SessionTerminate) Method() Method { return MethodSessionTerminate }
func (SessionHeartbeat) Method() Method { return MethodSessionHeartbeat }
func (TerminalSpawn) Method() Method    { return MethodTerminalSpawn }
func (TerminalInput) Method() Method    { return MethodTerminalInput }
func (TerminalResize) Method() Method   { return MethodTerminalResize }
func (TerminalClose) Method() Method    { return MethodTerminalClose }
func (RuntimeSnapshot) Method() Method  { return MethodRuntimeSnapshot }

// DecodePayload converts a validated command payload to its typed variant.
func DecodePayload(m Method, payload map[string]any) (Payload, error) {
	var p Payload
	switch m {
	case MethodLaneCreate:
		p = &LaneCreate{}
	case MethodLaneCleanup:
		p = &LaneCleanup{}
	case MethodLaneExecute:
		p = &LaneExecute{}
	case MethodLaneTransition:
		p = &LaneTransition{}
	case MethodSessionAttach:
		p = &SessionAttach{}
	case MethodSessionDetach:
		p = &SessionDetach{}
	case MethodSessionTerminate:
		p = &SessionTerminate{}
	case MethodSessionHeartbeat:
		p = &SessionHeartbeat{}
	case MethodTerminalSpawn:
		p = &TerminalSpawn{}
	case MethodTerminalInput:
		p = &TerminalInput{}
	case MethodTerminalResize:
		p = &TerminalResize{}
	case MethodTerminalClose:
		p = &TerminalClose{}
	case MethodRuntimeSnapshot:
		p = &RuntimeSnapshot{}
	default:
		return nil, errcode.New(errcode.InvalidMethod, "unknown method %q", m)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errcode.New(errcode.InvalidPayload, "payload: %v", err)
	}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, errcode.New(errcode.InvalidPayload, "payload: %v", err).
			WithDetail("method", string(m))
	}
	return p, nil
}
