package h1kit

// Role identifies one side of the connection.
type Role uint8

// Connection roles.
const (
	Client Role = iota
	Server
)

func (r Role) String() string {
	if r == Client {
		return "CLIENT"
	}
	return "SERVER"
}

// other returns the peer of r.
func (r Role) other() Role {
	if r == Client {
		return Server
	}
	return Client
}

// State is a per-role position in the request/response cycle.
type State uint8

// Per-role states.
const (
	Idle State = iota
	SendResponse
	SendBody
	Done
	MustClose
	Closed
	ErrorState
	MightSwitchProtocol
	SwitchedProtocol
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case SendResponse:
		return "SEND_RESPONSE"
	case SendBody:
		return "SEND_BODY"
	case Done:
		return "DONE"
	case MustClose:
		return "MUST_CLOSE"
	case Closed:
		return "CLOSED"
	case ErrorState:
		return "ERROR"
	case MightSwitchProtocol:
		return "MIGHT_SWITCH_PROTOCOL"
	case SwitchedProtocol:
		return "SWITCHED_PROTOCOL"
	default:
		return "UNKNOWN"
	}
}

// Switch identifies a kind of protocol-switch proposal.
type Switch uint8

// Protocol-switch kinds. switchNone marks transition-table entries that are
// not switch-qualified.
const (
	switchNone Switch = iota
	SwitchUpgrade
	SwitchConnect
)

func (s Switch) String() string {
	switch s {
	case SwitchUpgrade:
		return "SWITCH_UPGRADE"
	case SwitchConnect:
		return "SWITCH_CONNECT"
	default:
		return "SWITCH_NONE"
	}
}

// transitionKey looks up an event-triggered transition. sw qualifies the few
// server entries that are only legal while a matching switch proposal is
// pending.
type transitionKey struct {
	role  Role
	state State
	kind  eventKind
	sw    Switch
}

// eventTriggeredTransitions is the fixed (role, state, event) -> state table.
// It is built once and never mutated; every ConnectionState shares it. An
// absent entry means the event is a protocol violation in that state.
var eventTriggeredTransitions = map[transitionKey]State{
	{Client, Idle, kindRequest, switchNone}:          SendBody,
	{Client, Idle, kindConnectionClosed, switchNone}: Closed,
	{Client, SendBody, kindData, switchNone}:         SendBody,
	{Client, SendBody, kindEndOfMessage, switchNone}: Done,
	{Client, Done, kindConnectionClosed, switchNone}: Closed,
	{Client, MustClose, kindConnectionClosed, switchNone}: Closed,
	{Client, Closed, kindConnectionClosed, switchNone}:    Closed,

	{Server, Idle, kindConnectionClosed, switchNone}: Closed,
	{Server, Idle, kindResponse, switchNone}:         SendBody,
	// Fired cross-role when the client's Request passes through.
	{Server, Idle, kindRequest, switchNone}: SendResponse,

	{Server, SendResponse, kindInformationalResponse, switchNone}:    SendResponse,
	{Server, SendResponse, kindResponse, switchNone}:                 SendBody,
	{Server, SendResponse, kindInformationalResponse, SwitchUpgrade}: SwitchedProtocol,
	{Server, SendResponse, kindResponse, SwitchConnect}:              SwitchedProtocol,

	{Server, SendBody, kindData, switchNone}:              SendBody,
	{Server, SendBody, kindEndOfMessage, switchNone}:      Done,
	{Server, Done, kindConnectionClosed, switchNone}:      Closed,
	{Server, MustClose, kindConnectionClosed, switchNone}: Closed,
	{Server, Closed, kindConnectionClosed, switchNone}:    Closed,
}

// jointState is the combined (client, server) state used for cross-role
// overrides.
type jointState struct {
	client State
	server State
}

// stateTriggeredTransitions forces per-role states from joint states: if the
// client is Done while the server observed a close, the server must close
// too; if the client is Done while the server errored, the client must
// close.
var stateTriggeredTransitions = map[jointState]map[Role]State{
	{Done, Closed}:     {Server: MustClose},
	{Done, ErrorState}: {Client: MustClose},
}

// ConnectionState tracks both roles' positions in the cycle plus the
// keep-alive flag and any pending protocol-switch proposals. All mutation
// goes through the Process* methods, each of which re-runs the
// state-triggered closure until a fixed point.
type ConnectionState struct {
	keepAlive              bool
	pendingSwitchProposals map[Switch]bool
	states                 [2]State
}

// NewConnectionState returns a ConnectionState with both roles Idle and
// keep-alive enabled.
func NewConnectionState() *ConnectionState {
	return &ConnectionState{
		keepAlive:              true,
		pendingSwitchProposals: make(map[Switch]bool),
		states:                 [2]State{Idle, Idle},
	}
}

// State returns the current state of role.
func (cs *ConnectionState) State(role Role) State {
	return cs.states[role]
}

// KeepAlive reports whether the connection may be reused for another cycle.
func (cs *ConnectionState) KeepAlive() bool {
	return cs.keepAlive
}

// ProcessError moves role into the Error state.
func (cs *ConnectionState) ProcessError(role Role) {
	cs.states[role] = ErrorState
	cs.fireStateTriggeredTransitions()
}

// ProcessKeepAliveDisabled records that the connection cannot be reused.
func (cs *ConnectionState) ProcessKeepAliveDisabled() {
	cs.keepAlive = false
	cs.fireStateTriggeredTransitions()
}

// ProcessClientSwitchProposal records a protocol switch proposed by the
// client, to be accepted or declined by a later server event.
func (cs *ConnectionState) ProcessClientSwitchProposal(sw Switch) {
	cs.pendingSwitchProposals[sw] = true
	cs.fireStateTriggeredTransitions()
}

// ProcessEvent applies an event-triggered transition for role. serverSwitch
// is non-switchNone when a server event accepts a pending protocol switch;
// in that case both roles transition together, client first, so the joint
// state never observes only one side switched. An event the table has no
// entry for is a protocol violation reported as a LocalProtocolError, not a
// silent no-op and not a panic.
func (cs *ConnectionState) ProcessEvent(role Role, ev Event, serverSwitch Switch) error {
	kind := kindOf(ev)
	if serverSwitch != switchNone {
		if role != Server {
			return localError("protocol switch acceptance from role %s", role)
		}
		if !cs.pendingSwitchProposals[serverSwitch] {
			return localError("Received server %s event without a pending proposal", serverSwitch)
		}
		if cs.states[Client] == MightSwitchProtocol {
			cs.states[Client] = SwitchedProtocol
		}
		if err := cs.fireEventTriggeredTransition(Server, kind, serverSwitch); err != nil {
			return err
		}
		// An accepted switch settles every outstanding proposal.
		cs.pendingSwitchProposals = make(map[Switch]bool)
		cs.fireStateTriggeredTransitions()
		return nil
	}

	if kind == kindResponse {
		// A plain response declines any pending switch proposals.
		cs.pendingSwitchProposals = make(map[Switch]bool)
	}
	if err := cs.fireEventTriggeredTransition(role, kind, switchNone); err != nil {
		return err
	}
	if role == Client && kind == kindRequest {
		// The request also moves the server from Idle to SendResponse.
		if err := cs.fireEventTriggeredTransition(Server, kind, switchNone); err != nil {
			return err
		}
	}
	cs.fireStateTriggeredTransitions()
	return nil
}

func (cs *ConnectionState) fireEventTriggeredTransition(role Role, kind eventKind, sw Switch) error {
	state := cs.states[role]
	next, ok := eventTriggeredTransitions[transitionKey{role, state, kind, sw}]
	if !ok {
		return localError("can't handle event type %s when role=%s and state=%s", kind, role, state)
	}
	cs.states[role] = next
	return nil
}

// fireStateTriggeredTransitions derives secondary states until nothing
// changes. Rule applications can cascade, so a single pass is not enough.
func (cs *ConnectionState) fireStateTriggeredTransitions() {
	for {
		start := cs.states

		if len(cs.pendingSwitchProposals) > 0 && cs.states[Client] == Done {
			cs.states[Client] = MightSwitchProtocol
		}
		if len(cs.pendingSwitchProposals) == 0 && cs.states[Client] == MightSwitchProtocol {
			cs.states[Client] = Done
		}
		if !cs.keepAlive {
			for _, role := range []Role{Client, Server} {
				if cs.states[role] == Done {
					cs.states[role] = MustClose
				}
			}
		}
		joint := jointState{client: cs.states[Client], server: cs.states[Server]}
		for role, next := range stateTriggeredTransitions[joint] {
			cs.states[role] = next
		}

		if cs.states == start {
			return
		}
	}
}

// StartNextCycle resets both roles to Idle for a pipelined reuse of the
// connection. It is only legal when both roles are Done, keep-alive is still
// enabled, and no switch proposals are pending.
func (cs *ConnectionState) StartNextCycle() error {
	if cs.states != [2]State{Done, Done} {
		return localError("not in a reusable state: client=%s, server=%s",
			cs.states[Client], cs.states[Server])
	}
	if !cs.keepAlive {
		return localError("can't reuse connection after keep-alive was disabled")
	}
	if len(cs.pendingSwitchProposals) > 0 {
		return localError("can't reuse connection with a protocol switch pending")
	}
	cs.states = [2]State{Idle, Idle}
	return nil
}
