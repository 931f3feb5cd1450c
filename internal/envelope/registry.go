package envelope

// Method names a command.
type Method string

// Recognized command methods. The set is closed.
const (
	MethodLaneCreate       Method = "lane.create"
	MethodLaneCleanup      Method = "lane.cleanup"
	MethodLaneExecute      Method = "lane.execute"
	MethodLaneTransition   Method = "lane.transition"
	MethodSessionAttach    Method = "session.attach"
	MethodSessionDetach    Method = "session.detach"
	MethodSessionTerminate Method = "session.terminate"
	MethodSessionHeartbeat Method = "session.heartbeat"
	MethodTerminalSpawn    Method = "terminal.spawn"
	MethodTerminalInput    Method = "terminal.input"
	MethodTerminalResize   Method = "terminal.resize"
	MethodTerminalClose    Method = "terminal.close"
	MethodRuntimeSnapshot  Method = "runtime.snapshot"
)

// Topic names an event.
type Topic string

// Recognized event topics. The set is closed.
const (
	TopicLaneCreateStarted Topic = "lane.create.started"
	TopicLaneCreated       Topic = "lane.created"
	TopicLaneCreateFailed  Topic = "lane.create.failed"
	TopicLaneStateChanged  Topic = "lane.state_changed"
	TopicLaneClosed        Topic = "lane.closed"
	TopicLaneExecStarted   Topic = "lane.execute.started"
	TopicLaneExecCompleted Topic = "lane.execute.completed"
	TopicLaneExecFailed    Topic = "lane.execute.failed"

	TopicSessionAttachStarted    Topic = "session.attach.started"
	TopicSessionAttached         Topic = "session.attached"
	TopicSessionAttachFailed     Topic = "session.attach.failed"
	TopicSessionRestoreStarted   Topic = "session.restore.started"
	TopicSessionRestoreCompleted Topic = "session.restore.completed"
	TopicSessionRestoreFailed    Topic = "session.restore.failed"
	TopicSessionDetached         Topic = "session.detached"
	TopicSessionTerminated       Topic = "session.terminated"

	TopicTerminalSpawnStarted Topic = "terminal.spawn.started"
	TopicTerminalSpawned      Topic = "terminal.spawned"
	TopicTerminalSpawnFailed  Topic = "terminal.spawn.failed"
	TopicTerminalOutput       Topic = "terminal.output"
	TopicTerminalStateChanged Topic = "terminal.state_changed"
	TopicTerminalResized      Topic = "terminal.resized"
	TopicTerminalClosed       Topic = "terminal.closed"

	TopicPTYSpawned           Topic = "pty.spawned"
	TopicPTYStateChanged      Topic = "pty.state_changed"
	TopicPTYSignal            Topic = "pty.signal"
	TopicPTYResized           Topic = "pty.resized"
	TopicPTYTerminating       Topic = "pty.terminating"
	TopicPTYForceKilled       Topic = "pty.force_killed"
	TopicPTYStopped           Topic = "pty.stopped"
	TopicPTYBackpressureOn    Topic = "pty.backpressure.on"
	TopicPTYBackpressureOff   Topic = "pty.backpressure.off"
	TopicPTYOutputOverflow    Topic = "pty.output.overflow"
	TopicPTYOrphansReconciled Topic = "pty.orphans.reconciled"

	TopicMetricsLatency       Topic = "metrics.latency"
	TopicWatchdogDrift        Topic = "watchdog.drift"
	TopicRecoveryBootstrapped Topic = "recovery.bootstrapped"
)

// Requirement lists the context ids an envelope must carry.
type Requirement struct {
	Workspace   bool
	Lane        bool
	Session     bool
	Terminal    bool
	Correlation bool
}

var (
	reqWorkspace = Requirement{Workspace: true}
	reqLane      = Requirement{Workspace: true, Lane: true}
	reqSession   = Requirement{Workspace: true, Lane: true, Session: true}
	reqTerminal  = Requirement{Workspace: true, Lane: true, Session: true, Terminal: true}
)

func (r Requirement) withCorrelation() Requirement {
	r.Correlation = true
	return r
}

var methodRequirements = map[Method]Requirement{
	MethodLaneCreate:       reqWorkspace.withCorrelation(),
	MethodLaneCleanup:      reqLane,
	MethodLaneExecute:      reqLane,
	MethodLaneTransition:   reqLane,
	MethodSessionAttach:    reqLane.withCorrelation(),
	MethodSessionDetach:    reqSession,
	MethodSessionTerminate: reqSession,
	MethodSessionHeartbeat: reqSession,
	MethodTerminalSpawn:    reqSession.withCorrelation(),
	MethodTerminalInput:    reqTerminal,
	MethodTerminalResize:   reqTerminal,
	MethodTerminalClose:    reqTerminal,
	MethodRuntimeSnapshot:  {},
}

var topicRequirements = map[Topic]Requirement{
	TopicLaneCreateStarted: reqWorkspace.withCorrelation(),
	TopicLaneCreated:       reqLane.withCorrelation(),
	TopicLaneCreateFailed:  reqWorkspace.withCorrelation(),
	TopicLaneStateChanged:  reqLane,
	TopicLaneClosed:        reqLane,
	TopicLaneExecStarted:   reqLane,
	TopicLaneExecCompleted: reqLane,
	TopicLaneExecFailed:    reqLane,

	TopicSessionAttachStarted:    reqLane.withCorrelation(),
	TopicSessionAttached:         reqSession.withCorrelation(),
	TopicSessionAttachFailed:     reqLane.withCorrelation(),
	TopicSessionRestoreStarted:   reqSession.withCorrelation(),
	TopicSessionRestoreCompleted: reqSession.withCorrelation(),
	TopicSessionRestoreFailed:    reqSession.withCorrelation(),
	TopicSessionDetached:         reqSession,
	TopicSessionTerminated:       reqSession,

	TopicTerminalSpawnStarted: reqTerminal.withCorrelation(),
	TopicTerminalSpawned:      reqTerminal.withCorrelation(),
	TopicTerminalSpawnFailed:  reqTerminal.withCorrelation(),
	TopicTerminalOutput:       reqTerminal,
	TopicTerminalStateChanged: reqTerminal,
	TopicTerminalResized:      reqTerminal,
	TopicTerminalClosed:       reqTerminal,

	TopicPTYSpawned:           {},
	TopicPTYStateChanged:      {},
	TopicPTYSignal:            {},
	TopicPTYResized:           {},
	TopicPTYTerminating:       {},
	TopicPTYForceKilled:       {},
	TopicPTYStopped:           {},
	TopicPTYBackpressureOn:    {},
	TopicPTYBackpressureOff:   {},
	TopicPTYOutputOverflow:    {},
	TopicPTYOrphansReconciled: {},

	TopicMetricsLatency:       {},
	TopicWatchdogDrift:        {},
	TopicRecoveryBootstrapped: {},
}

// Known reports whether m is in the closed method set.
func (m Method) Known() bool {
	_, ok := methodRequirements[m]
	return ok
}

// Requirement returns the context requirement of m.
func (m Method) Requirement() Requirement {
	return methodRequirements[m]
}

// Known reports whether t is in the closed topic set.
func (t Topic) Known() bool {
	_, ok := topicRequirements[t]
	return ok
}

// Requirement returns the context requirement of t.
func (t Topic) Requirement() Requirement {
	return topicRequirements[t]
}

// Methods returns every recognized method.
func Methods() []Method {
	out := make([]Method, 0, len(methodRequirements))
	for m := range methodRequirements {
		out = append(out, m)
	}
	return out
}

// Lifecycle is a started/terminal topic group tracked per correlation id.
type Lifecycle struct {
	Name     string
	Start    Topic
	Terminal []Topic
}

// Lifecycles are the ordered lifecycles enforced by the bus.
var Lifecycles = []Lifecycle{
	{Name: "lane.create", Start: TopicLaneCreateStarted, Terminal: []Topic{TopicLaneCreated, TopicLaneCreateFailed}},
	{Name: "session.attach", Start: TopicSessionAttachStarted, Terminal: []Topic{TopicSessionAttached, TopicSessionAttachFailed}},
	{Name: "session.restore", Start: TopicSessionRestoreStarted, Terminal: []Topic{TopicSessionRestoreCompleted, TopicSessionRestoreFailed}},
	{Name: "terminal.spawn", Start: TopicTerminalSpawnStarted, Terminal: []Topic{TopicTerminalSpawned, TopicTerminalSpawnFailed}},
}

// LifecycleRole describes where a topic sits in its lifecycle.
type LifecycleRole int

const (
	RoleNone LifecycleRole = iota
	RoleStart
	RoleTerminal
)

// LifecycleOf returns the lifecycle a topic belongs to and its role in it.
func LifecycleOf(t Topic) (*Lifecycle, LifecycleRole) {
	for i := range Lifecycles {
		lc := &Lifecycles[i]
		if lc.Start == t {
			return lc, RoleStart
		}
		for _, term := range lc.Terminal {
			if term == t {
				return lc, RoleTerminal
			}
		}
	}
	return nil, RoleNone
}
