package relevo

import (
	"net/http"
	"strings"
)

type State int

const (
	StateInstalling State = iota
	StateWaiting
	StateActive
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateWaiting:
		return "waiting"
	case StateActive:
		return "active"
	case StateRedundant:
		return "redundant"
	default:
		return "unknown"
	}
}

type Event interface {
	eventName() string
}

type (
	InstallEvent  struct{}
	ActivateEvent struct{}
	FetchEvent    struct{ Request *http.Request }
	MessageEvent  struct{ Data any }
	// ReplacedEvent is delivered to the previous active worker when another
	// worker is promoted in its place.
	ReplacedEvent struct{}
)

func (InstallEvent) eventName() string  { return "install" }
func (ActivateEvent) eventName() string { return "activate" }
func (FetchEvent) eventName() string    { return "fetch" }
func (MessageEvent) eventName() string  { return "message" }
func (ReplacedEvent) eventName() string { return "replaced" }

type Action int

const (
	ActionPrecache Action = iota
	ActionSkipWaiting
	ActionPurgeStale
	ActionClaimClients
	ActionRespond
)

func (a Action) String() string {
	switch a {
	case ActionPrecache:
		return "precache"
	case ActionSkipWaiting:
		return "skip-waiting"
	case ActionPurgeStale:
		return "purge-stale"
	case ActionClaimClients:
		return "claim-clients"
	case ActionRespond:
		return "respond"
	default:
		return "unknown"
	}
}

// Decision is what a worker must do for one event. Next is committed after
// Actions have run, so a worker stays installing while it precaches.
type Decision struct {
	Next    State
	Actions []Action
	Route   Route
	Class   Class
}

// Step has no side effects; Worker.Dispatch executes the returned actions.
func Step(cfg *Config, st State, ev Event) Decision {
	switch e := ev.(type) {
	case InstallEvent:
		if st != StateInstalling {
			return Decision{Next: st}
		}
		acts := []Action{ActionPrecache}
		if cfg.SkipWaitingOnInstall() {
			acts = append(acts, ActionSkipWaiting)
		}
		return Decision{Next: StateWaiting, Actions: acts}

	case ActivateEvent:
		if st != StateWaiting {
			return Decision{Next: st}
		}
		return Decision{Next: StateActive, Actions: []Action{ActionPurgeStale, ActionClaimClients}}

	case FetchEvent:
		// Only the active worker controls fetches.
		if st != StateActive || e.Request == nil {
			return Decision{Next: st}
		}
		class := cfg.Classify(e.Request)
		route := class.Route()
		if route == RoutePassthrough {
			return Decision{Next: st, Class: class}
		}
		return Decision{Next: st, Actions: []Action{ActionRespond}, Route: route, Class: class}

	case MessageEvent:
		if st == StateRedundant || !IsSkipWaiting(e.Data) {
			return Decision{Next: st}
		}
		return Decision{Next: st, Actions: []Action{ActionSkipWaiting}}

	case ReplacedEvent:
		return Decision{Next: StateRedundant}
	}
	return Decision{Next: st}
}

const skipWaitingMessage = "SKIP_WAITING"

// Message is the object form of a tab message.
type Message struct {
	Type string `json:"type"`
}

// IsSkipWaiting accepts the literal "SKIP_WAITING" or an object whose type
// field equals it.
func IsSkipWaiting(data any) bool {
	switch v := data.(type) {
	case string:
		return strings.TrimSpace(v) == skipWaitingMessage
	case []byte:
		return strings.TrimSpace(string(v)) == skipWaitingMessage
	case Message:
		return v.Type == skipWaitingMessage
	case *Message:
		return v != nil && v.Type == skipWaitingMessage
	case map[string]any:
		t, _ := v["type"].(string)
		return t == skipWaitingMessage
	case map[string]string:
		return v["type"] == skipWaitingMessage
	}
	return false
}
