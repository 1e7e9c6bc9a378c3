package supervisor

import "time"

// State is the lifecycle state of a managed process.
type State string

const (
	NotStarted State = "not_started"
	Starting   State = "starting"
	Running    State = "running"
	Crashed    State = "crashed"
	Stopped    State = "stopped"
)

var allStates = []string{string(NotStarted), string(Starting), string(Running), string(Crashed), string(Stopped)}

// Info is a point-in-time view of one service.
type Info struct {
	Name      string    `json:"name"`
	Kind      Kind      `json:"kind"`
	Port      int       `json:"port"`
	State     State     `json:"state"`
	PID       int       `json:"pid,omitempty"`
	LogPath   string    `json:"log_path,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	ExitCode  int       `json:"exit_code,omitempty"`
}

// Running reports whether the service process is up.
func (i Info) Running() bool { return i.State == Running }
