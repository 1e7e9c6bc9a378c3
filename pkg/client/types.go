package client

import "time"

// ServiceStatus is one supervised service as reported by the agent.
type ServiceStatus struct {
	Name      string          `json:"name"`
	Kind      string          `json:"kind"`
	Port      int             `json:"port"`
	State     string          `json:"state"`
	PID       int             `json:"pid,omitempty"`
	LogPath   string          `json:"log_path,omitempty"`
	StartedAt time.Time       `json:"started_at,omitempty"`
	ExitCode  int             `json:"exit_code,omitempty"`
	Metrics   *ProcessMetrics `json:"metrics,omitempty"`
}

// ProcessMetrics are CPU and memory figures of a running service.
type ProcessMetrics struct {
	PID        int32   `json:"pid"`
	CPUPercent float64 `json:"cpu_percent"`
	MemoryMB   float64 `json:"memory_mb"`
	NumThreads int32   `json:"num_threads"`
}

// SystemMetrics summarizes the host.
type SystemMetrics struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryUsedMB  float64 `json:"memory_used_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	DiskPercent   float64 `json:"disk_percent"`
	DiskFreeGB    float64 `json:"disk_free_gb"`
}

// VersionEntry is an installed component version.
type VersionEntry struct {
	Version   string    `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Status is the body of GET /status.
type Status struct {
	Services   []ServiceStatus         `json:"services"`
	Versions   map[string]VersionEntry `json:"versions"`
	Ports      map[string]int          `json:"ports"`
	System     *SystemMetrics          `json:"system,omitempty"`
	Installing bool                    `json:"installing"`
}

// Update describes a component with a newer release.
type Update struct {
	Component string `json:"component"`
	Current   string `json:"current"`
	Latest    string `json:"latest"`
}

// Updates is the body of GET /updates.
type Updates struct {
	HasUpdates bool              `json:"has_updates"`
	Updates    map[string]Update `json:"updates"`
}

// Progress is the state of the running or last pipeline.
type Progress struct {
	Running  bool `json:"running"`
	Progress struct {
		Percentage  int       `json:"percentage"`
		Step        string    `json:"step"`
		Status      string    `json:"status"`
		Title       string    `json:"title,omitempty"`
		Description string    `json:"description,omitempty"`
		At          time.Time `json:"at"`
	} `json:"progress"`
	Logs []LogEntry `json:"logs"`
}

// LogEntry is one pipeline log line.
type LogEntry struct {
	At      time.Time `json:"at"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// License is the outcome of a license check.
type License struct {
	Valid         bool   `json:"valid"`
	Reason        string `json:"reason,omitempty"`
	Message       string `json:"message,omitempty"`
	Expiry        string `json:"expiry"`
	DaysRemaining int    `json:"days_remaining"`
	OfflineDays   int    `json:"offline_days"`
	Online        bool   `json:"online"`
	SupportEmail  string `json:"support_email,omitempty"`
	SupportPhone  string `json:"support_phone,omitempty"`
}

// Event is one lifecycle history row.
type Event struct {
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Name       string    `json:"name"`
	PID        int       `json:"pid,omitempty"`
	Status     string    `json:"status,omitempty"`
	RunID      string    `json:"run_id,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// OKResponse is the body of successful actions.
type OKResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}
