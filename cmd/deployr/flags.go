package main

import "time"

// GlobalFlags are persistent on the root command.
type GlobalFlags struct {
	ConfigPath string
	BaseDir    string
	// Remote agent connection
	APIUrl     string
	APITimeout time.Duration
}

// ServeFlags Flag structs to decouple cobra from logic for testing.
type ServeFlags struct {
	Daemonize bool
	PidFile   string
	LogFile   string
	Install   bool
}

// PipelineFlags control how install and update follow the agent.
type PipelineFlags struct {
	Detach   bool
	Interval time.Duration
}

type LogsFlags struct {
	Lines int
}

type HistoryFlags struct {
	Limit int
}
