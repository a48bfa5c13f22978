package worker

import (
	"errors"
	"time"
)

// Defaults applied by New when a Config field is left zero.
const (
	DefaultTimeout       = 5 * time.Minute
	DefaultRequestIDEnv  = "REQUEST_ID"
	DefaultResultPathEnv = "RESULT_PATH"
	DefaultStderrLimit   = 64 * 1024
	DefaultWaitDelay     = 2 * time.Second
)

// Config controls how the worker process is launched.
type Config struct {
	// Interpreter, when set, is the program executed with Script as its first
	// argument (for example python3).
	Interpreter string
	// Script is the worker entry point. It must exist before every spawn.
	Script string
	// Args are placed between Script and the query.
	Args []string
	// QueryFlag, when set, precedes the query argument (for example --product).
	QueryFlag string
	// WorkDir is the worker's working directory and holds result artifacts.
	WorkDir string
	// Timeout is the hard deadline measured from spawn.
	Timeout time.Duration
	// RequestIDEnv and ResultPathEnv name the variables handed to the worker.
	RequestIDEnv  string
	ResultPathEnv string
	// Env holds extra KEY=VALUE pairs appended to the inherited environment.
	Env []string
	// StderrLimit bounds the stderr tail kept for failure reports.
	StderrLimit int
	// WaitDelay bounds how long output pipes may stay open after the worker
	// exits, which happens when orphaned children inherit them.
	WaitDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.RequestIDEnv == "" {
		c.RequestIDEnv = DefaultRequestIDEnv
	}
	if c.ResultPathEnv == "" {
		c.ResultPathEnv = DefaultResultPathEnv
	}
	if c.StderrLimit <= 0 {
		c.StderrLimit = DefaultStderrLimit
	}
	if c.WaitDelay <= 0 {
		c.WaitDelay = DefaultWaitDelay
	}
	if c.WorkDir == "" {
		c.WorkDir = "."
	}
	return c
}

func (c Config) validate() error {
	if c.Script == "" {
		return errors.New("worker script is required")
	}
	return nil
}

// argv returns the program and arguments for query.
func (c Config) argv(query string) (string, []string) {
	args := make([]string, 0, len(c.Args)+3)
	program := c.Script
	if c.Interpreter != "" {
		program = c.Interpreter
		args = append(args, c.Script)
	}
	args = append(args, c.Args...)
	if c.QueryFlag != "" {
		args = append(args, c.QueryFlag)
	}
	args = append(args, query)
	return program, args
}
