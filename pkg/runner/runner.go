// Package runner owns process lifecycle: startup, the running state,
// and the bounded drain on shutdown.
package runner

import (
	"bytes"
	"context"
	"os"

	"github.com/dimiro1/banner"
)

// State is the runner's lifecycle phase.
type State int

const (
	StateNew State = iota
	StateStarting
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

type Runner interface {
	Run(ctx context.Context) error
	Stop() error
	State() State
}

// Hooks are invoked at the edges of the lifecycle. Either may be nil.
type Hooks struct {
	OnStart func()
	OnStop  func()
}

// Drainer flushes in-flight work before the process exits.
type Drainer interface {
	Drain() error
}

// Version is stamped by the release build via -ldflags.
var Version = "dev"

func PrintBanner() {
	tpl := "{{ .Title \"LYO\" \"\" 0 }}\nCompanion Version: " + Version + "\n"
	banner.Init(os.Stdout, true, true, bytes.NewBufferString(tpl))
}
