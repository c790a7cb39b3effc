package execx

import (
	"context"
	"strings"
)

// FakeRunner is a scripted Runner for tests. Commands are keyed by the
// command name and arguments joined with single spaces. Unknown commands
// succeed with empty output so probes degrade instead of failing.
type FakeRunner struct {
	Outputs map[string]string
	Errs    map[string]error
	Calls   []string
}

// NewFakeRunner returns an empty scripted runner.
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{
		Outputs: map[string]string{},
		Errs:    map[string]error{},
	}
}

// Script registers stdout for a command line.
func (f *FakeRunner) Script(cmdline, output string) {
	f.Outputs[cmdline] = output
}

// Fail registers an error for a command line.
func (f *FakeRunner) Fail(cmdline string, err error) {
	f.Errs[cmdline] = err
}

// Run records the call and returns any scripted error.
func (f *FakeRunner) Run(ctx context.Context, name string, args ...string) error {
	key := key(name, args)
	f.Calls = append(f.Calls, key)
	return f.Errs[key]
}

// Output records the call and returns scripted output.
func (f *FakeRunner) Output(ctx context.Context, name string, args ...string) (string, error) {
	key := key(name, args)
	f.Calls = append(f.Calls, key)
	if err := f.Errs[key]; err != nil {
		return "", err
	}
	return f.Outputs[key], nil
}

// Called reports whether a command line was executed.
func (f *FakeRunner) Called(cmdline string) bool {
	for _, c := range f.Calls {
		if c == cmdline {
			return true
		}
	}
	return false
}

func key(name string, args []string) string {
	if len(args) == 0 {
		return name
	}
	return name + " " + strings.Join(args, " ")
}
