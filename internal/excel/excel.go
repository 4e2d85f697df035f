// Package excel is the boundary between the refresh worker and the
// spreadsheet application that actually opens and re-saves workbooks.
package excel

import (
	"context"
	"runtime"
	"sort"

	"gitlab.com/tozd/go/errors"
)

const (
	// EngineExcel drives Microsoft Excel through COM automation.
	EngineExcel = "excel"
	// EnginePortable re-saves .xlsx packages in pure Go.
	EnginePortable = "portable"
)

var ErrUnknownEngine = errors.Base("unknown engine")

// Application is one running instance of a spreadsheet engine. It is owned
// by a single goroutine for its whole lifetime.
type Application interface {
	// Open opens the workbook at path. When suppressLinkPrompt is set the
	// engine must not ask whether external links should be updated.
	Open(path string, suppressLinkPrompt bool) (Workbook, error)
	// Quit releases the instance. It is safe to call once per Application.
	Quit() error
}

// Workbook is a document opened by an Application.
type Workbook interface {
	Save() error
	Close() error
}

// LaunchFunc starts an Application. The Excel engine starts it hidden and
// with its alert dialogs turned off.
type LaunchFunc func(ctx context.Context) (Application, error)

var launchers = map[string]LaunchFunc{
	EngineExcel:    launchExcel,
	EnginePortable: launchPortable,
}

// Launcher returns the LaunchFunc registered under name.
func Launcher(name string) (LaunchFunc, error) {
	if name == "" {
		name = DefaultEngine()
	}
	launch, ok := launchers[name]
	if !ok {
		return nil, errors.Errorf("%w: %q (available: %v)", ErrUnknownEngine, name, Engines())
	}
	return launch, nil
}

// DefaultEngine is Excel where COM automation exists and the portable engine
// everywhere else.
func DefaultEngine() string {
	if runtime.GOOS == "windows" {
		return EngineExcel
	}
	return EnginePortable
}

// Engines lists the registered engine names.
func Engines() []string {
	names := make([]string, 0, len(launchers))
	for name := range launchers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
