//go:build !windows

package excel

import (
	"context"

	"gitlab.com/tozd/go/errors"
)

var ErrNoAutomation = errors.Base("excel automation is only available on windows")

func launchExcel(ctx context.Context) (Application, error) {
	return nil, errors.Errorf("%w; use the %q engine", ErrNoAutomation, EnginePortable)
}
