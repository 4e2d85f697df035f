// Package refresher walks a folder and re-saves every workbook in it through
// a spreadsheet engine so their external links are refreshed.
package refresher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"github.com/nconklindev/linkrefresh/internal/excel"
	"github.com/nconklindev/linkrefresh/internal/types"
)

// Worker runs refreshes one at a time.
type Worker struct {
	launch  excel.LaunchFunc
	running atomic.Bool
	now     func() time.Time
}

func New(launch excel.LaunchFunc) *Worker {
	return &Worker{launch: launch, now: time.Now}
}

// Running reports whether a run is active.
func (w *Worker) Running() bool {
	return w.running.Load()
}

// Validate checks the parts of cfg that must hold before a run starts.
func Validate(cfg types.RunConfig) error {
	info, err := os.Stat(cfg.Root)
	if err != nil {
		return errors.Errorf("%w: %s", ErrRootNotFound, cfg.Root)
	}
	if !info.IsDir() {
		return errors.Errorf("root %s is not a folder", cfg.Root)
	}
	if _, err := newMatcher(cfg.Root, cfg.Exclude); err != nil {
		return err
	}
	return nil
}

// run is the state of one Run call.
type run struct {
	cfg    types.RunConfig
	app    excel.Application
	skip   map[string]struct{}
	events chan<- Event
	log    zerolog.Logger
	result *types.RunResult
	start  time.Time
	now    func() time.Time
}

// Run refreshes every candidate under cfg.Root, publishing log and progress
// events to events. The caller owns events and closes it once Run returns.
//
// Cancelling ctx stops the run before the next file; the workbook being
// processed at that moment is finished first. Per-file failures are
// recorded in the result and never returned. The engine instance is always
// released before Run returns.
func (w *Worker) Run(ctx context.Context, cfg types.RunConfig, events chan<- Event) (*types.RunResult, error) {
	if !w.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer w.running.Store(false)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, errors.Errorf("resolving root: %w", err)
	}
	match, _ := newMatcher(root, cfg.Exclude)

	result := &types.RunResult{ID: uuid.NewString(), Root: root}
	log := zerolog.Ctx(ctx).With().Str("run", result.ID).Logger()

	app, err := w.launch(ctx)
	if err != nil {
		log.Error().Err(err).Msg("launching engine")
		return nil, errors.Errorf("launching engine: %w", err)
	}
	defer func() {
		if err := app.Quit(); err != nil {
			log.Warn().Err(err).Msg("releasing engine")
		}
	}()

	r := &run{
		cfg:    cfg,
		app:    app,
		skip:   skipSet(cfg.Skip),
		events: events,
		log:    log,
		result: result,
		now:    w.now,
	}

	onErr := func(path string, err error) {
		log.Warn().Err(err).Str("dir", path).Msg("skipping unreadable folder")
	}

	paths, err := collectCandidates(root, match, onErr)
	if err != nil {
		return result, errors.Errorf("scanning %s: %w", root, err)
	}
	result.Total = len(paths)
	log.Info().
		Str("root", root).
		Int("total", result.Total).
		Int("skip", len(r.skip)).
		Bool("suppress_link_prompt", cfg.SuppressLinkPrompt).
		Msg("run started")

	// Only the scanned paths are visited so Processed never passes Total.
	r.start = w.now()
	for _, path := range paths {
		if ctx.Err() != nil {
			r.emitLog(LevelWarn, "processing aborted")
			result.Cancelled = true
			break
		}
		r.visit(path)
	}
	result.Elapsed = w.now().Sub(r.start)

	if result.Cancelled {
		log.Info().Int("processed", result.Processed).Msg("run cancelled")
		return result, nil
	}

	r.emitLog(LevelSuccess, "processing complete")
	if len(result.Failed) > 0 {
		r.emitLog(LevelError, "the following files failed:")
		for _, path := range result.Failed {
			r.emitLog(LevelError, "- "+path)
		}
		r.emitLog(LevelWarn, "check these files and run again")
	}

	log.Info().
		Int("processed", result.Processed).
		Int("failed", len(result.Failed)).
		Dur("elapsed", result.Elapsed).
		Msg("run complete")
	return result, nil
}

func (r *run) visit(path string) {
	if _, ok := r.skip[absPath(path)]; ok {
		r.result.Skipped = append(r.result.Skipped, path)
		r.emitLog(LevelInfo, "skipped: "+path)
		return
	}

	r.emitLog(LevelInfo, "processing: "+path)
	began := r.now()
	if err := r.refresh(path); err != nil {
		var fe *FileError
		msg := err.Error()
		if errors.As(err, &fe) {
			msg = fe.Err.Error()
		}
		r.emitLog(LevelError, fmt.Sprintf("error processing %s: %s", path, msg))
		r.result.Failed = append(r.result.Failed, path)
		r.log.Warn().Err(err).Str("file", path).Msg("refresh failed")
	} else {
		r.emitLog(LevelSuccess, "saved and closed: "+path)
		r.log.Debug().Str("file", path).Dur("took", r.now().Sub(began)).Msg("refreshed")
	}

	r.result.Processed++
	r.emit(ProgressEvent{
		Processed: r.result.Processed,
		Total:     r.result.Total,
		Percent:   Percent(r.result.Processed, r.result.Total),
		Elapsed:   r.now().Sub(r.start),
	})
}

// refresh opens, saves, and closes one workbook. A panic raised inside the
// engine is converted to a FileError for the stage it happened in.
func (r *run) refresh(path string) (err error) {
	stage := "open"
	var wb excel.Workbook
	defer func() {
		if p := recover(); p != nil {
			err = &FileError{Path: path, Stage: stage, Err: errors.Errorf("engine panic: %v", p)}
			if wb != nil && stage != "close" {
				r.closeAfterPanic(wb, path)
			}
		}
	}()

	wb, err = r.app.Open(path, r.cfg.SuppressLinkPrompt)
	if err != nil {
		return &FileError{Path: path, Stage: stage, Err: err}
	}
	if r.cfg.SuppressLinkPrompt {
		r.emitLog(LevelInfo, "link-update prompt suppressed")
	}

	stage = "save"
	if err := wb.Save(); err != nil {
		if cerr := wb.Close(); cerr != nil {
			r.log.Warn().Err(cerr).Str("file", path).Msg("closing after failed save")
		}
		return &FileError{Path: path, Stage: stage, Err: err}
	}

	stage = "close"
	if err := wb.Close(); err != nil {
		return &FileError{Path: path, Stage: stage, Err: err}
	}
	return nil
}

// closeAfterPanic closes a workbook whose save panicked. The engine may be in
// a broken state, so a second panic is only logged.
func (r *run) closeAfterPanic(wb excel.Workbook, path string) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Warn().Str("file", path).Interface("panic", p).Msg("closing after engine panic")
		}
	}()
	if err := wb.Close(); err != nil {
		r.log.Warn().Err(err).Str("file", path).Msg("closing after engine panic")
	}
}

func (r *run) emitLog(level Level, msg string) {
	r.emit(LogEvent{Level: level, Message: msg})
}

func (r *run) emit(ev Event) {
	if r.events != nil {
		r.events <- ev
	}
}

func skipSet(paths []string) map[string]struct{} {
	set := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		set[absPath(p)] = struct{}{}
	}
	return set
}

func absPath(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return filepath.Clean(p)
	}
	return abs
}
