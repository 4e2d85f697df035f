package refresher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"gitlab.com/tozd/go/errors"

	"github.com/nconklindev/linkrefresh/internal/excel"
	"github.com/nconklindev/linkrefresh/internal/types"
)

type fakeApp struct {
	mu         sync.Mutex
	opened     []string
	saved      []string
	closed     []string
	suppressed []bool
	failOpen   map[string]error
	failSave   map[string]error
	failClose  map[string]error
	panicSave  map[string]bool
	onOpen     func(path string)
	quits      int
}

type fakeWorkbook struct {
	app  *fakeApp
	path string
}

func (a *fakeApp) launch(ctx context.Context) (excel.Application, error) {
	return a, nil
}

func (a *fakeApp) Open(path string, suppressLinkPrompt bool) (excel.Workbook, error) {
	a.mu.Lock()
	a.opened = append(a.opened, path)
	a.suppressed = append(a.suppressed, suppressLinkPrompt)
	err := a.failOpen[filepath.Base(path)]
	a.mu.Unlock()

	if a.onOpen != nil {
		a.onOpen(path)
	}
	if err != nil {
		return nil, err
	}
	return &fakeWorkbook{app: a, path: path}, nil
}

func (a *fakeApp) Quit() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.quits++
	return nil
}

func (w *fakeWorkbook) Save() error {
	name := filepath.Base(w.path)
	if w.app.panicSave[name] {
		panic("rpc server unavailable")
	}
	if err := w.app.failSave[name]; err != nil {
		return err
	}
	w.app.saved = append(w.app.saved, w.path)
	return nil
}

func (w *fakeWorkbook) Close() error {
	w.app.closed = append(w.app.closed, w.path)
	return w.app.failClose[filepath.Base(w.path)]
}

// makeTree creates the given files (slash separated, relative to a temp root)
// and returns the absolute root.
func makeTree(t *testing.T, files ...string) string {
	t.Helper()
	root, err := filepath.Abs(t.TempDir())
	require.NoError(t, err)
	for _, f := range files {
		path := filepath.Join(root, filepath.FromSlash(f))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	}
	return root
}

func collect(t *testing.T, w *Worker, ctx context.Context, cfg types.RunConfig) (*types.RunResult, []Event, error) {
	t.Helper()
	events := make(chan Event)
	var got []Event
	done := make(chan struct{})
	go func() {
		for ev := range events {
			got = append(got, ev)
		}
		close(done)
	}()
	res, err := w.Run(ctx, cfg, events)
	close(events)
	<-done
	return res, got, err
}

func logLines(events []Event) []string {
	var lines []string
	for _, ev := range events {
		if l, ok := ev.(LogEvent); ok {
			lines = append(lines, l.Message)
		}
	}
	return lines
}

func progressOf(events []Event) []ProgressEvent {
	var out []ProgressEvent
	for _, ev := range events {
		if p, ok := ev.(ProgressEvent); ok {
			out = append(out, p)
		}
	}
	return out
}

func TestRunRefreshesCandidates(t *testing.T) {
	root := makeTree(t,
		"a.xlsx",
		"notes.txt",
		"b.xls",
		"sub/c.xlsx",
		"sub/deeper/upper.XLSX",
		"sub/deeper/macro.xlsm",
	)
	app := &fakeApp{}
	w := New(app.launch)

	res, events, err := collect(t, w, context.Background(), types.RunConfig{Root: root})
	require.NoError(t, err)

	a := filepath.Join(root, "a.xlsx")
	b := filepath.Join(root, "b.xls")
	c := filepath.Join(root, "sub", "c.xlsx")

	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 3, res.Processed)
	assert.Empty(t, res.Failed)
	assert.False(t, res.Cancelled)
	assert.NotEmpty(t, res.ID)
	assert.Equal(t, []string{a, b, c}, app.opened)
	assert.Equal(t, []string{a, b, c}, app.saved)
	assert.Equal(t, []string{a, b, c}, app.closed)
	assert.Equal(t, 1, app.quits)

	assert.Equal(t, []string{
		"processing: " + a,
		"saved and closed: " + a,
		"processing: " + b,
		"saved and closed: " + b,
		"processing: " + c,
		"saved and closed: " + c,
		"processing complete",
	}, logLines(events))

	var percents []int
	for _, p := range progressOf(events) {
		assert.Equal(t, 3, p.Total)
		percents = append(percents, p.Percent)
	}
	assert.Equal(t, []int{33, 66, 100}, percents)
	assert.False(t, w.Running())
}

func TestRunSkipsSkipSet(t *testing.T) {
	root := makeTree(t, "a.xlsx", "master.xlsx", "z.xls")
	app := &fakeApp{}
	w := New(app.launch)

	master := filepath.Join(root, "master.xlsx")
	// Unclean spelling of the same path still matches.
	skip := root + string(filepath.Separator) + filepath.FromSlash("sub/../master.xlsx")

	res, events, err := collect(t, w, context.Background(), types.RunConfig{Root: root, Skip: []string{skip}})
	require.NoError(t, err)

	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, []string{master}, res.Skipped)
	assert.NotContains(t, app.opened, master)
	assert.Contains(t, logLines(events), "skipped: "+master)
	assert.Len(t, progressOf(events), 2)
}

func TestRunSuppressLinkPrompt(t *testing.T) {
	root := makeTree(t, "a.xlsx")
	app := &fakeApp{}

	_, events, err := collect(t, New(app.launch), context.Background(), types.RunConfig{Root: root, SuppressLinkPrompt: true})
	require.NoError(t, err)

	assert.Equal(t, []bool{true}, app.suppressed)
	a := filepath.Join(root, "a.xlsx")
	assert.Equal(t, []string{
		"processing: " + a,
		"link-update prompt suppressed",
		"saved and closed: " + a,
		"processing complete",
	}, logLines(events))
}

func TestRunFailureIsRecordedAndRunContinues(t *testing.T) {
	root := makeTree(t, "file1.xlsx", "file2.xlsx", "file3.xlsx")
	app := &fakeApp{failOpen: map[string]error{"file2.xlsx": errors.New("file is locked")}}

	res, events, err := collect(t, New(app.launch), context.Background(), types.RunConfig{Root: root})
	require.NoError(t, err)

	file2 := filepath.Join(root, "file2.xlsx")
	assert.Equal(t, 3, res.Processed)
	assert.Equal(t, []string{file2}, res.Failed)
	assert.Equal(t, 1, app.quits)

	lines := logLines(events)
	assert.Contains(t, lines, "error processing "+file2+": file is locked")
	assert.Equal(t, []string{
		"processing complete",
		"the following files failed:",
		"- " + file2,
		"check these files and run again",
	}, lines[len(lines)-4:])

	var percents []int
	for _, p := range progressOf(events) {
		percents = append(percents, p.Percent)
	}
	assert.Equal(t, []int{33, 66, 100}, percents)
}

func TestRunSaveAndCloseFailures(t *testing.T) {
	root := makeTree(t, "broken.xlsx", "flaky.xlsx", "panics.xlsx", "fine.xlsx")
	app := &fakeApp{
		failSave:  map[string]error{"broken.xlsx": errors.New("disk full")},
		failClose: map[string]error{"flaky.xlsx": errors.New("close refused")},
		panicSave: map[string]bool{"panics.xlsx": true},
	}

	res, events, err := collect(t, New(app.launch), context.Background(), types.RunConfig{Root: root})
	require.NoError(t, err)

	broken := filepath.Join(root, "broken.xlsx")
	flaky := filepath.Join(root, "flaky.xlsx")
	panics := filepath.Join(root, "panics.xlsx")

	assert.Equal(t, 4, res.Processed)
	assert.Equal(t, []string{broken, flaky, panics}, res.Failed)
	// A failed or panicking save still closes the workbook.
	assert.Contains(t, app.closed, broken)
	assert.Contains(t, app.closed, panics)

	lines := logLines(events)
	assert.Contains(t, lines, "error processing "+broken+": disk full")
	assert.Contains(t, lines, "error processing "+flaky+": close refused")
	assert.Contains(t, lines, "error processing "+panics+": engine panic: rpc server unavailable")
	assert.Contains(t, lines, "saved and closed: "+filepath.Join(root, "fine.xlsx"))
}

func TestRunCancelledBeforeFirstFile(t *testing.T) {
	root := makeTree(t, "a.xlsx", "b.xlsx")
	app := &fakeApp{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, events, err := collect(t, New(app.launch), ctx, types.RunConfig{Root: root})
	require.NoError(t, err)

	assert.True(t, res.Cancelled)
	assert.Equal(t, 0, res.Processed)
	assert.Equal(t, 2, res.Total)
	assert.Empty(t, app.opened)
	assert.Equal(t, []string{"processing aborted"}, logLines(events))
	assert.Empty(t, progressOf(events))
	assert.Equal(t, 1, app.quits)
}

func TestRunCancelledMidRun(t *testing.T) {
	root := makeTree(t, "a.xlsx", "b.xlsx", "c.xlsx")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	app := &fakeApp{failOpen: map[string]error{"a.xlsx": errors.New("bad")}}
	app.onOpen = func(path string) {
		if filepath.Base(path) == "a.xlsx" {
			cancel()
		}
	}

	res, events, err := collect(t, New(app.launch), ctx, types.RunConfig{Root: root})
	require.NoError(t, err)

	// The in-flight file finishes, nothing after it is opened.
	assert.True(t, res.Cancelled)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, []string{filepath.Join(root, "a.xlsx")}, app.opened)

	lines := logLines(events)
	assert.Equal(t, "processing aborted", lines[len(lines)-1])
	assert.NotContains(t, lines, "processing complete")
	assert.NotContains(t, lines, "the following files failed:")
	assert.Equal(t, 1, app.quits)
}

func TestRunIgnoresFilesAddedDuringRun(t *testing.T) {
	root := makeTree(t, "a.xlsx")
	app := &fakeApp{}
	app.onOpen = func(path string) {
		if filepath.Base(path) == "a.xlsx" {
			late := filepath.Join(root, "sub", "new.xlsx")
			require.NoError(t, os.MkdirAll(filepath.Dir(late), 0o755))
			require.NoError(t, os.WriteFile(late, []byte("x"), 0o644))
		}
	}

	res, events, err := collect(t, New(app.launch), context.Background(), types.RunConfig{Root: root})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Total)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, []string{filepath.Join(root, "a.xlsx")}, app.opened)
	for _, p := range progressOf(events) {
		assert.LessOrEqual(t, p.Processed, p.Total)
		assert.LessOrEqual(t, p.Percent, 100)
	}
}

func TestRunEmptyTree(t *testing.T) {
	root := makeTree(t, "readme.md")
	app := &fakeApp{}

	res, events, err := collect(t, New(app.launch), context.Background(), types.RunConfig{Root: root})
	require.NoError(t, err)

	assert.Equal(t, 0, res.Total)
	assert.Equal(t, 0, res.Processed)
	assert.Equal(t, []string{"processing complete"}, logLines(events))
	assert.Empty(t, progressOf(events))
	assert.Equal(t, 1, app.quits)
}

func TestRunExcludePatterns(t *testing.T) {
	root := makeTree(t, "a.xlsx", "~$a.xlsx", "archive/old.xlsx", "archive/keep/new.xls")
	app := &fakeApp{}
	cfg := types.RunConfig{Root: root, Exclude: []string{"**/~$*", "archive/*.xlsx"}}

	res, _, err := collect(t, New(app.launch), context.Background(), cfg)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Total)
	assert.Equal(t, []string{
		filepath.Join(root, "a.xlsx"),
		filepath.Join(root, "archive", "keep", "new.xls"),
	}, app.opened)
}

func TestRunConfigurationErrors(t *testing.T) {
	launched := false
	launch := func(ctx context.Context) (excel.Application, error) {
		launched = true
		return &fakeApp{}, nil
	}
	w := New(launch)
	root := makeTree(t, "a.xlsx")

	_, err := w.Run(context.Background(), types.RunConfig{Root: filepath.Join(root, "missing")}, nil)
	assert.ErrorIs(t, err, ErrRootNotFound)

	_, err = w.Run(context.Background(), types.RunConfig{Root: filepath.Join(root, "a.xlsx")}, nil)
	assert.Error(t, err)

	_, err = w.Run(context.Background(), types.RunConfig{Root: root, Exclude: []string{"[unclosed"}}, nil)
	assert.Error(t, err)

	assert.False(t, launched)
}

func TestRunLaunchFailure(t *testing.T) {
	root := makeTree(t, "a.xlsx")
	w := New(func(ctx context.Context) (excel.Application, error) {
		return nil, errors.New("class not registered")
	})

	res, events, err := collect(t, w, context.Background(), types.RunConfig{Root: root})
	assert.ErrorContains(t, err, "class not registered")
	assert.Nil(t, res)
	assert.Empty(t, events)
	assert.False(t, w.Running())
}

func TestRunRejectsConcurrentRun(t *testing.T) {
	root := makeTree(t, "a.xlsx")
	release := make(chan struct{})
	started := make(chan struct{})
	app := &fakeApp{}
	w := New(func(ctx context.Context) (excel.Application, error) {
		close(started)
		<-release
		return app, nil
	})

	var wg sync.WaitGroup
	wg.Add(1)
	var firstErr error
	go func() {
		defer wg.Done()
		_, firstErr = w.Run(context.Background(), types.RunConfig{Root: root}, nil)
	}()

	<-started
	assert.True(t, w.Running())
	_, err := w.Run(context.Background(), types.RunConfig{Root: root}, nil)
	assert.ErrorIs(t, err, ErrRunInProgress)

	close(release)
	wg.Wait()
	require.NoError(t, firstErr)
	assert.Equal(t, 1, app.quits)
}

func TestRunElapsedUsesClock(t *testing.T) {
	root := makeTree(t, "a.xlsx", "b.xlsx")
	app := &fakeApp{}
	w := New(app.launch)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ticks := 0
	w.now = func() time.Time {
		ticks++
		return base.Add(time.Duration(ticks) * time.Second)
	}

	res, events, err := collect(t, w, context.Background(), types.RunConfig{Root: root})
	require.NoError(t, err)

	progress := progressOf(events)
	require.Len(t, progress, 2)
	assert.Greater(t, progress[1].Elapsed, progress[0].Elapsed)
	assert.GreaterOrEqual(t, res.Elapsed, progress[1].Elapsed)
}

func TestRunPortableEngine(t *testing.T) {
	root := makeTree(t, "legacy.xls")
	good := filepath.Join(root, "sub", "good.xlsx")
	require.NoError(t, os.MkdirAll(filepath.Dir(good), 0o755))
	f := excelize.NewFile()
	require.NoError(t, f.SetCellFormula("Sheet1", "A1", "'[other.xlsx]Sheet1'!A1"))
	require.NoError(t, f.SaveAs(good))
	require.NoError(t, f.Close())

	launch, err := excel.Launcher(excel.EnginePortable)
	require.NoError(t, err)

	res, _, err := collect(t, New(launch), context.Background(), types.RunConfig{Root: root})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Total)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, []string{filepath.Join(root, "legacy.xls")}, res.Failed)
}

func TestPercent(t *testing.T) {
	tests := []struct {
		processed, total, expected int
	}{
		{0, 0, 100},
		{0, 3, 0},
		{1, 3, 33},
		{2, 3, 66},
		{3, 3, 100},
		{1, 7, 14},
		{999, 1000, 99},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, Percent(tt.processed, tt.total), "Percent(%d, %d)", tt.processed, tt.total)
	}

	prev := 0
	for k := 0; k <= 17; k++ {
		p := Percent(k, 17)
		assert.GreaterOrEqual(t, p, prev)
		prev = p
	}
}
