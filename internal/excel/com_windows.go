//go:build windows

package excel

import (
	"context"
	"runtime"

	"github.com/go-ole/go-ole"
	"github.com/go-ole/go-ole/oleutil"
	"gitlab.com/tozd/go/errors"
)

// xlUpdateLinksNever is the UpdateLinks argument of Workbooks.Open that
// keeps Excel from asking about external references.
const xlUpdateLinksNever = 0

// comApp wraps an Excel.Application COM object. COM apartments are bound to
// an OS thread, so the goroutine that launched it stays locked to its thread
// until Quit.
// Dispatch pointers obtained from a VARIANT are owned by it and released
// with Clear.
type comApp struct {
	app          *ole.IDispatch
	workbooks    *ole.IDispatch
	workbooksVar *ole.VARIANT
}

type comWorkbook struct {
	wb  *ole.IDispatch
	ref *ole.VARIANT
}

func launchExcel(ctx context.Context) (Application, error) {
	runtime.LockOSThread()

	if err := ole.CoInitializeEx(0, ole.COINIT_APARTMENTTHREADED); err != nil {
		// S_FALSE: COM was already initialized on this thread.
		var oleErr *ole.OleError
		if !errors.As(err, &oleErr) || oleErr.Code() != 1 {
			runtime.UnlockOSThread()
			return nil, errors.Errorf("initializing COM: %w", err)
		}
	}

	fail := func(err error) (Application, error) {
		ole.CoUninitialize()
		runtime.UnlockOSThread()
		return nil, err
	}

	unknown, err := oleutil.CreateObject("Excel.Application")
	if err != nil {
		return fail(errors.Errorf("starting Excel: %w", err))
	}
	app, err := unknown.QueryInterface(ole.IID_IDispatch)
	unknown.Release()
	if err != nil {
		return fail(errors.Errorf("querying Excel dispatch: %w", err))
	}

	for _, prop := range []string{"Visible", "DisplayAlerts"} {
		if _, err := oleutil.PutProperty(app, prop, false); err != nil {
			app.Release()
			return fail(errors.Errorf("setting %s: %w", prop, err))
		}
	}

	v, err := oleutil.GetProperty(app, "Workbooks")
	if err != nil {
		oleutil.CallMethod(app, "Quit")
		app.Release()
		return fail(errors.Errorf("getting Workbooks: %w", err))
	}

	return &comApp{app: app, workbooks: v.ToIDispatch(), workbooksVar: v}, nil
}

func (a *comApp) Open(path string, suppressLinkPrompt bool) (Workbook, error) {
	var (
		v   *ole.VARIANT
		err error
	)
	if suppressLinkPrompt {
		v, err = oleutil.CallMethod(a.workbooks, "Open", path, xlUpdateLinksNever)
	} else {
		v, err = oleutil.CallMethod(a.workbooks, "Open", path)
	}
	if err != nil {
		return nil, errors.Errorf("opening workbook: %w", err)
	}
	wb := v.ToIDispatch()
	if wb == nil {
		v.Clear()
		return nil, errors.Errorf("opening workbook: Excel returned no workbook for %s", path)
	}
	return &comWorkbook{wb: wb, ref: v}, nil
}

func (a *comApp) Quit() error {
	defer runtime.UnlockOSThread()
	defer ole.CoUninitialize()

	a.workbooksVar.Clear()
	_, err := oleutil.CallMethod(a.app, "Quit")
	a.app.Release()
	if err != nil {
		return errors.Errorf("quitting Excel: %w", err)
	}
	return nil
}

func (w *comWorkbook) Save() error {
	if _, err := oleutil.CallMethod(w.wb, "Save"); err != nil {
		return errors.Errorf("saving workbook: %w", err)
	}
	return nil
}

func (w *comWorkbook) Close() error {
	defer w.ref.Clear()
	// SaveChanges=false: Save already ran, or it failed and nothing should be written.
	if _, err := oleutil.CallMethod(w.wb, "Close", false); err != nil {
		return errors.Errorf("closing workbook: %w", err)
	}
	return nil
}
