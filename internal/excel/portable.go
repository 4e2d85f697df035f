package excel

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
	"gitlab.com/tozd/go/errors"
)

var ErrLegacyFormat = errors.Base("legacy .xls workbooks need the excel engine")

// portableApp opens workbooks with excelize. It cannot evaluate external
// references itself, so every saved workbook is flagged for a full
// recalculation the next time a spreadsheet application loads it.
type portableApp struct{}

type portableWorkbook struct {
	file *excelize.File
}

func launchPortable(ctx context.Context) (Application, error) {
	return portableApp{}, nil
}

func (portableApp) Open(path string, suppressLinkPrompt bool) (Workbook, error) {
	if strings.ToLower(filepath.Ext(path)) == ".xls" {
		return nil, ErrLegacyFormat
	}

	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, errors.Errorf("opening workbook: %w", err)
	}

	return &portableWorkbook{file: f}, nil
}

func (portableApp) Quit() error {
	return nil
}

func (w *portableWorkbook) Save() error {
	fullCalc := true
	if err := w.file.SetCalcProps(&excelize.CalcPropsOptions{FullCalcOnLoad: &fullCalc}); err != nil {
		return errors.Errorf("setting calculation properties: %w", err)
	}
	if err := w.file.Save(); err != nil {
		return errors.Errorf("saving workbook: %w", err)
	}
	return nil
}

func (w *portableWorkbook) Close() error {
	if err := w.file.Close(); err != nil {
		return errors.Errorf("closing workbook: %w", err)
	}
	return nil
}
