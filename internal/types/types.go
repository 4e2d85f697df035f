package types

import (
	"strings"
	"time"
)

// Extensions a file name must end with to be considered a workbook.
var Extensions = []string{".xlsx", ".xls"}

type RunConfig struct {
	Root               string
	Skip               []string
	SuppressLinkPrompt bool
	Exclude            []string
	Engine             string
}

type RunResult struct {
	ID        string
	Root      string
	Total     int
	Processed int
	Failed    []string
	Skipped   []string
	Elapsed   time.Duration
	Cancelled bool
}

// IsWorkbook reports whether name carries one of the recognized extensions.
// The match is a case-sensitive suffix match.
func IsWorkbook(name string) bool {
	for _, ext := range Extensions {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}
