// Package links lists the external workbooks an .xlsx file refers to by
// reading the externalLink relationship parts of the package directly.
package links

import (
	"archive/zip"
	"encoding/xml"
	"io"
	"path"
	"sort"
	"strings"

	"gitlab.com/tozd/go/errors"
)

const externalLinkPathType = "/externalLinkPath"

// Link is one external reference of a workbook.
type Link struct {
	Part   string // e.g. xl/externalLinks/externalLink1.xml
	Target string // path or URL of the referenced workbook
}

type relationships struct {
	Relationships []relationship `xml:"Relationship"`
}

type relationship struct {
	ID         string `xml:"Id,attr"`
	Type       string `xml:"Type,attr"`
	Target     string `xml:"Target,attr"`
	TargetMode string `xml:"TargetMode,attr"`
}

// Inspect returns the external links of the workbook at xlsxPath, ordered by
// part name.
func Inspect(xlsxPath string) ([]Link, error) {
	r, err := zip.OpenReader(xlsxPath)
	if err != nil {
		return nil, errors.Errorf("opening package: %w", err)
	}
	defer r.Close()

	return inspect(&r.Reader)
}

func inspect(r *zip.Reader) ([]Link, error) {
	var result []Link
	for _, f := range r.File {
		dir, name := path.Split(f.Name)
		if dir != "xl/externalLinks/_rels/" || !strings.HasSuffix(name, ".xml.rels") {
			continue
		}

		data, err := readZipFile(f)
		if err != nil {
			return nil, err
		}
		var rels relationships
		if err := xml.Unmarshal(data, &rels); err != nil {
			return nil, errors.Errorf("parsing %s: %w", f.Name, err)
		}

		part := "xl/externalLinks/" + strings.TrimSuffix(name, ".rels")
		for _, rel := range rels.Relationships {
			if !strings.HasSuffix(rel.Type, externalLinkPathType) {
				continue
			}
			result = append(result, Link{Part: part, Target: rel.Target})
		}
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Part < result[j].Part
	})
	return result, nil
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, errors.Errorf("opening %s: %w", f.Name, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, errors.Errorf("reading %s: %w", f.Name, err)
	}
	return data, nil
}
