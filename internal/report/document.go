// Package report owns the persisted XML coverage document and the engine
// that reconciles runtime hit tables into it under cross-process locking.
package report

import (
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"time"
)

// TimeLayout is the fixed, round-trippable timestamp format used by the
// report's root attributes.
const TimeLayout = "2006-01-02T15:04:05.0000000Z07:00"

const xmlHeader = `<?xml version="1.0" encoding="utf-8"?>` + "\n"

// Document is the coverage report root. Only visitcount, startTime and
// measureTime ever change after the skeleton is generated.
type Document struct {
	XMLName     xml.Name  `xml:"coverage"`
	StartTime   string    `xml:"startTime,attr"`
	MeasureTime string    `xml:"measureTime,attr"`
	Modules     []*Module `xml:"module"`
}

// Module groups the methods of one instrumented module, keyed by the
// module's id.
type Module struct {
	ID      string    `xml:"id,attr"`
	Name    string    `xml:"name,attr"`
	Methods []*Method `xml:"method"`
}

// Method holds the ordered sequence-point elements of one method.
type Method struct {
	Name   string   `xml:"name,attr"`
	Sig    string   `xml:"sig,attr,omitempty"`
	Points []*Point `xml:"seqpnt"`
}

// Point is a single sequence-point element. VisitCount stays a string so a
// missing or malformed stored value can be distinguished and corrected.
type Point struct {
	Document   string `xml:"document,attr,omitempty"`
	Line       int32  `xml:"line,attr"`
	Col        int32  `xml:"col,attr"`
	EndLine    int32  `xml:"endline,attr"`
	EndCol     int32  `xml:"endcol,attr"`
	VisitCount string `xml:"visitcount,attr,omitempty"`
}

// Visits parses the stored visit count. Missing, empty, unparsable or
// negative values all read as 0.
func (p *Point) Visits() int {
	n, err := strconv.Atoi(p.VisitCount)
	if err != nil || n < 0 {
		return 0
	}

	return n
}

// NewDocument builds an empty skeleton stamped with the given start time.
func NewDocument(start time.Time) *Document {
	stamp := start.Format(TimeLayout)

	return &Document{StartTime: stamp, MeasureTime: stamp}
}

// FindModule returns the module element with the given id, or nil.
func (d *Document) FindModule(id string) *Module {
	for _, mod := range d.Modules {
		if mod.ID == id {
			return mod
		}
	}

	return nil
}

// AddModule appends (or returns the existing) module element for id.
func (d *Document) AddModule(id, name string) *Module {
	if existing := d.FindModule(id); existing != nil {
		return existing
	}

	mod := &Module{ID: id, Name: name}
	d.Modules = append(d.Modules, mod)

	return mod
}

// Decode parses a report document from r.
func Decode(r io.Reader) (*Document, error) {
	var doc Document
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse coverage report: %w", err)
	}

	return &doc, nil
}

// Encode writes the document with the XML declaration and stable
// indentation, so repeated encodes of an unchanged document are
// byte-identical.
func Encode(w io.Writer, doc *Document) error {
	if _, err := io.WriteString(w, xmlHeader); err != nil {
		return fmt.Errorf("write report header: %w", err)
	}

	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")

	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode coverage report: %w", err)
	}

	if err := enc.Close(); err != nil {
		return fmt.Errorf("close report encoder: %w", err)
	}

	_, err := io.WriteString(w, "\n")

	return err
}
