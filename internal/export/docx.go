// Package export renders bibliography entries as a Word document.
package export

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"researchdesk/internal/model"
)

// ContentType is the MIME type of the generated document.
const ContentType = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"

// FileName returns the download name for an export created at t.
func FileName(t time.Time) string {
	return fmt.Sprintf("annotated-bibliography-%d.docx", t.UnixMilli())
}

var componentLabels = map[string]string{
	"research_purpose":      "Research Purpose",
	"methodology":           "Methodology",
	"theoretical_framework": "Theoretical Framework",
}

// Document collects WordprocessingML paragraphs.
type Document struct {
	body strings.Builder
}

type runStyle struct {
	bold bool
	size int // half-points
}

func (d *Document) paragraph(text string, style runStyle, after int) {
	d.body.WriteString(`<w:p><w:pPr><w:spacing w:after="`)
	fmt.Fprint(&d.body, after)
	d.body.WriteString(`"/></w:pPr><w:r><w:rPr>`)
	if style.bold {
		d.body.WriteString(`<w:b/>`)
	}
	if style.size > 0 {
		fmt.Fprintf(&d.body, `<w:sz w:val="%d"/>`, style.size)
	}
	d.body.WriteString(`</w:rPr><w:t xml:space="preserve">`)
	_ = xml.EscapeText(&d.body, []byte(text))
	d.body.WriteString(`</w:t></w:r></w:p>`)
}

func (d *Document) heading(text string) {
	d.paragraph(text, runStyle{bold: true, size: 28}, 120)
}

func (d *Document) label(text string) {
	d.paragraph(text, runStyle{bold: true, size: 24}, 60)
}

func (d *Document) text(text string) {
	d.paragraph(text, runStyle{size: 24}, 240)
}

func (d *Document) pageBreak() {
	d.body.WriteString(`<w:p><w:r><w:br w:type="page"/></w:r></w:p>`)
}

// AddEntry appends one entry. Empty sections are skipped.
func (d *Document) AddEntry(e *model.BibliographyEntry) {
	d.paragraph(e.CitationText(), runStyle{bold: true, size: 24}, 240)

	if e.NarrativeOverview != "" {
		d.heading("Narrative Overview")
		d.text(e.NarrativeOverview)
	}

	if len(e.ResearchComponents) > 0 {
		d.heading("Key Research Components")
		for _, key := range e.SortedComponents() {
			value := e.ResearchComponents[key]
			if value == "" {
				continue
			}
			d.label(componentLabel(key) + ":")
			d.text(value)
		}
	}

	if e.CoreFindings != "" {
		d.heading("Core Findings & Key Statistics")
		d.text(e.CoreFindings)
	}

	mv := e.MethodologicalValue
	if mv.Strengths != "" || mv.Limitations != "" {
		d.heading("Methodological Value")
		if mv.Strengths != "" {
			d.label("Strengths:")
			d.text(mv.Strengths)
		}
		if mv.Limitations != "" {
			d.label("Limitations:")
			d.text(mv.Limitations)
		}
	}

	if len(e.KeyQuotes) > 0 {
		d.heading("Key Quotes")
		for i, q := range e.KeyQuotes {
			d.text(QuoteLine(i+1, q))
		}
	}
}

// QuoteLine formats a numbered quote with its page reference.
func QuoteLine(n int, q model.Quote) string {
	if q.Page == "" {
		return fmt.Sprintf("%d. \"%s\"", n, q.Text)
	}
	return fmt.Sprintf("%d. \"%s\" (p. %s)", n, q.Text, q.Page)
}

func componentLabel(key string) string {
	if l, ok := componentLabels[key]; ok {
		return l
	}
	words := strings.Fields(strings.ReplaceAll(key, "_", " "))
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToUpper(r)) + w[size:]
	}
	return strings.Join(words, " ")
}

// Bibliography renders a title page followed by every entry, one per page.
func Bibliography(entries []model.BibliographyEntry, now time.Time) ([]byte, error) {
	var d Document
	d.paragraph("ANNOTATED BIBLIOGRAPHY", runStyle{bold: true, size: 36}, 480)
	d.paragraph("Date: "+now.Format("January 2, 2006"), runStyle{size: 24}, 120)
	d.paragraph(fmt.Sprintf("Total Entries: %d", len(entries)), runStyle{size: 24}, 120)
	if len(entries) > 0 {
		d.pageBreak()
	}
	for i := range entries {
		d.paragraph(fmt.Sprintf("ENTRY %d", i+1), runStyle{bold: true, size: 28}, 240)
		d.AddEntry(&entries[i])
		if i < len(entries)-1 {
			d.pageBreak()
		}
	}
	return d.Bytes()
}

const (
	contentTypesXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types">
<Default Extension="rels" ContentType="application/vnd.openxmlformats-package.relationships+xml"/>
<Default Extension="xml" ContentType="application/xml"/>
<Override PartName="/word/document.xml" ContentType="application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml"/>
</Types>`
	relsXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">
<Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/officeDocument" Target="word/document.xml"/>
</Relationships>`
	documentHead = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>`
	documentTail = `<w:sectPr><w:pgSz w:w="12240" w:h="15840"/><w:pgMar w:top="1440" w:right="1440" w:bottom="1440" w:left="1440"/></w:sectPr></w:body></w:document>`
)

// Bytes packages the document as a .docx archive.
func (d *Document) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := d.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Write writes the .docx archive to w.
func (d *Document) Write(w io.Writer) error {
	zw := zip.NewWriter(w)
	parts := []struct{ name, body string }{
		{"[Content_Types].xml", contentTypesXML},
		{"_rels/.rels", relsXML},
		{"word/document.xml", documentHead + d.body.String() + documentTail},
	}
	for _, p := range parts {
		f, err := zw.Create(p.name)
		if err != nil {
			return fmt.Errorf("create %s: %w", p.name, err)
		}
		if _, err := io.WriteString(f, p.body); err != nil {
			return fmt.Errorf("write %s: %w", p.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finalize docx: %w", err)
	}
	return nil
}
