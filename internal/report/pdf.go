package report

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"

	"github.com/P2-Tracker-BES-SW/cmssw/internal/diag"
)

const maxPDFFindings = 200

// SavePDF renders rep into a PDF document at out.
func SavePDF(rep DecodeReport, out string) error {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetTitle("DTH Decode Report", false)
	pdf.SetAuthor("dthctl", false)
	pdf.SetCreator("dthctl", false)
	pdf.SetMargins(15, 20, 15)
	pdf.SetAutoPageBreak(true, 20)
	pdf.AddPage()

	addPDFTitle(pdf, "DTH Decode Report")
	if err := addDigestQR(pdf, rep.Sha256); err != nil {
		return err
	}
	addSummarySection(pdf, rep)
	addOrbitSection(pdf, rep.Orbits)
	addErrorSection(pdf, rep.Errors)
	addFindingsSection(pdf, rep.Findings)

	if pdf.Err() {
		return pdf.Error()
	}
	return pdf.OutputFileAndClose(out)
}

func addPDFTitle(pdf *gofpdf.Fpdf, title string) {
	pdf.SetFont("Helvetica", "B", 18)
	pdf.Cell(0, 10, title)
	pdf.Ln(12)
}

func addDigestQR(pdf *gofpdf.Fpdf, digest string) error {
	if normalizeDigest(digest) == "" {
		return nil
	}
	png, err := DigestQR(digest, 256)
	if err != nil {
		return fmt.Errorf("render digest qr: %w", err)
	}
	opts := gofpdf.ImageOptions{ImageType: "PNG"}
	pdf.RegisterImageOptionsReader("digest-qr", opts, bytes.NewReader(png))
	pageW, _ := pdf.GetPageSize()
	_, _, right, _ := pdf.GetMargins()
	pdf.ImageOptions("digest-qr", pageW-right-30, 15, 30, 30, false, opts, 0, "")
	return nil
}

func addSummarySection(pdf *gofpdf.Fpdf, rep DecodeReport) {
	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 8, "Summary")
	pdf.Ln(8)

	pdf.SetFont("Helvetica", "", 11)
	items := []struct {
		label string
		value string
	}{
		{label: "Run", value: rep.RunID},
		{label: "Created", value: rep.CreatedAt.Format(time.RFC3339)},
		{label: "Input", value: emptyFallback(rep.Input, "-")},
		{label: "Size", value: fmt.Sprintf("%d bytes", rep.Size)},
		{label: "SHA-256", value: rep.Sha256},
		{label: "FED ID", value: strconv.FormatUint(uint64(rep.FEDID), 10)},
		{label: "Trailer marker", value: emptyFallback(rep.Settings.TrailerMarker, "-")},
		{label: "Payload scaling", value: emptyFallback(rep.Settings.PayloadScaling, "-")},
		{label: "Orbits", value: strconv.Itoa(rep.Summary.Orbits)},
		{label: "Fragments", value: strconv.Itoa(rep.Summary.Fragments)},
		{label: "Errors", value: strconv.Itoa(rep.Summary.Errors)},
		{label: "Warnings", value: strconv.Itoa(rep.Summary.Warnings)},
		{label: "Checksum mismatches", value: strconv.Itoa(rep.Summary.ChecksumMismatches)},
		{label: "Overall", value: passLabel(rep.Summary.Pass)},
	}
	for _, item := range items {
		pdf.SetFont("Helvetica", "", 10)
		pdf.CellFormat(45, 6, item.label, "", 0, "L", false, 0, "")
		if item.label == "SHA-256" {
			pdf.SetFont("Courier", "", 8)
		}
		pdf.CellFormat(0, 6, item.value, "", 1, "L", false, 0, "")
	}
	pdf.Ln(4)
}

func addOrbitSection(pdf *gofpdf.Fpdf, rows []OrbitRow) {
	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 8, "Orbits")
	pdf.Ln(9)

	headers := []string{"#", "Offset", "Orbit", "Run", "Source", "Events", "Words", "Decoded", "Status"}
	widths := []float64{10, 22, 22, 18, 22, 16, 18, 18, 34}

	pdf.SetFillColor(240, 240, 240)
	pdf.SetFont("Helvetica", "B", 9)
	for i, h := range headers {
		pdf.CellFormat(widths[i], 7, h, "1", 0, "L", true, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Helvetica", "", 8)
	for _, row := range rows {
		status := passLabel(row.Complete)
		if row.Error != "" {
			status = "FAIL: " + row.Error
		}
		values := []string{
			strconv.Itoa(row.Index),
			fmt.Sprintf("0x%X", row.Offset),
			strconv.FormatUint(uint64(row.OrbitNumber), 10),
			strconv.FormatUint(uint64(row.RunNumber), 10),
			strconv.FormatUint(uint64(row.SourceID), 10),
			strconv.Itoa(int(row.EventCount)),
			strconv.FormatUint(uint64(row.PacketWordCount), 10),
			strconv.Itoa(row.Decoded),
			status,
		}
		renderTableRow(pdf, widths, values, 4.5)
	}
	pdf.Ln(4)
}

func addErrorSection(pdf *gofpdf.Fpdf, errs []string) {
	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 8, "Decode Errors")
	pdf.Ln(9)
	pdf.SetFont("Helvetica", "", 10)
	if len(errs) == 0 {
		pdf.MultiCell(0, 6, "No decode errors.", "", "L", false)
		pdf.Ln(2)
		return
	}
	for i, e := range errs {
		pdf.MultiCell(0, 5, fmt.Sprintf("%d. %s", i+1, e), "", "L", false)
	}
	pdf.Ln(2)
}

func addFindingsSection(pdf *gofpdf.Fpdf, findings []diag.Diagnostic) {
	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 8, "Findings")
	pdf.Ln(9)

	if len(findings) == 0 {
		pdf.SetFont("Helvetica", "", 11)
		pdf.MultiCell(0, 6, "No findings recorded.", "", "L", false)
		return
	}

	shown := findings
	if len(shown) > maxPDFFindings {
		shown = shown[:maxPDFFindings]
	}
	for i, d := range shown {
		pdf.SetFont("Helvetica", "B", 10)
		pdf.MultiCell(0, 5, fmt.Sprintf("%d. %s (%s)", i+1, d.Code, severityLabel(d.Severity)), "", "L", false)

		if msg := strings.TrimSpace(d.Message); msg != "" {
			pdf.SetFont("Helvetica", "", 10)
			pdf.MultiCell(0, 5, msg, "", "L", false)
		}
		if meta := findingMetadata(d); meta != "" {
			pdf.SetFont("Helvetica", "", 9)
			pdf.MultiCell(0, 4, meta, "", "L", false)
		}
		pdf.Ln(2)
	}
	if extra := len(findings) - len(shown); extra > 0 {
		pdf.SetFont("Helvetica", "I", 9)
		pdf.MultiCell(0, 5, fmt.Sprintf("%d further findings omitted; see the JSON report.", extra), "", "L", false)
	}
}

func renderTableRow(pdf *gofpdf.Fpdf, widths []float64, values []string, lineHeight float64) {
	xStart := pdf.GetX()
	yStart := pdf.GetY()
	maxLines := 1
	splitCols := make([][]string, len(values))
	for i, val := range values {
		text := strings.TrimSpace(val)
		if text == "" {
			text = "-"
		}
		lines := pdf.SplitText(text, widths[i]-2)
		if len(lines) == 0 {
			lines = []string{""}
		}
		splitCols[i] = lines
		if len(lines) > maxLines {
			maxLines = len(lines)
		}
	}
	rowHeight := float64(maxLines) * lineHeight
	x := xStart
	for i, lines := range splitCols {
		pdf.SetXY(x, yStart)
		pdf.MultiCell(widths[i], lineHeight, strings.Join(lines, "\n"), "1", "L", false)
		x += widths[i]
	}
	pdf.SetXY(xStart, yStart+rowHeight)
}

func passLabel(pass bool) string {
	if pass {
		return "PASS"
	}
	return "FAIL"
}

func severityLabel(sev diag.Severity) string {
	if s := strings.TrimSpace(string(sev)); s != "" {
		return s
	}
	return "UNKNOWN"
}

func emptyFallback(val, fallback string) string {
	if strings.TrimSpace(val) == "" {
		return fallback
	}
	return val
}

func findingMetadata(d diag.Diagnostic) string {
	parts := make([]string, 0, 5)
	if !d.Ts.IsZero() {
		parts = append(parts, d.Ts.Format(time.RFC3339))
	}
	if d.Orbit != nil {
		parts = append(parts, fmt.Sprintf("Orbit %d", *d.Orbit))
	}
	if d.Ordinal != nil {
		parts = append(parts, fmt.Sprintf("Fragment %d", *d.Ordinal))
	}
	if d.Offset != nil {
		parts = append(parts, fmt.Sprintf("Offset 0x%X", *d.Offset))
	}
	if d.Expected != "" || d.Actual != "" {
		parts = append(parts, fmt.Sprintf("Expected %s, got %s", d.Expected, d.Actual))
	}
	return strings.Join(parts, " · ")
}
