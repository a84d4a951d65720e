package consultation

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jung-kurt/gofpdf"

	"github.com/telemed/telemed/internal/platform/apperr"
)

const pdfDateLayout = "02 Jan 2006 15:04 MST"

// RenderPrescriptionPDF lays out a prescription on an A4 page with the
// signature footer. The signature is verified before rendering.
func (s *Service) RenderPrescriptionPDF(ctx context.Context, rxID uuid.UUID) ([]byte, error) {
	p, err := s.GetPrescription(ctx, rxID)
	if err != nil {
		return nil, err
	}

	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetTitle("Prescription "+p.ID.String(), true)
	pdf.SetAuthor(p.DoctorID, true)
	pdf.SetMargins(15, 15, 15)
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetFooterFunc(func() {
		pdf.SetY(-25)
		pdf.SetFont("Helvetica", "", 7)
		status := "Digital signature verified"
		if !p.SignatureValid {
			status = "DIGITAL SIGNATURE INVALID"
		}
		pdf.CellFormat(0, 4, status, "T", 1, "L", false, 0, "")
		pdf.CellFormat(0, 4, "Signature: "+p.DoctorSignature, "", 1, "L", false, 0, "")
		pdf.CellFormat(0, 4, fmt.Sprintf("Page %d", pdf.PageNo()), "", 0, "R", false, 0, "")
	})

	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 18)
	pdf.CellFormat(0, 10, "Prescription", "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 10)
	pdf.CellFormat(0, 6, tr("Doctor: "+p.DoctorID), "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 6, tr("Patient: "+p.PatientID), "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 6, "Issued: "+p.SignedAt.UTC().Format(pdfDateLayout), "", 1, "L", false, 0, "")
	if !p.IsActive {
		pdf.SetTextColor(180, 0, 0)
		pdf.CellFormat(0, 6, "SUPERSEDED - not valid for dispensing", "", 1, "L", false, 0, "")
		pdf.SetTextColor(0, 0, 0)
	}
	pdf.Ln(4)

	if len(p.Medications) > 0 {
		section(pdf, "Medications")
		widths := []float64{50, 25, 40, 35, 30}
		pdf.SetFont("Helvetica", "B", 9)
		for i, h := range []string{"Medicine", "Dosage", "Frequency", "Duration", "Food"} {
			pdf.CellFormat(widths[i], 7, h, "1", 0, "L", false, 0, "")
		}
		pdf.Ln(-1)
		pdf.SetFont("Helvetica", "", 9)
		for _, m := range p.Medications {
			name := m.Name
			if m.IsSOS {
				name += " (SOS)"
			}
			row := []string{
				name,
				m.Dosage,
				m.Frequency,
				fmt.Sprintf("%d %s", m.DurationValue, m.DurationUnit),
				strings.ReplaceAll(m.RelationToFood, "_", " "),
			}
			for i, cell := range row {
				pdf.CellFormat(widths[i], 7, tr(cell), "1", 0, "L", false, 0, "")
			}
			pdf.Ln(-1)
			if m.Instructions != nil && *m.Instructions != "" {
				pdf.SetFont("Helvetica", "I", 8)
				pdf.MultiCell(0, 5, tr("  "+*m.Instructions), "", "L", false)
				pdf.SetFont("Helvetica", "", 9)
			}
		}
		pdf.Ln(4)
	}

	if len(p.AdvisedTests) > 0 {
		section(pdf, "Advised tests")
		pdf.SetFont("Helvetica", "", 9)
		for _, t := range p.AdvisedTests {
			line := fmt.Sprintf("- %s (%s, %s)", t.TestName, t.TestType, t.Urgency)
			if t.FastingRequired {
				line += ", fasting"
			}
			pdf.MultiCell(0, 5, tr(line), "", "L", false)
		}
		pdf.Ln(4)
	}

	for _, block := range []struct {
		title string
		text  *string
	}{
		{"Diet", p.DietInstructions},
		{"Lifestyle", p.LifestyleAdvice},
		{"Special instructions", p.SpecialInstructions},
		{"Warning signs", p.WarningSigns},
		{"Follow-up", p.FollowUpNotes},
	} {
		if block.text == nil || *block.text == "" {
			continue
		}
		section(pdf, block.title)
		pdf.SetFont("Helvetica", "", 9)
		pdf.MultiCell(0, 5, tr(*block.text), "", "L", false)
		pdf.Ln(2)
	}
	if p.FollowUpDate != nil {
		pdf.SetFont("Helvetica", "", 9)
		pdf.CellFormat(0, 6, "Follow-up on "+p.FollowUpDate.UTC().Format("02 Jan 2006"), "", 1, "L", false, 0, "")
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, apperr.Internal("render prescription pdf", err)
	}
	return buf.Bytes(), nil
}

func section(pdf *gofpdf.Fpdf, title string) {
	pdf.SetFont("Helvetica", "B", 11)
	pdf.CellFormat(0, 7, title, "B", 1, "L", false, 0, "")
	pdf.Ln(1)
}
