// Package report renders scan history and product label sheets as PDF.
package report

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/skip2/go-qrcode"

	"github.com/xelth-com/foodlens/internal/models"
)

// ProductURL is the public page a product QR code points to
const ProductURL = "https://world.openfoodfacts.org/product/%s"

// HistoryReport is the input of HistoryPDF
type HistoryReport struct {
	Title       string
	UserID      string
	GeneratedAt time.Time
	Scans       []models.ScanRecord
}

// LabelConfig lays out a sheet of product labels
type LabelConfig struct {
	Cols       int     `json:"cols"`
	Rows       int     `json:"rows"`
	MarginTop  float64 `json:"marginTop"`
	MarginLeft float64 `json:"marginLeft"`
	GapX       float64 `json:"gapX"`
	GapY       float64 `json:"gapY"`
}

// DefaultLabelConfig is a 3x8 A4 sheet
var DefaultLabelConfig = LabelConfig{Cols: 3, Rows: 8, MarginTop: 10, MarginLeft: 8, GapX: 3, GapY: 2}

func qrImage(pdf *gofpdf.Fpdf, name, content string) (gofpdf.ImageOptions, error) {
	png, err := qrcode.Encode(content, qrcode.Low, 256)
	if err != nil {
		return gofpdf.ImageOptions{}, err
	}
	opts := gofpdf.ImageOptions{ImageType: "PNG", ReadDpi: true}
	pdf.RegisterImageOptionsReader(name, opts, bytes.NewReader(png))
	return opts, pdf.Error()
}

// HistoryPDF renders one row per scan: a QR code of the product page, the
// product, its health score, the resolving tier and whether it is synced.
func HistoryPDF(r HistoryReport) ([]byte, error) {
	if r.Title == "" {
		r.Title = "Scan history"
	}
	if r.GeneratedAt.IsZero() {
		r.GeneratedAt = time.Now()
	}

	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(15, 15, 15)
	pdf.SetAutoPageBreak(true, 15)
	pdf.AddPage()

	pdf.SetFont("Arial", "B", 16)
	pdf.CellFormat(0, 10, r.Title, "", 1, "L", false, 0, "")
	pdf.SetFont("Arial", "", 9)
	sub := fmt.Sprintf("Generated %s", r.GeneratedAt.UTC().Format("2006-01-02 15:04 MST"))
	if r.UserID != "" {
		sub += " for " + r.UserID
	}
	pdf.CellFormat(0, 6, sub, "", 1, "L", false, 0, "")
	pdf.Ln(4)

	if len(r.Scans) == 0 {
		pdf.SetFont("Arial", "I", 11)
		pdf.CellFormat(0, 8, "No scans recorded.", "", 1, "L", false, 0, "")
	}

	const rowH, qrSize = 22.0, 18.0
	for i, scan := range r.Scans {
		if pdf.GetY()+rowH > 282 {
			pdf.AddPage()
		}
		x, y := pdf.GetX(), pdf.GetY()

		opts, err := qrImage(pdf, fmt.Sprintf("qr_%d", i), fmt.Sprintf(ProductURL, scan.Barcode))
		if err != nil {
			return nil, err
		}
		pdf.ImageOptions(fmt.Sprintf("qr_%d", i), x, y+2, qrSize, qrSize, false, opts, 0, "")

		name, brand, score := scan.Barcode, "", "-"
		if p := scan.Product; p != nil {
			if p.Name != "" {
				name = p.Name
			}
			brand = p.Brand
			score = fmt.Sprintf("%d/100", p.HealthScore)
		}
		synced := "synced"
		if !scan.Synced {
			synced = "pending upload"
		}

		textX := x + qrSize + 4
		pdf.SetXY(textX, y+2)
		pdf.SetFont("Arial", "B", 11)
		pdf.CellFormat(120, 6, pdf.UnicodeTranslatorFromDescriptor("")(name), "", 2, "L", false, 0, "")
		pdf.SetFont("Arial", "", 9)
		pdf.CellFormat(120, 5, fmt.Sprintf("%s  %s", scan.Barcode, brand), "", 2, "L", false, 0, "")
		pdf.CellFormat(120, 5, fmt.Sprintf("%s via %s, %s", scan.ScannedAt.UTC().Format("2006-01-02 15:04"), scan.Source, synced), "", 0, "L", false, 0, "")

		pdf.SetXY(x+150, y+6)
		pdf.SetFont("Arial", "B", 14)
		pdf.CellFormat(30, 8, score, "", 0, "R", false, 0, "")

		pdf.SetDrawColor(200, 200, 200)
		pdf.Line(x, y+rowH, x+180, y+rowH)
		pdf.SetXY(x, y+rowH+1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// LabelsPDF renders a sheet of shelf labels, one per product, each with a QR code
// of the product page and the barcode underneath.
func LabelsPDF(products []models.Product, cfg LabelConfig) ([]byte, error) {
	if cfg.Cols <= 0 || cfg.Rows <= 0 {
		cfg = DefaultLabelConfig
	}

	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(0, 0, 0)
	pdf.SetAutoPageBreak(false, 0)
	pdf.SetFont("Arial", "B", 10)

	pageWidth, pageHeight := 210.0, 297.0
	availW := pageWidth - cfg.MarginLeft*2
	availH := pageHeight - cfg.MarginTop*2
	labelW := (availW - float64(cfg.Cols-1)*cfg.GapX) / float64(cfg.Cols)
	labelH := (availH - float64(cfg.Rows-1)*cfg.GapY) / float64(cfg.Rows)
	perPage := cfg.Cols * cfg.Rows

	for i, p := range products {
		if i%perPage == 0 {
			pdf.AddPage()
		}
		idx := i % perPage
		x := cfg.MarginLeft + float64(idx%cfg.Cols)*(labelW+cfg.GapX)
		y := cfg.MarginTop + float64(idx/cfg.Cols)*(labelH+cfg.GapY)

		name := fmt.Sprintf("label_%d", i)
		opts, err := qrImage(pdf, name, fmt.Sprintf(ProductURL, p.Barcode))
		if err != nil {
			return nil, err
		}

		qrSize := labelH * 0.7
		if qrSize > labelW/2 {
			qrSize = labelW / 2
		}
		pdf.ImageOptions(name, x+1, y+(labelH-qrSize)/2, qrSize, qrSize, false, opts, 0, "")

		textX, textW := x+qrSize+2, labelW-qrSize-3
		pdf.SetXY(textX, y+2)
		pdf.SetFontSize(8)
		pdf.MultiCell(textW, 4, p.Name, "", "L", false)
		pdf.SetXY(textX, y+labelH-10)
		pdf.SetFontSize(10)
		pdf.CellFormat(textW, 5, fmt.Sprintf("%d/100", p.HealthScore), "", 2, "L", false, 0, "")
		pdf.SetFontSize(7)
		pdf.CellFormat(textW, 4, p.Barcode, "", 0, "L", false, 0, "")
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
