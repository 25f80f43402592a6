package handlers

import (
	"net/http"
	"strings"

	"github.com/xelth-com/foodlens/internal/middleware"
	"github.com/xelth-com/foodlens/internal/models"
	"github.com/xelth-com/foodlens/internal/services/report"
)

const historyLimit = 50

// ScanRequest represents the payload from a scanner
type ScanRequest struct {
	Barcode string `json:"barcode"`
	UserID  string `json:"userId,omitempty"`
}

// requestUser returns the user of the bearer token, falling back to explicit
func requestUser(req *http.Request, explicit string) string {
	if id := middleware.UserID(req.Context()); id != "" {
		return id
	}
	return explicit
}

// handleScan resolves a scanned barcode and records the scan
func (r *Router) handleScan(w http.ResponseWriter, req *http.Request) {
	var body ScanRequest
	if err := decodeBody(req, &body); err != nil {
		r.respondAppError(w, err)
		return
	}

	result, err := r.deps.Orchestrator.Resolve(req.Context(), strings.TrimSpace(body.Barcode), requestUser(req, body.UserID))
	if err != nil {
		r.respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (r *Router) history(req *http.Request) ([]models.ScanRecord, error) {
	limit, err := queryInt(req, "limit", historyLimit)
	if err != nil {
		return nil, err
	}
	return r.deps.Orchestrator.History(req.Context(), requestUser(req, req.URL.Query().Get("userId")), limit)
}

// getHistory lists the user's scans, newest first
func (r *Router) getHistory(w http.ResponseWriter, req *http.Request) {
	scans, err := r.history(req)
	if err != nil {
		r.respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"scans": scans,
		"count": len(scans),
	})
}

// historyReport renders the user's scan history as PDF
func (r *Router) historyReport(w http.ResponseWriter, req *http.Request) {
	scans, err := r.history(req)
	if err != nil {
		r.respondAppError(w, err)
		return
	}
	userID := ""
	if len(scans) > 0 {
		userID = scans[0].UserID
	}
	pdf, err := report.HistoryPDF(report.HistoryReport{UserID: userID, Scans: scans})
	if err != nil {
		r.respondAppError(w, err)
		return
	}
	respondPDF(w, "scan-history.pdf", pdf)
}

// historyLabels prints one label per distinct product of the user's history
func (r *Router) historyLabels(w http.ResponseWriter, req *http.Request) {
	scans, err := r.history(req)
	if err != nil {
		r.respondAppError(w, err)
		return
	}
	seen := make(map[string]bool)
	var products []models.Product
	for _, s := range scans {
		if s.Product == nil || seen[s.Barcode] {
			continue
		}
		seen[s.Barcode] = true
		products = append(products, *s.Product)
	}
	pdf, err := report.LabelsPDF(products, report.DefaultLabelConfig)
	if err != nil {
		r.respondAppError(w, err)
		return
	}
	respondPDF(w, "labels.pdf", pdf)
}

func respondPDF(w http.ResponseWriter, filename string, data []byte) {
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `inline; filename="`+filename+`"`)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
