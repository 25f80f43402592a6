package handlers

import (
	"io"
	"net/http"

	"github.com/gorilla/mux"

	apperrors "github.com/xelth-com/foodlens/internal/errors"
	"github.com/xelth-com/foodlens/internal/lookup"
)

// ContributionRequest carries product fields in the external API's naming
type ContributionRequest struct {
	Barcode string            `json:"barcode,omitempty"`
	Fields  map[string]string `json:"fields"`
}

// submitProduct queues a new product for the external database
func (r *Router) submitProduct(w http.ResponseWriter, req *http.Request) {
	var body ContributionRequest
	if err := decodeBody(req, &body); err != nil {
		r.respondAppError(w, err)
		return
	}
	op, err := r.deps.Contributor.SubmitProduct(req.Context(), body.Barcode, body.Fields)
	if err != nil {
		r.respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, op)
}

// updateProduct queues changed fields of an existing product
func (r *Router) updateProduct(w http.ResponseWriter, req *http.Request) {
	var body ContributionRequest
	if err := decodeBody(req, &body); err != nil {
		r.respondAppError(w, err)
		return
	}
	op, err := r.deps.Contributor.UpdateProduct(req.Context(), mux.Vars(req)["barcode"], body.Fields)
	if err != nil {
		r.respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, op)
}

// uploadImage queues a product photo sent as multipart form field "image"
func (r *Router) uploadImage(w http.ResponseWriter, req *http.Request) {
	req.Body = http.MaxBytesReader(w, req.Body, lookup.MaxImageBytes+1<<20)
	if err := req.ParseMultipartForm(lookup.MaxImageBytes); err != nil {
		r.respondAppError(w, apperrors.Wrap(apperrors.KindValidation, "invalid multipart form", err))
		return
	}
	file, header, err := req.FormFile("image")
	if err != nil {
		r.respondAppError(w, apperrors.Wrap(apperrors.KindValidation, "image file is required", err))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, lookup.MaxImageBytes+1))
	if err != nil {
		r.respondAppError(w, apperrors.Wrap(apperrors.KindValidation, "read image", err))
		return
	}

	op, err := r.deps.Contributor.UploadImage(req.Context(), mux.Vars(req)["barcode"], req.FormValue("field"), header.Filename, data)
	if err != nil {
		r.respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, op)
}
