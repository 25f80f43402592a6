package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
)

const defaultPageSize = 20

func (r *Router) listCategories(w http.ResponseWriter, req *http.Request) {
	list, err := r.deps.Catalog.Categories(req.Context())
	if err != nil {
		r.respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, list)
}

func (r *Router) listBrands(w http.ResponseWriter, req *http.Request) {
	list, err := r.deps.Catalog.Brands(req.Context())
	if err != nil {
		r.respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, list)
}

// listPopular pages through products ordered by sortBy (default popularity)
func (r *Router) listPopular(w http.ResponseWriter, req *http.Request) {
	page, err := queryInt(req, "page", 1)
	if err != nil {
		r.respondAppError(w, err)
		return
	}
	pageSize, err := queryInt(req, "pageSize", defaultPageSize)
	if err != nil {
		r.respondAppError(w, err)
		return
	}
	result, err := r.deps.Catalog.PopularProducts(req.Context(), page, pageSize, req.URL.Query().Get("sortBy"))
	if err != nil {
		r.respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (r *Router) getIngredient(w http.ResponseWriter, req *http.Request) {
	ingredient, err := r.deps.Catalog.Ingredient(req.Context(), mux.Vars(req)["id"])
	if err != nil {
		r.respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ingredient)
}
