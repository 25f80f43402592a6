package handlers

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

func (r *Router) listQueue(w http.ResponseWriter, req *http.Request) {
	ops, err := r.deps.Queue.List(req.Context())
	if err != nil {
		r.respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"operations": ops,
		"count":      len(ops),
	})
}

// processQueue runs a pass now. ?force=true processes even when offline.
func (r *Router) processQueue(w http.ResponseWriter, req *http.Request) {
	force, _ := strconv.ParseBool(req.URL.Query().Get("force"))
	completed := r.deps.Processor.Process(req.Context(), force)
	respondJSON(w, http.StatusOK, map[string]int{"completed": completed})
}

func (r *Router) retryAll(w http.ResponseWriter, req *http.Request) {
	n, err := r.deps.Queue.RetryAll(req.Context())
	if err != nil {
		r.respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"reset": n})
}

func (r *Router) retryOperation(w http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	ok, err := r.deps.Queue.Retry(req.Context(), id)
	if err != nil {
		r.respondAppError(w, err)
		return
	}
	if !ok {
		respondError(w, http.StatusNotFound, "Operation not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"id": id, "status": "pending"})
}

func (r *Router) removeOperation(w http.ResponseWriter, req *http.Request) {
	ok, err := r.deps.Queue.Remove(req.Context(), mux.Vars(req)["id"])
	if err != nil {
		r.respondAppError(w, err)
		return
	}
	if !ok {
		respondError(w, http.StatusNotFound, "Operation not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) clearQueue(w http.ResponseWriter, req *http.Request) {
	n, err := r.deps.Queue.Clear(req.Context())
	if err != nil {
		r.respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"removed": n})
}

func (r *Router) getNetwork(w http.ResponseWriter, req *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  r.deps.Network.Status(),
		"history": r.deps.Network.History(),
	})
}

// setNetwork overrides the connectivity flag
func (r *Router) setNetwork(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Online *bool `json:"online"`
	}
	if err := decodeBody(req, &body); err != nil {
		r.respondAppError(w, err)
		return
	}
	if body.Online == nil {
		respondError(w, http.StatusBadRequest, "online is required")
		return
	}
	r.deps.Network.SetOnline(*body.Online)
	respondJSON(w, http.StatusOK, r.deps.Network.Status())
}

func (r *Router) probeNetwork(w http.ResponseWriter, req *http.Request) {
	r.deps.Network.TestConnectivity(req.Context())
	respondJSON(w, http.StatusOK, r.deps.Network.Status())
}
