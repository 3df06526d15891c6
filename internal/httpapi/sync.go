package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/habitgate/habitgate/internal/kvstore"
)

// syncPayload is the stored (and posted) sync document: a client-side
// last-write timestamp plus the encrypted state blob, opaque to the server.
type syncPayload struct {
	LastModified int64  `json:"lastModified"`
	State        string `json:"state"`
}

// sync serves /api/sync. All methods require a valid sync-key hash header;
// state content is end-to-end encrypted and never inspected.
func (a *API) sync(w http.ResponseWriter, r *http.Request) {
	keyHash, ok := a.syncKeyHash(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		a.syncGet(w, r, keyHash)
	case http.MethodPost:
		a.syncPost(w, r, keyHash)
	case http.MethodDelete:
		a.syncDelete(w, r, keyHash)
	}
}

func (a *API) syncGet(w http.ResponseWriter, r *http.Request, keyHash string) {
	stored, err := a.store.GetSync(r.Context(), keyHash)
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "no sync state stored for this key")
			return
		}
		a.writeStorageError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(stored))
}

// syncPost implements last-write-wins with explicit conflict signaling:
// a payload older than the stored one is rejected with 409 and the stored
// (newer) document so the client can merge; an equal timestamp is a no-op
// 304; a newer timestamp overwrites.
func (a *API) syncPost(w http.ResponseWriter, r *http.Request, keyHash string) {
	body, ok := a.readBody(w, r)
	if !ok {
		return
	}

	var payload syncPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "request body is not valid JSON")
		return
	}
	if payload.LastModified <= 0 || payload.State == "" {
		writeError(w, http.StatusBadRequest, "missing_field", "lastModified and state are required")
		return
	}

	stored, err := a.store.GetSync(r.Context(), keyHash)
	if err != nil && !errors.Is(err, kvstore.ErrNotFound) {
		a.writeStorageError(w, r, err)
		return
	}

	if err == nil {
		var current syncPayload
		if json.Unmarshal([]byte(stored), &current) == nil {
			switch {
			case payload.LastModified == current.LastModified:
				w.WriteHeader(http.StatusNotModified)
				return
			case payload.LastModified < current.LastModified:
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusConflict)
				_, _ = w.Write([]byte(stored))
				return
			}
		}
		// An unparsable stored document never blocks a valid write.
	}

	if err := a.store.SetSync(r.Context(), keyHash, string(body)); err != nil {
		a.writeStorageError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

func (a *API) syncDelete(w http.ResponseWriter, r *http.Request, keyHash string) {
	if err := a.store.DelSync(r.Context(), keyHash); err != nil {
		a.writeStorageError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

func (a *API) writeStorageError(w http.ResponseWriter, r *http.Request, err error) {
	a.logger.Error("kv store operation failed",
		"error", err, "request_id", r.Header.Get(requestIDHeader))
	writeError(w, http.StatusInternalServerError, "storage_error", "key-value store is unavailable")
}
