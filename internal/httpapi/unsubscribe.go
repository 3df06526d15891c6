package httpapi

import "net/http"

// unsubscribe serves POST /api/unsubscribe: removes the push subscription
// stored under the client's sync-key hash. Removing an absent subscription
// succeeds, so retries are harmless.
func (a *API) unsubscribe(w http.ResponseWriter, r *http.Request) {
	keyHash, ok := a.syncKeyHash(w, r)
	if !ok {
		return
	}

	if err := a.store.DelPush(r.Context(), keyHash); err != nil {
		a.writeStorageError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}
