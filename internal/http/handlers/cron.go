package handlers

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// CronCleanup triggers one reconciler sweep. An external scheduler calls it
// on a fixed cadence; when CRON_SECRET is configured the call must carry it
// as a bearer token.
func (a *App) CronCleanup(w http.ResponseWriter, r *http.Request) {
	if a.CronSecret != "" && !a.cronAuthorized(r) {
		a.jsonError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	result, err := a.Reconciler.Sweep(r.Context())
	if err != nil {
		a.Logger.Error().Err(err).Msg("cron: sweep failed")
		a.jsonError(w, http.StatusInternalServerError, "sweep failed")
		return
	}
	a.json(w, http.StatusOK, result)
}

func (a *App) cronAuthorized(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(a.CronSecret)) == 1
}
