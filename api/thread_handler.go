package api

import (
	"net/http"

	"github.com/xraph/tempo/id"
	"github.com/xraph/tempo/thread"
)

func (a *API) listThreads(w http.ResponseWriter, r *http.Request) {
	authority, err := parseAuthority(r.URL.Query().Get("authority"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	includePaused, err := queryBool(r, "include_paused")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	threads, err := a.eng.Store().ListThreads(r.Context(), thread.ListOpts{
		Authority:     authority,
		IncludePaused: includePaused,
		Limit:         defaultLimit(limit),
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if threads == nil {
		threads = []*thread.Thread{}
	}
	writeJSON(w, http.StatusOK, threads)
}

func (a *API) getThread(w http.ResponseWriter, r *http.Request) {
	threadID, err := pathID(r, "threadId", id.PrefixThread)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	t, err := a.eng.Store().GetThread(r.Context(), threadID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (a *API) threadHistory(w http.ResponseWriter, r *http.Request) {
	threadID, err := pathID(r, "threadId", id.PrefixThread)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	commits, err := a.eng.History(r.Context(), threadID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, HistoryResponse{ThreadID: threadID.String(), Commits: commits})
}
