package api

import (
	"net/http"
	"time"

	"github.com/xraph/tempo/dlq"
	"github.com/xraph/tempo/id"
)

// defaultPurgeAge is how old a report must be before purge removes it
// when the request names no age.
const defaultPurgeAge = 30 * 24 * time.Hour

func (a *API) listDLQ(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := dlq.ListOpts{}
	if s := q.Get("thread_id"); s != "" {
		threadID, err := id.ParseThreadID(s)
		if err != nil {
			a.writeError(w, r, badRequest("invalid thread_id: %v", err))
			return
		}
		opts.ThreadID = threadID
	}
	authority, err := parseAuthority(q.Get("authority"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	opts.Authority = authority
	if opts.OpenOnly, err = queryBool(r, "open_only"); err != nil {
		a.writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	opts.Limit = defaultLimit(limit)
	if opts.Offset, err = queryInt(r, "offset"); err != nil {
		a.writeError(w, r, err)
		return
	}

	entries, err := a.eng.DLQService().DLQStore().ListDLQ(r.Context(), opts)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []*dlq.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *API) getDLQ(w http.ResponseWriter, r *http.Request) {
	reportID, err := pathID(r, "reportId", id.PrefixReport)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	entry, err := a.eng.DLQService().DLQStore().GetDLQ(r.Context(), reportID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (a *API) replayDLQ(w http.ResponseWriter, r *http.Request) {
	reportID, err := pathID(r, "reportId", id.PrefixReport)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.eng.Replay(r.Context(), reportID); err != nil {
		a.writeError(w, r, err)
		return
	}
	entry, err := a.eng.DLQService().DLQStore().GetDLQ(r.Context(), reportID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (a *API) purgeDLQ(w http.ResponseWriter, r *http.Request) {
	age := defaultPurgeAge
	if s := r.URL.Query().Get("older_than"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d < 0 {
			a.writeError(w, r, badRequest("invalid older_than %q", s))
			return
		}
		age = d
	}

	before := time.Now().UTC().Add(-age)
	count, err := a.eng.DLQService().DLQStore().PurgeDLQ(r.Context(), before)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PurgeDLQResponse{Purged: count})
}

func (a *API) dlqCount(w http.ResponseWriter, r *http.Request) {
	count, err := a.eng.DLQService().DLQStore().CountDLQ(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, DLQCountResponse{Count: count})
}
