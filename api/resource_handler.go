package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xraph/tempo/crank"
	"github.com/xraph/tempo/id"
	"github.com/xraph/tempo/lut"
	"github.com/xraph/tempo/resource"
)

func (a *API) getTable(w http.ResponseWriter, r *http.Request) {
	tableID, err := pathID(r, "tableId", id.PrefixTable)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	t, err := a.eng.Store().GetTable(r.Context(), tableID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	warmup := a.eng.Config().WarmupEpochs
	writeJSON(w, http.StatusOK, TableResponse{
		Table:      t,
		Warm:       t.IsWarm(a.eng.Clock().Epoch(), warmup),
		ReadyEpoch: t.ReadyEpoch(warmup),
	})
}

func (a *API) listTables(w http.ResponseWriter, r *http.Request) {
	authority, err := pathAuthority(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	tables, err := a.eng.Store().ListTables(r.Context(), authority)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if tables == nil {
		tables = []*lut.Table{}
	}
	writeJSON(w, http.StatusOK, tables)
}

func (a *API) getCrank(w http.ResponseWriter, r *http.Request) {
	crankID, err := pathID(r, "crankId", id.PrefixCrank)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	c, err := a.eng.Store().GetCrank(r.Context(), crankID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *API) listCranks(w http.ResponseWriter, r *http.Request) {
	authority, err := pathAuthority(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	cranks, err := a.eng.Store().ListCranks(r.Context(), authority)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if cranks == nil {
		cranks = []*crank.State{}
	}
	writeJSON(w, http.StatusOK, cranks)
}

func pathAuthority(r *http.Request) (resource.Handle, error) {
	authority, err := parseAuthority(chi.URLParam(r, "authority"))
	if err != nil {
		return resource.Zero, err
	}
	if authority.IsZero() {
		return resource.Zero, badRequest("authority required")
	}
	return authority, nil
}
