package transport

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/stagehand/internal/engine"
	"github.com/pitabwire/stagehand/model"
)

func handleCaseStart(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())

		var body struct {
			CaseDefinitionID string         `json:"case_definition_id"`
			BusinessKey      string         `json:"business_key"`
			Variables        map[string]any `json:"variables"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, model.NewIllegalArgumentError("invalid JSON body"))
			return
		}

		inst, err := eng.StartCase(r.Context(), rctx, body.CaseDefinitionID, body.BusinessKey, body.Variables)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, inst)
	}
}

func handleCaseGet(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		caseID := chi.URLParam(r, "caseId")

		inst, err := eng.GetCase(r.Context(), rctx, caseID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handlePlanItemList(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		caseID := chi.URLParam(r, "caseId")

		items, err := eng.ListPlanItems(r.Context(), rctx, caseID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"plan_items": items})
	}
}

// planItemOp adapts the engine's per-item commands to a common handler shape.
type planItemOp func(eng *engine.Engine, r *http.Request, rctx *model.RequestContext, caseID, itemID string) error

func handlePlanItemOp(eng *engine.Engine, op planItemOp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		caseID := chi.URLParam(r, "caseId")
		itemID := chi.URLParam(r, "itemId")

		if err := op(eng, r, rctx, caseID, itemID); err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func triggerPlanItem(eng *engine.Engine, r *http.Request, rctx *model.RequestContext, caseID, itemID string) error {
	return eng.TriggerPlanItem(r.Context(), rctx, caseID, itemID)
}

func startPlanItem(eng *engine.Engine, r *http.Request, rctx *model.RequestContext, caseID, itemID string) error {
	return eng.StartPlanItem(r.Context(), rctx, caseID, itemID)
}

func enablePlanItem(eng *engine.Engine, r *http.Request, rctx *model.RequestContext, caseID, itemID string) error {
	return eng.EnablePlanItem(r.Context(), rctx, caseID, itemID)
}

func disablePlanItem(eng *engine.Engine, r *http.Request, rctx *model.RequestContext, caseID, itemID string) error {
	return eng.DisablePlanItem(r.Context(), rctx, caseID, itemID)
}

func handleCaseTerminate(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		caseID := chi.URLParam(r, "caseId")

		if err := eng.TerminateCase(r.Context(), rctx, caseID); err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "terminated"})
	}
}

func handleCaseSuspend(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		caseID := chi.URLParam(r, "caseId")

		if err := eng.SuspendCase(r.Context(), rctx, caseID); err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "suspended"})
	}
}

func handleCaseResume(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		caseID := chi.URLParam(r, "caseId")

		if err := eng.ResumeCase(r.Context(), rctx, caseID); err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
	}
}

func handleCaseReactivate(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		historicCaseID := chi.URLParam(r, "caseId")

		var body struct {
			Variables               map[string]any `json:"variables"`
			TransientVariables      map[string]any `json:"transient_variables"`
			TerminatedDefinitionIDs []string       `json:"terminated_plan_item_definition_ids"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && err != io.EOF {
			WriteError(w, model.NewIllegalArgumentError("invalid JSON body"))
			return
		}

		builder := eng.CreateReactivationBuilder(historicCaseID)
		for k, v := range body.Variables {
			builder.Variable(k, v)
		}
		for k, v := range body.TransientVariables {
			builder.TransientVariable(k, v)
		}
		for _, defID := range body.TerminatedDefinitionIDs {
			builder.AddTerminatedPlanItemInstanceForPlanItemDefinition(defID)
		}

		inst, err := builder.Reactivate(r.Context(), rctx)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, inst)
	}
}
