package definition

import (
	"testing"

	"github.com/pitabwire/stagehand/model"
)

// --- Registry tests ---

func TestRegistryDeployAndGet(t *testing.T) {
	r := NewRegistry()
	if err := r.Deploy(validDefinition()); err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	def, ok := r.Get("loan-review")
	if !ok {
		t.Fatal("deployed definition not found")
	}
	if def.Version != 1 {
		t.Errorf("first deploy Version = %d, want 1", def.Version)
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

func TestRegistryRedeployBumpsVersion(t *testing.T) {
	r := NewRegistry()
	def := validDefinition()
	if err := r.Deploy(def); err != nil {
		t.Fatalf("first deploy: %v", err)
	}
	if err := r.Deploy(def); err != nil {
		t.Fatalf("redeploy: %v", err)
	}

	got, _ := r.Get("loan-review")
	if got.Version != 2 {
		t.Errorf("redeploy Version = %d, want 2", got.Version)
	}
}

func TestRegistryRejectsInvalidDefinition(t *testing.T) {
	r := NewRegistry()
	def := validDefinition()
	def.PlanItems = append(def.PlanItems, model.PlanItemDefinition{
		ID: "listener-2", Type: model.PlanItemTypeEventListener, ReactivationListener: true,
	})

	err := r.Deploy(def)
	if err == nil {
		t.Fatal("expected deploy to fail")
	}
	if !model.IsCode(err, model.ErrIllegalArgument) {
		t.Errorf("error code = %q, want %q", model.ErrorCode(err), model.ErrIllegalArgument)
	}
	envErr, ok := err.(*model.ErrorEnvelope)
	if !ok || len(envErr.Details) == 0 {
		t.Errorf("expected field-level details, got %+v", err)
	}
	if r.Len() != 0 {
		t.Error("rejected definition must not be published")
	}
}

func TestRegistryGetMissing(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Get("ghost"); ok {
		t.Error("Get on empty registry should report not found")
	}
}

func TestRegistryAllSorted(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"zeta", "alpha", "mid"} {
		def := validDefinition()
		def.ID = id
		if err := r.Deploy(def); err != nil {
			t.Fatalf("Deploy(%s): %v", id, err)
		}
	}

	all := r.All()
	if len(all) != 3 {
		t.Fatalf("All() returned %d definitions, want 3", len(all))
	}
	if all[0].ID != "alpha" || all[1].ID != "mid" || all[2].ID != "zeta" {
		t.Errorf("All() not sorted by ID: %s, %s, %s", all[0].ID, all[1].ID, all[2].ID)
	}
}
