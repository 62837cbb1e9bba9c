package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/clinique-saint-luc/patientbff/model"
)

func testState(version int64, objects ...string) model.WorkflowState {
	s := model.NewWorkflowState(nil)
	for i, obj := range objects {
		s.Questions = append(s.Questions, model.Question{
			ID:     "q-" + string(rune('1'+i)),
			Object: obj,
			Type:   "consultation",
		})
	}
	s.Status = model.StatusSucceeded
	total := 3
	s.TotalPages = &total
	s.Version = version
	return s
}

// runStoreContract exercises the behaviour every Store shares.
func runStoreContract(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("load unknown", func(t *testing.T) {
		_, found, err := store.Load(ctx, "unknown")
		if err != nil {
			t.Fatalf("Load error: %v", err)
		}
		if found {
			t.Error("found = true, want false")
		}
	})

	t.Run("save and load", func(t *testing.T) {
		if err := store.Save(ctx, "s-1", testState(1), time.Hour); err != nil {
			t.Fatalf("Save error: %v", err)
		}
		if err := store.Save(ctx, "s-1", testState(2, "Douleur"), time.Hour); err != nil {
			t.Fatalf("Save error: %v", err)
		}
		got, found, err := store.Load(ctx, "s-1")
		if err != nil {
			t.Fatalf("Load error: %v", err)
		}
		if !found {
			t.Fatal("found = false, want true")
		}
		if got.Version != 2 {
			t.Errorf("Version = %d, want 2", got.Version)
		}
		if len(got.Questions) != 1 || got.Questions[0].Object != "Douleur" {
			t.Errorf("Questions = %+v", got.Questions)
		}
		if got.Status != model.StatusSucceeded {
			t.Errorf("Status = %q", got.Status)
		}
		if got.TotalPages == nil || *got.TotalPages != 3 {
			t.Errorf("TotalPages = %v, want 3", got.TotalPages)
		}
		if got.CurrentPage != nil {
			t.Errorf("CurrentPage = %v, want nil", *got.CurrentPage)
		}
		if len(got.Tabs) != 3 {
			t.Errorf("Tabs = %v", got.Tabs)
		}
	})

	t.Run("newer version replaces", func(t *testing.T) {
		_ = store.Save(ctx, "s-2", testState(1, "a"), time.Hour)
		_ = store.Save(ctx, "s-2", testState(2, "a", "b"), time.Hour)

		got, _, _ := store.Load(ctx, "s-2")
		if got.Version != 2 || len(got.Questions) != 2 {
			t.Errorf("got version %d with %d questions, want 2 and 2", got.Version, len(got.Questions))
		}
	})

	t.Run("version conflict rejected", func(t *testing.T) {
		_ = store.Save(ctx, "s-3", testState(1, "a"), time.Hour)
		_ = store.Save(ctx, "s-3", testState(2, "a", "b"), time.Hour)

		for _, v := range []int64{1, 2, 4} {
			err := store.Save(ctx, "s-3", testState(v, "x"), time.Hour)
			if !errors.Is(err, ErrVersionConflict) {
				t.Errorf("Save(version %d) error = %v, want ErrVersionConflict", v, err)
			}
		}

		got, _, _ := store.Load(ctx, "s-3")
		if got.Version != 2 || len(got.Questions) != 2 || got.Questions[0].Object != "a" {
			t.Errorf("stored state changed by rejected saves: %+v", got)
		}
	})

	t.Run("unknown session only accepts version 1", func(t *testing.T) {
		err := store.Save(ctx, "s-5", testState(3, "a"), time.Hour)
		if !errors.Is(err, ErrVersionConflict) {
			t.Errorf("Save error = %v, want ErrVersionConflict", err)
		}
		if _, found, _ := store.Load(ctx, "s-5"); found {
			t.Error("rejected save created the session")
		}
	})

	t.Run("deleted session is not rewritten", func(t *testing.T) {
		_ = store.Save(ctx, "s-6", testState(1), time.Hour)
		_ = store.Delete(ctx, "s-6")

		err := store.Save(ctx, "s-6", testState(2, "late"), time.Hour)
		if !errors.Is(err, ErrVersionConflict) {
			t.Errorf("Save after Delete error = %v, want ErrVersionConflict", err)
		}
		if _, found, _ := store.Load(ctx, "s-6"); found {
			t.Error("deleted session came back")
		}
	})

	t.Run("delete", func(t *testing.T) {
		_ = store.Save(ctx, "s-4", testState(1), time.Hour)
		if err := store.Delete(ctx, "s-4"); err != nil {
			t.Fatalf("Delete error: %v", err)
		}
		if _, found, _ := store.Load(ctx, "s-4"); found {
			t.Error("found after Delete")
		}
		if err := store.Delete(ctx, "never-existed"); err != nil {
			t.Errorf("Delete unknown error: %v", err)
		}
	})

	t.Run("health", func(t *testing.T) {
		if err := store.HealthCheck(ctx); err != nil {
			t.Errorf("HealthCheck error: %v", err)
		}
	})
}
