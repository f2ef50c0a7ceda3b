package mode

import (
	"testing"

	"github.com/oltfleet/coordinator/pkg/types"
)

func TestManager_SetAndSubscribe(t *testing.T) {
	m := NewManager(types.ModeSimulation)

	if cur, version := m.Get(); cur != types.ModeSimulation || version != 1 {
		t.Fatalf("initial state = %s v%d", cur, version)
	}

	ch, cancel := m.Subscribe()
	defer cancel()

	t.Run("setting same mode is a no-op", func(t *testing.T) {
		if m.Set(types.ModeSimulation) {
			t.Error("expected no-op")
		}
		select {
		case c := <-ch:
			t.Errorf("unexpected notification: %+v", c)
		default:
		}
	})

	t.Run("transition bumps version and notifies", func(t *testing.T) {
		if !m.Set(types.ModeProduction) {
			t.Fatal("expected transition")
		}
		change := <-ch
		if change.From != types.ModeSimulation || change.To != types.ModeProduction {
			t.Errorf("change = %+v", change)
		}
		if change.Version != 2 {
			t.Errorf("version = %d, want 2", change.Version)
		}
		if cur, version := m.Get(); cur != types.ModeProduction || version != 2 {
			t.Errorf("state after flip = %s v%d", cur, version)
		}
	})

	t.Run("cancelled subscriber stops receiving", func(t *testing.T) {
		cancel()
		m.Set(types.ModeSimulation)
		select {
		case c := <-ch:
			t.Errorf("unexpected notification after cancel: %+v", c)
		default:
		}
	})
}
