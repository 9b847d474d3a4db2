package dialog

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type greeter struct{ prefix string }

func TestDependencyRules_DefaultsThenOverrides(t *testing.T) {
	rules := DependencyRules{
		Defaults: map[string]any{"locale": "en", "greeter": &greeter{prefix: "Hi"}},
		PerDialog: map[*Definition]map[string]any{
			pizzaDef: {"greeter": &greeter{prefix: "Ciao"}, "menu": []string{"margherita"}},
		},
	}

	pizza := rules.For(pizzaDef)
	if diff := cmp.Diff([]string{"greeter", "locale", "menu"}, pizza.Names()); diff != "" {
		t.Fatalf("names mismatch (-want +got):\n%s", diff)
	}
	g, ok := Dep[*greeter](pizza, "greeter")
	if !ok || g.prefix != "Ciao" {
		t.Fatalf("override not applied: %+v", g)
	}

	soba := rules.For(sobaDef)
	if _, ok := soba.Get("menu"); ok {
		t.Fatal("per-dialog dependency leaked to another dialog")
	}
	g, _ = Dep[*greeter](soba, "greeter")
	if g.prefix != "Hi" {
		t.Fatalf("expected default greeter, got %q", g.prefix)
	}
}

func TestDependencyRules_InstancesDoNotShareContainer(t *testing.T) {
	rules := DependencyRules{Defaults: map[string]any{"a": 1}}
	d1 := rules.For(pizzaDef)
	d2 := rules.For(pizzaDef)
	d1.values["b"] = 2
	if _, ok := d2.Get("b"); ok {
		t.Fatal("containers must be independent")
	}
}

func TestDep_WrongType(t *testing.T) {
	deps := DependencyRules{Defaults: map[string]any{"count": 3}}.For(echoDef)
	if _, ok := Dep[string](deps, "count"); ok {
		t.Fatal("expected type mismatch")
	}
	if _, ok := Dep[int](nil, "count"); ok {
		t.Fatal("nil container has no dependencies")
	}
}

func TestRouter_AttachesDependencies(t *testing.T) {
	r := newTestRouter(func(cfg *RouterConfig) {
		cfg.Dependencies = DependencyRules{
			Defaults:  map[string]any{"locale": "en"},
			PerDialog: map[*Definition]map[string]any{pizzaDef: {"oven": "stone"}},
		}
	})
	turn := requestWithIntent("PizzaIntent", 0)

	h := r.Execute(context.Background(), turn)
	p, ok := h.(*pizzaDialog)
	if !ok {
		t.Fatalf("expected pizza dialog, got %T", h)
	}
	if v, _ := Dep[string](p.Deps, "oven"); v != "stone" {
		t.Fatalf("per-dialog dependency missing: %v", p.Deps.Names())
	}
	if v, _ := Dep[string](p.Deps, "locale"); v != "en" {
		t.Fatalf("default dependency missing: %v", p.Deps.Names())
	}
}
