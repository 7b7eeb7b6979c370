package buildsys

import (
	"errors"
	"reflect"
	"testing"
)

func TestRegister_DuplicateLeavesRegistryUnchanged(t *testing.T) {
	reg := NewRegistry()
	first := &Task{Short: "html", Desc: "first"}
	if err := reg.Register(first); err != nil {
		t.Fatal(err)
	}

	err := reg.Register(&Task{Short: "html", Desc: "second"})
	var dupErr *DuplicateTaskError
	if !errors.As(err, &dupErr) {
		t.Fatalf("expected DuplicateTaskError, got %v", err)
	}
	if dupErr.Name != "html" {
		t.Errorf("unexpected name %q", dupErr.Name)
	}

	task, ok := reg.Lookup("html")
	if !ok || task != first {
		t.Error("the first registration was replaced")
	}
	if len(reg.Tasks()) != 1 {
		t.Errorf("expected a single task, got %d", len(reg.Tasks()))
	}
}

func TestRegister_UnknownDependency(t *testing.T) {
	reg := NewRegistry()

	err := reg.Add("default", []string{"imagemin"}, nil)
	var depErr *UnknownDependencyError
	if !errors.As(err, &depErr) {
		t.Fatalf("expected UnknownDependencyError, got %v", err)
	}
	if depErr.Task != "default" || depErr.Dependency != "imagemin" {
		t.Errorf("unexpected error contents %+v", depErr)
	}

	if _, ok := reg.Lookup("default"); ok {
		t.Error("invalid task was registered")
	}
}

func TestRegister_SelfDependency(t *testing.T) {
	reg := NewRegistry()

	var cycleErr *CycleError
	if err := reg.Add("loop", []string{"loop"}, nil); !errors.As(err, &cycleErr) {
		t.Fatalf("expected CycleError, got %v", err)
	}
}

func TestRegisterAll_ForwardReferences(t *testing.T) {
	reg := NewRegistry()

	err := reg.RegisterAll([]*Task{
		{Short: "default", Deps: []string{"imagemin", "sass", "html"}},
		{Short: "html"},
		{Short: "imagemin"},
		{Short: "sass"},
	})
	if err != nil {
		t.Fatal(err)
	}

	if names := reg.Names(); !reflect.DeepEqual(names, []string{"default", "html", "imagemin", "sass"}) {
		t.Errorf("unexpected names %v", names)
	}

	order := []string{}
	for _, task := range reg.Tasks() {
		order = append(order, task.Short)
	}
	if !reflect.DeepEqual(order, []string{"default", "html", "imagemin", "sass"}) {
		t.Errorf("tasks aren't in declaration order: %v", order)
	}
}

func TestRegisterAll_CycleIsAtomic(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Add("clean", nil, nil); err != nil {
		t.Fatal(err)
	}

	err := reg.RegisterAll([]*Task{
		{Short: "a", Deps: []string{"clean", "b"}},
		{Short: "b", Deps: []string{"c"}},
		{Short: "c", Deps: []string{"a"}},
	})

	var cycleErr *CycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("expected CycleError, got %v", err)
	}
	if !reflect.DeepEqual(cycleErr.Path, []string{"a", "b", "c", "a"}) {
		t.Errorf("unexpected cycle %v", cycleErr.Path)
	}

	if names := reg.Names(); !reflect.DeepEqual(names, []string{"clean"}) {
		t.Errorf("a failed batch changed the registry: %v", names)
	}
}

func TestRegisterAll_UnknownDependency(t *testing.T) {
	reg := NewRegistry()

	err := reg.RegisterAll([]*Task{
		{Short: "default", Deps: []string{"html", "styles"}},
		{Short: "html"},
	})
	var depErr *UnknownDependencyError
	if !errors.As(err, &depErr) || depErr.Dependency != "styles" {
		t.Fatalf("expected UnknownDependencyError for styles, got %v", err)
	}
	if len(reg.Names()) != 0 {
		t.Error("a failed batch changed the registry")
	}
}

func TestAddWatch(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Add("html", nil, nil); err != nil {
		t.Fatal(err)
	}

	session := &WatchSession{
		Name:     "watch",
		Initial:  []string{"html"},
		Bindings: []WatchBinding{{Patterns: []string{"src/*.html"}, Tasks: []string{"html"}}},
	}
	if err := reg.AddWatch(session); err != nil {
		t.Fatal(err)
	}

	var dupErr *DuplicateTaskError
	if err := reg.Add("watch", nil, nil); !errors.As(err, &dupErr) {
		t.Errorf("expected tasks and sessions to share a namespace, got %v", err)
	}

	var depErr *UnknownDependencyError
	err := reg.AddWatch(&WatchSession{
		Name:     "other",
		Bindings: []WatchBinding{{Patterns: []string{"src/**"}, Tasks: []string{"sass"}}},
	})
	if !errors.As(err, &depErr) {
		t.Errorf("expected UnknownDependencyError, got %v", err)
	}

	if got, ok := reg.Session("watch"); !ok || got != session {
		t.Error("session lookup failed")
	}
	if len(reg.Sessions()) != 1 {
		t.Errorf("expected one session, got %d", len(reg.Sessions()))
	}
}

func TestPlan_DeterministicOrder(t *testing.T) {
	reg := NewRegistry()
	err := reg.RegisterAll([]*Task{
		{Short: "default", Deps: []string{"imagemin", "sass", "html"}},
		{Short: "clean"},
		{Short: "imagemin", Deps: []string{"clean"}},
		{Short: "sass", Deps: []string{"clean"}},
		{Short: "html"},
	})
	if err != nil {
		t.Fatal(err)
	}

	expected := []string{"clean", "imagemin", "sass", "html", "default"}
	for i := 0; i < 5; i++ {
		plan, err := reg.Plan("default")
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(plan, expected) {
			t.Fatalf("unexpected plan %v", plan)
		}
	}
}

func TestPlan_MissingTask(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Add("html", nil, nil); err != nil {
		t.Fatal(err)
	}

	_, err := reg.Plan("html", "styles")
	var missing *MissingTaskError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingTaskError, got %v", err)
	}
	if missing.Name != "styles" {
		t.Errorf("unexpected name %q", missing.Name)
	}
}

func TestRegisterBatch_SessionsSeeBatchTasks(t *testing.T) {
	reg := NewRegistry()
	tasks := []*Task{{Short: "default", Deps: []string{"sass"}}, {Short: "sass"}}
	sessions := []*WatchSession{{
		Name:     "watch",
		Initial:  []string{"default"},
		Bindings: []WatchBinding{{Patterns: []string{"src/sass/**/*"}, Tasks: []string{"sass"}}},
	}}

	if err := reg.RegisterBatch(tasks, sessions); err != nil {
		t.Fatal(err)
	}
	if _, ok := reg.Session("watch"); !ok {
		t.Error("session is missing")
	}
}

func TestRegisterBatch_DuplicateSessionIsAtomic(t *testing.T) {
	reg := NewRegistry()
	sessions := []*WatchSession{
		{Name: "watch", Bindings: []WatchBinding{{Patterns: []string{"*"}, Tasks: []string{"html"}}}},
		{Name: "watch", Bindings: []WatchBinding{{Patterns: []string{"*"}, Tasks: []string{"html"}}}},
	}

	var dupErr *DuplicateTaskError
	if err := reg.RegisterBatch([]*Task{{Short: "html"}}, sessions); !errors.As(err, &dupErr) {
		t.Fatalf("expected DuplicateTaskError, got %v", err)
	}
	if len(reg.Names()) != 0 || len(reg.Sessions()) != 0 {
		t.Error("a failed batch changed the registry")
	}
}
