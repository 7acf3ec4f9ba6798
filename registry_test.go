package farmagent

import (
	"testing"
)

func TestRegistryRegisterAndNew(t *testing.T) {
	reg := NewRegistry()
	unit := &scriptedUnit{name: "arena"}
	if err := reg.Register(TaskArena, 0, func(DeviceResource) TaskUnit { return unit }); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := reg.Register(TaskArena, 0, func(DeviceResource) TaskUnit { return unit }); err == nil {
		t.Fatal("duplicate registration accepted")
	}
	if err := reg.Register(TaskHarvest, 0, nil); err == nil {
		t.Fatal("nil factory accepted")
	}

	got, ok := reg.New(TaskArena, nil)
	if !ok || got != TaskUnit(unit) {
		t.Fatalf("New returned %v/%v", got, ok)
	}
	if _, ok := reg.New(TaskHarvest, nil); ok {
		t.Fatal("New built a unit for an unregistered type")
	}
	if types := reg.Types(); len(types) != 1 || types[0] != TaskArena {
		t.Fatalf("Types = %v, want [arena]", types)
	}
}

func TestRegistryPriorityFallsBackToStaticTable(t *testing.T) {
	reg := NewRegistry()
	if got := reg.Priority(TaskArena); got != 70 {
		t.Fatalf("unregistered arena priority = %d, want 70", got)
	}

	// Priority 0 at registration adopts the static table value.
	if err := reg.Register(TaskArena, 0, func(DeviceResource) TaskUnit { return &scriptedUnit{} }); err != nil {
		t.Fatalf("register: %v", err)
	}
	if got := reg.Priority(TaskArena); got != 70 {
		t.Fatalf("registered arena priority = %d, want 70", got)
	}

	// An explicit priority overrides the table.
	if err := reg.Register(TaskExplore, 95, func(DeviceResource) TaskUnit { return &scriptedUnit{} }); err != nil {
		t.Fatalf("register: %v", err)
	}
	if got := reg.Priority(TaskExplore); got != 95 {
		t.Fatalf("explicit explore priority = %d, want 95", got)
	}
}

func TestSortIntentsByPriorityIsStable(t *testing.T) {
	intents := []*Intent{
		{AccountID: "a", TaskType: TaskExplore, Priority: 20},
		{AccountID: "a", TaskType: "custom-1", Priority: 50},
		{AccountID: "a", TaskType: TaskEventRush, Priority: 80},
		{AccountID: "a", TaskType: "custom-2", Priority: 50},
	}
	SortIntentsByPriority(intents)
	want := []TaskType{TaskEventRush, "custom-1", "custom-2", TaskExplore}
	for i, tt := range want {
		if intents[i].TaskType != tt {
			t.Fatalf("position %d = %s, want %s", i, intents[i].TaskType, tt)
		}
	}
	if minIntentPriority(intents) != 20 {
		t.Fatalf("min priority = %d, want 20", minIntentPriority(intents))
	}
}
