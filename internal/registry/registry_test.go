package registry

import (
	"context"
	"testing"
)

func noopHandler(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	return nil, nil
}

func TestRegisterIsNew(t *testing.T) {
	r := New(nil)

	isNew := r.Register(Definition{Name: "get_time"}, noopHandler)
	if !isNew {
		t.Error("expected first registration to be new")
	}

	isNew = r.Register(Definition{Name: "get_time"}, noopHandler)
	if isNew {
		t.Error("expected second registration of same name to not be new")
	}

	rec, ok := r.Get("get_time")
	if !ok {
		t.Fatal("expected record to exist")
	}
	if rec.RefCount != 2 {
		t.Errorf("expected refCount 2, got %d", rec.RefCount)
	}
}

func TestUnregisterTriState(t *testing.T) {
	r := New(nil)

	if got := r.Unregister("unknown"); got != nil {
		t.Errorf("expected nil for unknown name, got %v", *got)
	}

	r.Register(Definition{Name: "x"}, noopHandler)
	r.Register(Definition{Name: "x"}, noopHandler)

	got := r.Unregister("x")
	if got == nil || *got != false {
		t.Fatalf("expected false (decremented but alive), got %v", got)
	}

	rec, ok := r.Get("x")
	if !ok || rec.RefCount != 1 {
		t.Fatalf("expected refCount 1, got %+v ok=%v", rec, ok)
	}

	got = r.Unregister("x")
	if got == nil || *got != true {
		t.Fatalf("expected true (removed), got %v", got)
	}

	if _, ok := r.Get("x"); ok {
		t.Error("expected record to be gone")
	}
}

func TestHandlerOverwrittenOnReRegister(t *testing.T) {
	r := New(nil)
	calledFirst := false
	calledSecond := false

	r.Register(Definition{Name: "x"}, func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		calledFirst = true
		return nil, nil
	})
	r.Register(Definition{Name: "x"}, func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		calledSecond = true
		return nil, nil
	})

	rec, _ := r.Get("x")
	rec.Handler(context.Background(), nil)

	if calledFirst {
		t.Error("expected stale handler to not be called")
	}
	if !calledSecond {
		t.Error("expected most recently registered handler to be called")
	}
}

func TestOnChangeNotifiesAndToleratesPanic(t *testing.T) {
	r := New(nil)

	var received []*ChangeEvent
	unsubscribe := r.OnChange("x", func(name string, evt *ChangeEvent) {
		received = append(received, evt)
	})
	defer unsubscribe()

	panicked := false
	r.OnChange("x", func(name string, evt *ChangeEvent) {
		panicked = true
		panic("boom")
	})

	r.Register(Definition{Name: "x"}, noopHandler)

	if !panicked {
		t.Error("expected panicking listener to have been invoked")
	}
	if len(received) != 1 || received[0] == nil || received[0].RefCount != 1 {
		t.Fatalf("expected one change event with refCount 1, got %+v", received)
	}

	r.Unregister("x")
	if len(received) != 2 || received[1] != nil {
		t.Fatalf("expected removal event to be nil, got %+v", received)
	}
}

func TestNamesAndCount(t *testing.T) {
	r := New(nil)
	r.Register(Definition{Name: "a"}, noopHandler)
	r.Register(Definition{Name: "b"}, noopHandler)

	if r.Count() != 2 {
		t.Errorf("expected count 2, got %d", r.Count())
	}

	names := map[string]bool{}
	for _, n := range r.Names() {
		names[n] = true
	}
	if !names["a"] || !names["b"] {
		t.Errorf("expected names a and b, got %v", r.Names())
	}
}

func TestClearRemovesAllRecords(t *testing.T) {
	r := New(nil)
	r.Register(Definition{Name: "a"}, noopHandler)
	r.Register(Definition{Name: "b"}, noopHandler)

	r.Clear()

	if r.Count() != 0 {
		t.Errorf("expected count 0 after clear, got %d", r.Count())
	}
}
