package adascale

import "testing"

func TestWindowLifecycle(t *testing.T) {
	var w window
	if w.isOpen() {
		t.Fatal("fresh window reports open")
	}
	w.open(2)
	if !w.isOpen() {
		t.Fatal("window not open after open")
	}
	w.record(0, 1.5)
	w.record(0, 0.5)
	w.record(1, 3)

	if !w.tryFinalize(1) {
		t.Fatal("single-pass window did not finalize")
	}
	v := w.take()
	if v.AtVec(0) != 2 || v.AtVec(1) != 3 {
		t.Errorf("accumulated = %v, want [2 3]", v.RawVector().Data)
	}
	if w.isOpen() {
		t.Error("window still open after take")
	}
}

func TestWindowAccumulationSpan(t *testing.T) {
	var w window
	w.open(1)
	w.record(0, 1)
	if w.tryFinalize(3) {
		t.Fatal("finalized after 1 of 3 passes")
	}
	w.record(0, 1)
	if w.tryFinalize(3) {
		t.Fatal("finalized after 2 of 3 passes")
	}
	w.record(0, 1)
	if !w.tryFinalize(3) {
		t.Fatal("did not finalize after full span")
	}
	if got := w.take().AtVec(0); got != 3 {
		t.Errorf("accumulated = %g, want 3", got)
	}
}

func TestWindowPanics(t *testing.T) {
	expectPanic := func(name string, fn func()) {
		defer func() {
			if recover() == nil {
				t.Errorf("%s: expected panic", name)
			}
		}()
		fn()
	}

	var w window
	expectPanic("record closed", func() { w.record(0, 1) })
	expectPanic("finalize closed", func() { w.tryFinalize(1) })
	expectPanic("take closed", func() { w.take() })

	w.open(1)
	expectPanic("double open", func() { w.open(1) })

	// Exceeding the accumulation span is a driver bug.
	w.record(0, 1)
	w.tryFinalize(2)
	w.tryFinalize(2)
	expectPanic("span overflow", func() { w.tryFinalize(2) })
}
