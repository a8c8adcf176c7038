package resultsink

import "testing"

func TestDefaultFormatter(t *testing.T) {
	t.Parallel()

	t.Run("empty outputs", func(t *testing.T) {
		if got := DefaultFormatter(nil); got != "" {
			t.Errorf("got %q, want empty", got)
		}
	})

	t.Run("single key renders the bare value", func(t *testing.T) {
		got := DefaultFormatter(map[string]interface{}{"answer": "42"})
		if got != "42" {
			t.Errorf("got %q, want %q", got, "42")
		}
	})

	t.Run("multiple keys render sorted key: value lines", func(t *testing.T) {
		got := DefaultFormatter(map[string]interface{}{"b": "two", "a": "one"})
		want := "a: one\nb: two"
		if got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	})

	t.Run("system fields are excluded", func(t *testing.T) {
		got := DefaultFormatter(map[string]interface{}{"answer": "42", "usage": map[string]interface{}{"tokens": 10}})
		if got != "42" {
			t.Errorf("got %q, want %q", got, "42")
		}
	})

	t.Run("nested values are flattened to JSON", func(t *testing.T) {
		got := DefaultFormatter(map[string]interface{}{"a": map[string]interface{}{"x": 1}, "b": "y"})
		want := `a: {"x":1}` + "\n" + "b: y"
		if got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	})
}
