package hostfunc

import (
	"context"
	"errors"
	"testing"
)

func TestRegistryCall(t *testing.T) {
	r := NewRegistry()
	r.Register("echo", func(ctx context.Context, args map[string]any) (any, error) {
		return args["v"], nil
	})

	v, err := r.Call(context.Background(), "echo", map[string]any{"v": "hi"})
	if err != nil || v != "hi" {
		t.Errorf("expected hi, got %v, %v", v, err)
	}

	_, err = r.Call(context.Background(), "missing", nil)
	if !errors.Is(err, ErrUnknownFunction) {
		t.Errorf("expected ErrUnknownFunction, got %v", err)
	}
}

func TestRegistryListSorted(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"c", "a", "b"} {
		r.Register(name, nil)
	}
	got := r.List()
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("expected sorted names, got %v", got)
	}
}

func TestRegistryClone(t *testing.T) {
	r := NewRegistry()
	r.Register("shared", nil)

	c := r.Clone()
	c.Register("own", nil)

	if _, ok := c.Get("shared"); !ok {
		t.Error("clone lost shared function")
	}
	if _, ok := r.Get("own"); ok {
		t.Error("clone registration leaked into original")
	}
	if len(r.All()) != 1 || len(c.All()) != 2 {
		t.Errorf("unexpected sizes %d, %d", len(r.All()), len(c.All()))
	}
}
