package id

import (
	"strings"
	"testing"
)

func TestNextIsUniqueAndOrdered(t *testing.T) {
	g := New("host")

	seen := make(map[string]bool)
	var prev string
	for i := 0; i < 1000; i++ {
		next := g.Next()
		if seen[next] {
			t.Fatalf("duplicate id: %s", next)
		}
		seen[next] = true
		if prev != "" && next <= prev {
			t.Fatalf("ids not ordered: %s after %s", next, prev)
		}
		prev = next
	}
}

func TestPrefix(t *testing.T) {
	g := New("sbx")
	if !strings.HasPrefix(g.Next(), "sbx_") {
		t.Error("id should carry its type prefix")
	}
}

func TestInstancesDoNotCollide(t *testing.T) {
	a := New("host")
	b := New("host")
	if a.Instance() == b.Instance() {
		t.Fatal("two generators should have distinct instance tokens")
	}
	if a.Next() == b.Next() {
		t.Error("ids from different instances should differ")
	}
}
