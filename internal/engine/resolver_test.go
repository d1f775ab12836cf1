package engine

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func node(output string, createdOffset int, inputs ...string) ResolverNode {
	return ResolverNode{
		PipelineID: uuid.New(),
		OutputCode: output,
		InputCodes: inputs,
		CreatedAt:  time.Unix(1700000000, 0).Add(time.Duration(createdOffset) * time.Minute),
	}
}

func indexOf(t *testing.T, ordered []ResolverNode, code string) int {
	t.Helper()
	for i, n := range ordered {
		if n.OutputCode == code {
			return i
		}
	}
	t.Fatalf("code %s not in ordered output", code)
	return -1
}

func TestOrderPipelines_ProducerBeforeConsumer(t *testing.T) {
	nodes := []ResolverNode{
		node("margin", 2, "price", "cost"),
		node("price", 0),
		node("cost", 1),
	}
	ordered, err := OrderPipelines(nodes)
	if err != nil {
		t.Fatalf("OrderPipelines: %v", err)
	}
	if len(ordered) != 3 {
		t.Fatalf("expected 3 nodes, got %d", len(ordered))
	}
	if indexOf(t, ordered, "price") > indexOf(t, ordered, "margin") {
		t.Fatalf("price must precede margin")
	}
	if indexOf(t, ordered, "cost") > indexOf(t, ordered, "margin") {
		t.Fatalf("cost must precede margin")
	}
}

func TestOrderPipelines_StableForIndependent(t *testing.T) {
	nodes := []ResolverNode{
		node("c", 2),
		node("a", 0),
		node("b", 1),
	}
	ordered, err := OrderPipelines(nodes)
	if err != nil {
		t.Fatalf("OrderPipelines: %v", err)
	}
	got := []string{ordered[0].OutputCode, ordered[1].OutputCode, ordered[2].OutputCode}
	want := []string{"a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("independent pipelines should keep creation order, got %v", got)
		}
	}
}

func TestOrderPipelines_CycleNamesAttributes(t *testing.T) {
	nodes := []ResolverNode{
		node("a", 0, "b"),
		node("b", 1, "a"),
	}
	_, err := OrderPipelines(nodes)
	if err == nil {
		t.Fatalf("cycle must be reported, not silently resolved")
	}
	if !strings.Contains(err.Error(), "a") || !strings.Contains(err.Error(), "b") {
		t.Fatalf("cycle error should name the attribute codes, got: %v", err)
	}
}

func TestOrderPipelines_SelfInputIgnored(t *testing.T) {
	// A pipeline reading its own target attribute (previous value) is not a
	// cycle.
	nodes := []ResolverNode{node("score", 0, "score", "views")}
	ordered, err := OrderPipelines(nodes)
	if err != nil {
		t.Fatalf("self-reference should not be a cycle: %v", err)
	}
	if len(ordered) != 1 {
		t.Fatalf("expected 1 node, got %d", len(ordered))
	}
}

func TestOrderPipelines_DiamondDependency(t *testing.T) {
	nodes := []ResolverNode{
		node("d", 3, "b", "c"),
		node("b", 1, "a"),
		node("c", 2, "a"),
		node("a", 0),
	}
	ordered, err := OrderPipelines(nodes)
	if err != nil {
		t.Fatalf("OrderPipelines: %v", err)
	}
	ia, ib, ic, id := indexOf(t, ordered, "a"), indexOf(t, ordered, "b"), indexOf(t, ordered, "c"), indexOf(t, ordered, "d")
	if ia > ib || ia > ic || ib > id || ic > id {
		t.Fatalf("diamond order violated: %v", ordered)
	}
}
