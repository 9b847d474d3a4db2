package tagger

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func surfaces(t *testing.T, text string, maxLength int) []string {
	t.Helper()
	nodes, err := Simple{}.Parse(context.Background(), text, maxLength)
	if err != nil {
		t.Fatal(err)
	}
	out := []string{}
	for _, n := range nodes {
		out = append(out, n.Surface)
	}
	return out
}

func TestSimple_Split(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{"latin", "I want 2 pizzas!", []string{"I", "want", "2", "pizzas", "!"}},
		{"apostrophe", "don't stop", []string{"don't", "stop"}},
		{"symbols", "what?!", []string{"what", "?", "!"}},
		{"japanese", "ピザを注文したい", []string{"ピザ", "を", "注文", "したい"}},
		{"mixed", "Hello世界", []string{"Hello", "世界"}},
		{"spaces only", "   ", []string{}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if diff := cmp.Diff(tc.want, surfaces(t, tc.text, 0)); diff != "" {
				t.Fatalf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSimple_EmptyAndTooLong(t *testing.T) {
	if got := surfaces(t, "", 0); len(got) != 0 {
		t.Fatalf("expected no nodes, got %v", got)
	}
	if got := surfaces(t, "hello world", 5); len(got) != 0 {
		t.Fatalf("over-length input must yield no nodes, got %v", got)
	}
	if got := surfaces(t, "hello", 5); len(got) != 1 {
		t.Fatalf("input at the limit must be parsed, got %v", got)
	}
}

func TestSimple_NodeFields(t *testing.T) {
	nodes, _ := Simple{}.Parse(context.Background(), "Pizza 3 ピザ", 0)
	if nodes[0].Word != "pizza" || nodes[0].PartOfSpeech != POSWord {
		t.Fatalf("unexpected word node %+v", nodes[0])
	}
	if nodes[1].PartOfSpeech != POSNumber {
		t.Fatalf("expected number, got %+v", nodes[1])
	}
	if nodes[2].Kana != "ピザ" || nodes[2].PartOfSpeechDetail1 != "katakana" {
		t.Fatalf("unexpected kana node %+v", nodes[2])
	}
}

func TestNew(t *testing.T) {
	for _, kind := range []string{"", "none", "simple"} {
		if _, err := New(kind); err != nil {
			t.Fatalf("%q: %v", kind, err)
		}
	}
	if _, err := New("mecab"); err == nil {
		t.Fatal("expected error for unknown tagger")
	}
	nodes, err := None{}.Parse(context.Background(), "hello", 0)
	if err != nil || nodes == nil || len(nodes) != 0 {
		t.Fatalf("none tagger must return an empty slice, got %v %v", nodes, err)
	}
}
