package registry

import "testing"

func TestNewOrdersByPriorityThenLabel(t *testing.T) {
	reg, err := New([]Credential{
		NewCredential("b", "secret-b", 5, "", false),
		NewCredential("a", "secret-a", 5, "", false),
		NewCredential("c", "secret-c", 10, "", false),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if reg.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", reg.Len())
	}
	want := []string{"c", "a", "b"}
	for i, label := range want {
		if got := reg.At(i).Label; got != label {
			t.Fatalf("At(%d).Label = %q, want %q", i, got, label)
		}
	}
}

func TestNewRejectsDuplicateLabels(t *testing.T) {
	_, err := New([]Credential{
		NewCredential("a", "s1", 0, "", false),
		NewCredential("a", "s2", 0, "", false),
	})
	if err == nil {
		t.Fatal("New() expected error for duplicate label")
	}
}

func TestLookupAndIndexOf(t *testing.T) {
	reg, _ := New([]Credential{
		NewCredential("a", "secret-a", 0, "", false),
		NewCredential("b", "secret-b", 0, "", false),
	})

	cred, idx, ok := reg.Lookup("b")
	if !ok || cred.Label != "b" || idx != reg.IndexOf("b") {
		t.Fatalf("Lookup(b) = (%+v, %d, %v)", cred, idx, ok)
	}
	if _, _, ok := reg.Lookup("missing"); ok {
		t.Fatal("Lookup(missing) = true, want false")
	}
	if reg.IndexOf("missing") != -1 {
		t.Fatal("IndexOf(missing) != -1")
	}
}

func TestActiveKeyClampsOutOfRange(t *testing.T) {
	reg, _ := New([]Credential{
		NewCredential("a", "secret-a", 0, "", false),
		NewCredential("b", "secret-b", 0, "", false),
	})

	if cred, ok := reg.ActiveKey(99); !ok || cred.Label != "a" {
		t.Fatalf("ActiveKey(99) = (%+v, %v), want clamp to index 0", cred, ok)
	}

	empty, _ := New(nil)
	if _, ok := empty.ActiveKey(0); ok {
		t.Fatal("ActiveKey on empty registry should report false")
	}
}

func TestMaskKey(t *testing.T) {
	cases := []struct {
		secret string
		want   string
	}{
		{"sk-abcdefghijklmnop", "sk-ab***mnop"},
		{"short", "***"},
		{"", "***"},
	}
	for _, tc := range cases {
		if got := MaskKey(tc.secret); got != tc.want {
			t.Fatalf("MaskKey(%q) = %q, want %q", tc.secret, got, tc.want)
		}
	}
}

func TestHashSecretIsStableAndDoesNotLeakSecret(t *testing.T) {
	h1 := HashSecret("sk-same-secret")
	h2 := HashSecret("sk-same-secret")
	if h1 != h2 {
		t.Fatalf("HashSecret not stable: %q vs %q", h1, h2)
	}
	if h1 == "sk-same-secret" {
		t.Fatal("HashSecret returned the raw secret")
	}
}
