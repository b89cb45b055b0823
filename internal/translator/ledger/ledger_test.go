package ledger

import (
	"fmt"
	"testing"
	"time"
)

func TestPutLookupDelete(t *testing.T) {
	l := New()
	l.Put("toolu_abc", []byte("sig-1"))

	sig, ok := l.Lookup("toolu_abc")
	if !ok || string(sig) != "sig-1" {
		t.Fatalf("expected sig-1, got %q (ok=%v)", sig, ok)
	}

	l.Delete("toolu_abc")
	if _, ok := l.Lookup("toolu_abc"); ok {
		t.Fatal("expected entry gone after delete")
	}
	// Delete is idempotent.
	l.Delete("toolu_abc")
}

func TestEmptyValuesIgnored(t *testing.T) {
	l := New()
	l.Put("", []byte("sig"))
	l.Put("id", nil)
	if l.Len() != 0 {
		t.Fatalf("expected empty ledger, got %d entries", l.Len())
	}
}

func TestTTLExpiry(t *testing.T) {
	l := New()
	now := time.Now()
	l.now = func() time.Time { return now }

	l.Put("toolu_old", []byte("sig"))

	now = now.Add(defaultTTL + time.Minute)
	if _, ok := l.Lookup("toolu_old"); ok {
		t.Fatal("expected expired entry to miss")
	}
}

func TestCapEviction(t *testing.T) {
	l := New()
	l.maxEntries = 10
	now := time.Now()
	l.now = func() time.Time { return now }

	for i := 0; i < 10; i++ {
		now = now.Add(time.Second)
		l.Put(fmt.Sprintf("toolu_%d", i), []byte("sig"))
	}
	now = now.Add(time.Second)
	l.Put("toolu_new", []byte("sig"))

	if l.Len() > 10 {
		t.Fatalf("cap not enforced: %d entries", l.Len())
	}
	if _, ok := l.Lookup("toolu_new"); !ok {
		t.Fatal("newest entry should survive eviction")
	}
	if _, ok := l.Lookup("toolu_0"); ok {
		t.Fatal("oldest entry should have been evicted")
	}
}
