package registry

import (
	"sync"
	"testing"

	"github.com/pestctl/pestctl/internal/wire"
)

func TestLazyCreation(t *testing.T) {
	r := New()
	s := r.Site(42)
	if s == nil {
		t.Fatal("Site returned nil")
	}
	s2 := r.Site(42)
	if s != s2 {
		t.Error("Site(42) returned a different object on second call")
	}
}

func TestInsertRemoveContains(t *testing.T) {
	r := New()
	s := r.Site(1)
	s.Lock()
	defer s.Unlock()

	if s.Contains("rat") {
		t.Error("Contains(rat) = true before insert")
	}
	s.Insert("rat", 7, wire.ActionCull)
	if !s.Contains("rat") {
		t.Error("Contains(rat) = false after insert")
	}
	slice := s.Slice()
	if e := slice["rat"]; e.PolicyID != 7 || e.Action != wire.ActionCull {
		t.Errorf("Slice()[rat] = %#v", e)
	}

	s.Remove("rat")
	if s.Contains("rat") {
		t.Error("Contains(rat) = true after remove")
	}
}

func TestSliceIsACopy(t *testing.T) {
	r := New()
	s := r.Site(1)
	s.Lock()
	s.Insert("rat", 1, wire.ActionCull)
	slice := s.Slice()
	s.Insert("owl", 2, wire.ActionConserve)
	s.Unlock()

	if _, ok := slice["owl"]; ok {
		t.Error("mutating the site after Slice() leaked into the snapshot")
	}
}

func TestRemoveByPolicyID(t *testing.T) {
	r := New()
	s := r.Site(1)
	s.Lock()
	defer s.Unlock()
	s.Insert("rat", 7, wire.ActionCull)

	species, ok := s.RemoveByPolicyID(7)
	if !ok || species != "rat" {
		t.Fatalf("RemoveByPolicyID(7) = (%q, %v), want (rat, true)", species, ok)
	}
	if s.Contains("rat") {
		t.Error("rat still present after RemoveByPolicyID")
	}

	if _, ok := s.RemoveByPolicyID(999); ok {
		t.Error("RemoveByPolicyID(999) = true, want false for unknown policy")
	}
}

func TestDifferentSitesAreIndependent(t *testing.T) {
	r := New()
	s1 := r.Site(1)
	s2 := r.Site(2)

	s1.Lock()
	s1.Insert("rat", 1, wire.ActionCull)
	s1.Unlock()

	s2.Lock()
	defer s2.Unlock()
	if s2.Contains("rat") {
		t.Error("site 2 sees site 1's entry")
	}
}

func TestConcurrentSiteLookup(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	results := make([]*Site, 64)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.Site(7)
		}(i)
	}
	wg.Wait()
	for i := 1; i < len(results); i++ {
		if results[i] != results[0] {
			t.Fatal("concurrent Site(7) calls returned different instances")
		}
	}
}
