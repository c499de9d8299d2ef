// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Startline Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package registry

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestLoadAndLookup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "athletes.json")
	content := `{"athletes":[
		{"device_id":1,"athlete_id":"T00","name":"CHAN SIU MING","team":"HKG"},
		{"device_id":2,"athlete_id":"T01","name":"WONG KA HO","team":"HKG"}
	]}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	r := New()
	if err := r.Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if r.Count() != 2 {
		t.Errorf("count = %d", r.Count())
	}
	a, ok := r.Get(1)
	if !ok || a.Name != "CHAN SIU MING" {
		t.Errorf("Get(1) = %+v, %v", a, ok)
	}
	all := r.All()
	if len(all) != 2 || all[0].DeviceID != 1 || all[1].DeviceID != 2 {
		t.Errorf("All() = %+v", all)
	}
}

func TestLoadMissingFile(t *testing.T) {
	r := New()
	if err := r.Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestGetOrDefaultSynthetic(t *testing.T) {
	r := New()

	a := r.GetOrDefault(5)
	if a.AthleteID != "T04" || a.Team != "UNKNOWN" {
		t.Errorf("tag default = %+v", a)
	}

	anchor := r.GetOrDefault(101)
	if anchor.AthleteID != "DEV101" {
		t.Errorf("non-tag default = %+v", anchor)
	}
}

func TestReplaceAtomicUnderReaders(t *testing.T) {
	r := New()
	r.Replace([]Athlete{{DeviceID: 1, AthleteID: "T00", Name: "old", Team: "A"}})

	var wg sync.WaitGroup
	stop := make(chan struct{})

	// Leitores concorrentes nunca podem ver uma mistura de tabelas.
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				a, ok := r.Get(1)
				if ok && a.Name != "old" && a.Name != "new" {
					t.Errorf("torn read: %+v", a)
					return
				}
			}
		}()
	}

	for i := 0; i < 1000; i++ {
		r.Replace([]Athlete{{DeviceID: 1, AthleteID: "T00", Name: "new", Team: "B"}})
		r.Replace([]Athlete{{DeviceID: 1, AthleteID: "T00", Name: "old", Team: "A"}})
	}
	close(stop)
	wg.Wait()
}
