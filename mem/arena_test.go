// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package mem

import (
	"testing"
)

func TestArenaAlloc(t *testing.T) {
	a := NewArena()

	p := Make(a, 42)
	if *p != 42 {
		t.Errorf("*Make(a, 42) = %d", *p)
	}

	s := MakeSlice(a, []int{1, 2, 3})
	if len(s) != 3 || s[0] != 1 || s[2] != 3 {
		t.Errorf("MakeSlice = %v", s)
	}
	s = Append(a, s, 4, 5)
	if len(s) != 5 || s[4] != 5 {
		t.Errorf("Append = %v", s)
	}

	// Pointerful values go through typed slabs.
	type node struct {
		name string
		next *node
	}
	n := Make(a, node{name: "head"})
	n.next = Make(a, node{name: "tail"})
	if n.next.name != "tail" {
		t.Errorf("typed slab value = %+v", n.next)
	}
}

func TestArenaZeroed(t *testing.T) {
	a := NewArena()
	for range 2 {
		p := New[[16]uint64](a)
		for i, v := range p {
			if v != 0 {
				t.Fatalf("fresh allocation not zeroed at %d: %d", i, v)
			}
			p[i] = ^uint64(0)
		}
		a.Reset()
	}
}

func TestBinaryTreeMap(t *testing.T) {
	a := NewArena()
	var m BinaryTreeMap[uint64, string]

	if _, ok := m.Get(1); ok {
		t.Error("Get on empty map succeeded")
	}

	m.Insert(a, 3, "three")
	m.Insert(a, 1, "one")
	m.Insert(a, 2, "two")
	if v, ok := m.Get(2); !ok || v != "two" {
		t.Errorf("Get(2) = %q, %t", v, ok)
	}

	m.Insert(a, 2, "deux")
	if v, _ := m.Get(2); v != "deux" {
		t.Errorf("Get(2) after overwrite = %q", v)
	}

	if !m.Delete(2) {
		t.Error("Delete(2) = false")
	}
	if m.Delete(2) {
		t.Error("second Delete(2) = true")
	}
	if _, ok := m.Get(2); ok {
		t.Error("Get(2) after delete succeeded")
	}

	// Reinserting a deleted key revives it.
	m.Insert(a, 2, "again")
	if v, ok := m.Get(2); !ok || v != "again" {
		t.Errorf("Get(2) after reinsert = %q, %t", v, ok)
	}

	var keys []uint64
	for k, v := range m.All() {
		keys = append(keys, k)
		if v == "" {
			t.Errorf("All yielded empty value for %d", k)
		}
	}
	if len(keys) != 3 || keys[0] != 1 || keys[1] != 2 || keys[2] != 3 {
		t.Errorf("All keys = %v, want sorted 1 2 3", keys)
	}
}
