// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package msvc

import "testing"

func TestVftableClass(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"??_7PoliceCarClass@@6B@", "PoliceCarClass", true},
		{"??_7Node@Behavior@@6B@", "Behavior", true},
		{"?notvftable@@3HA", "", false},
		{"??_7@@", "", false},
	}
	for _, tt := range tests {
		got, ok := VftableClass(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("VftableClass(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestQualifiedVftableClass(t *testing.T) {
	got, ok := QualifiedVftableClass("??_7Node@Behavior@@6B@")
	if !ok || got != "Behavior::Node" {
		t.Errorf("QualifiedVftableClass = %q, %v", got, ok)
	}
}

func TestReturnType(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"?GetCount@Registry@@QAEHXZ", "int", true},
		{"?Alloc@Pool@@QAEPAXI@Z", "void *", true},
		{"?main@@YAHXZ", "int", true},
		{"?MakeName@@YAPADH@Z", "char *", true},
		{"?GetSelf@Widget@@QAEPAVWidget@@XZ", "Widget *", true},
		{"??0Widget@@QAE@XZ", "", false}, // constructor
		{"plainname", "", false},
	}
	for _, tt := range tests {
		got, ok := ReturnType(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ReturnType(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}
