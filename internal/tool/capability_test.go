package tool

import (
	"context"
	"errors"
	"testing"
)

func testSet() *CapabilitySet {
	return NewCapabilitySet(map[string]CapabilityEntry{
		"get_meals": {
			Fn: func(_ context.Context, _ []any) (any, error) {
				return []any{"oatmeal"}, nil
			},
		},
		"save_meal": {
			Mutating: true,
			Fn: func(_ context.Context, args []any) (any, error) {
				return nil, nil
			},
		},
	})
}

func TestCapabilitySet_Call(t *testing.T) {
	s := testSet()
	ctx := context.Background()

	tests := []struct {
		name       string
		capName    string
		class      Capability
		wantDenied bool
	}{
		{"read-only calls read-only", "get_meals", CapabilityReadOnly, false},
		{"read-write calls read-only", "get_meals", CapabilityReadWrite, false},
		{"read-write calls mutating", "save_meal", CapabilityReadWrite, false},
		{"read-only denied mutating", "save_meal", CapabilityReadOnly, true},
		{"ungranted name denied", "delete_meal", CapabilityReadWrite, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Call(ctx, tt.capName, tt.class, nil)
			if tt.wantDenied {
				if !errors.Is(err, ErrCapabilityDenied) {
					t.Errorf("err = %v, want ErrCapabilityDenied", err)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestCapabilitySet_NilSafe(t *testing.T) {
	var s *CapabilitySet
	if names := s.Names(); names != nil {
		t.Errorf("nil set Names = %v", names)
	}
	if _, ok := s.Lookup("anything"); ok {
		t.Error("nil set reported a hit")
	}
	if _, err := s.Call(context.Background(), "anything", CapabilityReadWrite, nil); !errors.Is(err, ErrCapabilityDenied) {
		t.Errorf("nil set Call = %v, want ErrCapabilityDenied", err)
	}
}

func TestCapabilitySet_NamesSorted(t *testing.T) {
	names := testSet().Names()
	if len(names) != 2 || names[0] != "get_meals" || names[1] != "save_meal" {
		t.Errorf("Names = %v", names)
	}
}
