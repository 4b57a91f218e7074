// Package assistant is the built-in collaborator backend for server
// deployments. It implements the stock capability table over in-memory
// per-principal state. Embedded uses of the platform supply their own
// capability sets instead.
package assistant

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/haven-ai/toolforge/internal/tool"
)

// Store holds the per-principal state the collaborator functions
// operate on.
type Store struct {
	mu         sync.Mutex
	meals      map[string][]map[string]any
	reminders  map[string][]map[string]any
	prefs      map[string]map[string]any
	onboarding map[string]map[string]any
	history    map[string][]string

	now func() time.Time
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		meals:      make(map[string][]map[string]any),
		reminders:  make(map[string][]map[string]any),
		prefs:      make(map[string]map[string]any),
		onboarding: make(map[string]map[string]any),
		history:    make(map[string][]string),
		now:        time.Now,
	}
}

// CapabilitiesFor returns the collaborator set scoped to one principal.
// The mutating flags must agree with the validator's capability table.
func (s *Store) CapabilitiesFor(principal string) *tool.CapabilitySet {
	return tool.NewCapabilitySet(map[string]tool.CapabilityEntry{
		"get_meals":       {Fn: s.scoped(principal, s.getMeals)},
		"list_reminders":  {Fn: s.scoped(principal, s.listReminders)},
		"get_onboarding":  {Fn: s.scoped(principal, s.getOnboarding)},
		"get_preferences": {Fn: s.scoped(principal, s.getPreferences)},
		"search_history":  {Fn: s.scoped(principal, s.searchHistory)},
		"current_time":    {Fn: s.scoped(principal, s.currentTime)},

		"save_meal":         {Fn: s.scoped(principal, s.saveMeal), Mutating: true},
		"delete_meal":       {Fn: s.scoped(principal, s.deleteMeal), Mutating: true},
		"add_reminder":      {Fn: s.scoped(principal, s.addReminder), Mutating: true},
		"delete_reminder":   {Fn: s.scoped(principal, s.deleteReminder), Mutating: true},
		"set_preference":    {Fn: s.scoped(principal, s.setPreference), Mutating: true},
		"update_onboarding": {Fn: s.scoped(principal, s.updateOnboarding), Mutating: true},
	})
}

type scopedFunc func(principal string, args []any) (any, error)

func (s *Store) scoped(principal string, fn scopedFunc) tool.CapabilityFunc {
	return func(_ context.Context, args []any) (any, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		return fn(principal, args)
	}
}

func (s *Store) getMeals(principal string, _ []any) (any, error) {
	out := make([]any, 0, len(s.meals[principal]))
	for _, m := range s.meals[principal] {
		out = append(out, m)
	}
	return out, nil
}

func (s *Store) saveMeal(principal string, args []any) (any, error) {
	meal, err := objectArg(args, 0, "meal")
	if err != nil {
		return nil, err
	}
	meal["id"] = float64(len(s.meals[principal]) + 1)
	s.meals[principal] = append(s.meals[principal], meal)
	return meal["id"], nil
}

func (s *Store) deleteMeal(principal string, args []any) (any, error) {
	id, err := numberArg(args, 0, "meal id")
	if err != nil {
		return nil, err
	}
	meals := s.meals[principal]
	for i, m := range meals {
		if m["id"] == id {
			s.meals[principal] = append(meals[:i:i], meals[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) listReminders(principal string, _ []any) (any, error) {
	out := make([]any, 0, len(s.reminders[principal]))
	for _, r := range s.reminders[principal] {
		out = append(out, r)
	}
	return out, nil
}

func (s *Store) addReminder(principal string, args []any) (any, error) {
	reminder, err := objectArg(args, 0, "reminder")
	if err != nil {
		return nil, err
	}
	reminder["id"] = float64(len(s.reminders[principal]) + 1)
	s.reminders[principal] = append(s.reminders[principal], reminder)
	return reminder["id"], nil
}

func (s *Store) deleteReminder(principal string, args []any) (any, error) {
	id, err := numberArg(args, 0, "reminder id")
	if err != nil {
		return nil, err
	}
	reminders := s.reminders[principal]
	for i, r := range reminders {
		if r["id"] == id {
			s.reminders[principal] = append(reminders[:i:i], reminders[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) getPreferences(principal string, _ []any) (any, error) {
	out := map[string]any{}
	for k, v := range s.prefs[principal] {
		out[k] = v
	}
	return out, nil
}

func (s *Store) setPreference(principal string, args []any) (any, error) {
	key, err := stringArg(args, 0, "preference key")
	if err != nil {
		return nil, err
	}
	if len(args) < 2 {
		return nil, fmt.Errorf("set_preference needs a value")
	}
	if s.prefs[principal] == nil {
		s.prefs[principal] = make(map[string]any)
	}
	s.prefs[principal][key] = args[1]
	return nil, nil
}

func (s *Store) getOnboarding(principal string, _ []any) (any, error) {
	out := map[string]any{}
	for k, v := range s.onboarding[principal] {
		out[k] = v
	}
	return out, nil
}

func (s *Store) updateOnboarding(principal string, args []any) (any, error) {
	fields, err := objectArg(args, 0, "onboarding fields")
	if err != nil {
		return nil, err
	}
	if s.onboarding[principal] == nil {
		s.onboarding[principal] = make(map[string]any)
	}
	for k, v := range fields {
		s.onboarding[principal][k] = v
	}
	return nil, nil
}

func (s *Store) searchHistory(principal string, args []any) (any, error) {
	query, err := stringArg(args, 0, "query")
	if err != nil {
		return nil, err
	}
	var out []any
	for _, entry := range s.history[principal] {
		if strings.Contains(strings.ToLower(entry), strings.ToLower(query)) {
			out = append(out, entry)
		}
	}
	if out == nil {
		out = []any{}
	}
	return out, nil
}

// RecordHistory appends an entry to a principal's history so
// search_history has something to find.
func (s *Store) RecordHistory(principal, entry string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[principal] = append(s.history[principal], entry)
}

func (s *Store) currentTime(string, []any) (any, error) {
	return s.now().UTC().Format(time.RFC3339), nil
}

func stringArg(args []any, i int, what string) (string, error) {
	if i >= len(args) {
		return "", fmt.Errorf("missing %s argument", what)
	}
	v, ok := args[i].(string)
	if !ok {
		return "", fmt.Errorf("%s must be a string", what)
	}
	return v, nil
}

func numberArg(args []any, i int, what string) (float64, error) {
	if i >= len(args) {
		return 0, fmt.Errorf("missing %s argument", what)
	}
	v, ok := args[i].(float64)
	if !ok {
		return 0, fmt.Errorf("%s must be a number", what)
	}
	return v, nil
}

func objectArg(args []any, i int, what string) (map[string]any, error) {
	if i >= len(args) {
		return nil, fmt.Errorf("missing %s argument", what)
	}
	v, ok := args[i].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s must be an object", what)
	}
	return v, nil
}
