package validate

// Ruleset is the closed allow-list the validator checks against. It is the
// single source of truth for the grammar the sandbox supports.
type Ruleset struct {
	// Builtins are the free names a tool may reference. Everything here is
	// a side-effect-free function from the Starlark universe.
	Builtins map[string]bool
	// Methods are the value methods (string/list/dict) a tool may call.
	Methods map[string]bool
	// Capabilities maps collaborator function names to whether they mutate
	// collaborator state. Referencing a mutating name promotes the tool to
	// read-write.
	Capabilities map[string]bool
}

// DefaultRuleset returns the stock allow-list: pure builtins, pure value
// methods, and the assistant's collaborator functions.
func DefaultRuleset() *Ruleset {
	return &Ruleset{
		Builtins: set(
			"None", "True", "False",
			"abs", "all", "any", "bool", "dict", "enumerate", "float",
			"int", "len", "list", "max", "min", "range", "repr",
			"reversed", "sorted", "str", "tuple", "zip",
		),
		Methods: set(
			// string
			"capitalize", "count", "endswith", "find", "format", "index",
			"join", "lower", "lstrip", "partition", "replace", "rfind",
			"rindex", "rsplit", "rstrip", "split", "splitlines",
			"startswith", "strip", "title", "upper",
			// list
			"append", "clear", "extend", "insert", "pop", "remove",
			// dict
			"get", "items", "keys", "setdefault", "update", "values",
		),
		Capabilities: map[string]bool{
			// read-only collaborator functions
			"get_meals":        false,
			"list_reminders":   false,
			"get_onboarding":   false,
			"get_preferences":  false,
			"search_history":   false,
			"current_time":     false,
			// mutating collaborator functions
			"save_meal":        true,
			"delete_meal":      true,
			"add_reminder":     true,
			"delete_reminder":  true,
			"set_preference":   true,
			"update_onboarding": true,
		},
	}
}

// WithCapabilities returns a copy of the ruleset with the capability table
// replaced, for deployments whose collaborators expose a different set.
func (r *Ruleset) WithCapabilities(caps map[string]bool) *Ruleset {
	out := &Ruleset{
		Builtins:     r.Builtins,
		Methods:      r.Methods,
		Capabilities: make(map[string]bool, len(caps)),
	}
	for name, mutating := range caps {
		out.Capabilities[name] = mutating
	}
	return out
}

func set(names ...string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}
