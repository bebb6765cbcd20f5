// Package offline serves flag values from a local YAML file instead of a
// remote service, for development and for running without network
// access.
//
// The file maps flag keys to values. A value may also be given with
// rules, which are expr boolean expressions evaluated against the
// session identity; the first rule that matches wins:
//
//	flags:
//	  new-ui: true
//	  banner: "hello"
//	  checkout:
//	    value: false
//	    rules:
//	      - when: 'attributes.country == "BR"'
//	        value: true
//
// Rules see three variables: key (string), anonymous (bool) and
// attributes (map of attribute name to value).
package offline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/andre-paraense/launchdarkly-flutter/internal/domain"
	"github.com/andre-paraense/launchdarkly-flutter/internal/remote"
)

// Source is a remote.Service backed by a flag file. Reload re-reads the
// file and pushes changed values to the live sessions.
type Source struct {
	path   string
	svc    *remote.MemoryService
	logger *slog.Logger

	mu    sync.RWMutex
	flags map[string]compiledFlag
}

type compiledFlag struct {
	value domain.FlagValue
	rules []compiledRule
}

type compiledRule struct {
	when    string
	program *vm.Program
	value   domain.FlagValue
}

// Load reads and compiles the flag file at path.
func Load(path string, logger *slog.Logger) (*Source, error) {
	if logger == nil {
		logger = slog.Default()
	}

	flags, err := readFile(path)
	if err != nil {
		return nil, err
	}

	s := &Source{
		path:   path,
		svc:    remote.NewMemoryService(),
		logger: logger,
		flags:  flags,
	}
	s.svc.SetResolver(s.evaluate)
	return s, nil
}

// StartSession opens a session whose values are evaluated from the file
// for identity.
func (s *Source) StartSession(ctx context.Context, identity domain.Identity, cfg remote.SessionConfig) (remote.Session, error) {
	return s.svc.StartSession(ctx, identity, cfg)
}

// Reload re-reads the flag file. On error the previous flags stay in
// effect.
func (s *Source) Reload() error {
	flags, err := readFile(s.path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.flags = flags
	s.mu.Unlock()

	s.svc.Refresh()
	s.logger.Info("reloaded flag file", "path", s.path, "flags", len(flags))
	return nil
}

// Path returns the flag file path.
func (s *Source) Path() string { return s.path }

// Keys returns the flag keys defined by the file, sorted.
func (s *Source) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.flags))
	for key := range s.flags {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// evaluate computes every flag for identity.
func (s *Source) evaluate(identity domain.Identity) map[string]domain.FlagValue {
	env := ruleEnv(identity)

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]domain.FlagValue, len(s.flags))
	for key, flag := range s.flags {
		out[key] = s.resolve(key, flag, env)
	}
	return out
}

func (s *Source) resolve(key string, flag compiledFlag, env map[string]any) domain.FlagValue {
	for _, rule := range flag.rules {
		result, err := expr.Run(rule.program, env)
		if err != nil {
			s.logger.Warn("flag rule failed",
				"flag_key", key,
				"rule", rule.when,
				"error", err)
			continue
		}
		if matched, _ := result.(bool); matched {
			return rule.value
		}
	}
	return flag.value
}

func ruleEnv(identity domain.Identity) map[string]any {
	return map[string]any{
		"key":        identity.Key(),
		"anonymous":  identity.Anonymous(),
		"attributes": identity.AttributeMap(),
	}
}

func readFile(path string) (map[string]compiledFlag, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read flag file: %w", err)
	}

	file, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse flag file %s: %w", path, err)
	}
	return compile(file)
}

func compile(file File) (map[string]compiledFlag, error) {
	env := ruleEnv(domain.NewIdentityBuilder("compile").Build())

	flags := make(map[string]compiledFlag, len(file.Flags))
	for key, spec := range file.Flags {
		flag := compiledFlag{value: domain.ValueOf(spec.Value)}

		for i, rule := range spec.Rules {
			if rule.When == "" {
				return nil, fmt.Errorf("flag %s: rule %d has no condition", key, i+1)
			}
			program, err := expr.Compile(rule.When, expr.Env(env), expr.AsBool())
			if err != nil {
				return nil, fmt.Errorf("flag %s: rule %d: %w", key, i+1, err)
			}
			flag.rules = append(flag.rules, compiledRule{
				when:    rule.When,
				program: program,
				value:   domain.ValueOf(rule.Value),
			})
		}

		flags[key] = flag
	}
	return flags, nil
}
