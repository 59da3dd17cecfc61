package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"
	"io"
	"io/fs"
	"sort"
	"strings"
)

// Engine selects per device capability settings. Rule sets are loaded, compiled once, and then executed against the
// identity of each device.
type Engine struct {
	RuleSets map[string]RuleSet
	Rules    []CompiledRule
}

type Rule struct {
	Description string
	Filter      string
	Settings    map[string]Settings
	Children    []Rule
}

type CompiledRule struct {
	Description string
	Filter      *vm.Program
	Settings    map[string]Settings
	Children    []CompiledRule
}

type RuleSet struct {
	Name      string
	DependsOn []string
	Rules     []Rule
}

// Input is the environment filters are evaluated in.
type Input struct {
	Identifier  string
	ProductType string
}

// Output holds merged settings keyed by namespace, the namespace being the capability implementation name.
type Output struct {
	Settings map[string]Settings
}

var ErrDuplicateRuleSet = errors.New("ruleset already loaded")

func New() *Engine {
	return &Engine{RuleSets: map[string]RuleSet{}}
}

func (e *Engine) LoadString(s string) error {
	return e.LoadReader(strings.NewReader(s))
}

func (e *Engine) LoadReader(r io.Reader) error {
	var rs RuleSet

	if err := json.NewDecoder(r).Decode(&rs); err != nil {
		return fmt.Errorf("ruleset decode: %w", err)
	}

	if len(rs.Name) == 0 {
		return fmt.Errorf("ruleset decode: ruleset has no name")
	}

	if e.RuleSets == nil {
		e.RuleSets = map[string]RuleSet{}
	}

	if _, found := e.RuleSets[rs.Name]; found {
		return fmt.Errorf("%w: %s", ErrDuplicateRuleSet, rs.Name)
	}

	e.RuleSets[rs.Name] = rs

	return nil
}

// LoadFS loads every .json file in the root of f as a rule set.
func (e *Engine) LoadFS(f fs.FS) error {
	names, err := fs.Glob(f, "*.json")
	if err != nil {
		return err
	}

	for _, name := range names {
		if err := e.loadFile(f, name); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	return nil
}

func (e *Engine) loadFile(f fs.FS, name string) error {
	file, err := f.Open(name)
	if err != nil {
		return err
	}
	defer file.Close()

	return e.LoadReader(file)
}

func (e *Engine) CompileRules() error {
	e.Rules = nil

	alreadyLoaded := map[string]bool{}

	var names []string

	for k := range e.RuleSets {
		alreadyLoaded[k] = false
		names = append(names, k)
	}

	sort.Strings(names)

	for _, k := range names {
		if !alreadyLoaded[k] {
			if err := e.compileRuleSet(alreadyLoaded, []string{}, k); err != nil {
				return err
			}
		}
	}

	return nil
}

func (e *Engine) compileRuleSet(alreadyLoaded map[string]bool, trail []string, name string) error {
	rs, ok := e.RuleSets[name]
	if !ok {
		return fmt.Errorf("ruleset missing dependency: %s->%s", strings.Join(trail, "->"), name)
	}

	trail = append(trail, rs.Name)

	for _, k := range rs.DependsOn {
		for _, t := range trail {
			if k == t {
				return fmt.Errorf("ruleset circular dependency: %s->%s", strings.Join(trail, "->"), k)
			}
		}

		if !alreadyLoaded[k] {
			if err := e.compileRuleSet(alreadyLoaded, trail, k); err != nil {
				return err
			}
		}
	}

	if cr, err := compileRules(rs.Rules); err != nil {
		return fmt.Errorf("ruleset compilation: %s: %w", strings.Join(trail, "->"), err)
	} else {
		e.Rules = append(e.Rules, cr...)
	}

	alreadyLoaded[name] = true

	return nil
}

func compileRules(rules []Rule) ([]CompiledRule, error) {
	var compiledRules []CompiledRule

	for _, rule := range rules {
		filter := rule.Filter
		if len(strings.TrimSpace(filter)) == 0 {
			filter = "true"
		}

		cf, err := expr.Compile(filter, expr.Env(Input{}), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("filter compilation: %w", err)
		}

		if childCompiledRules, err := compileRules(rule.Children); err != nil {
			return nil, fmt.Errorf("%s: %w", rule.Description, err)
		} else {
			settings := rule.Settings
			if settings == nil {
				settings = map[string]Settings{}
			}

			compiledRules = append(compiledRules, CompiledRule{
				Description: rule.Description,
				Filter:      cf,
				Settings:    settings,
				Children:    childCompiledRules,
			})
		}
	}

	return compiledRules, nil
}

// Execute evaluates every compiled rule against i. Settings of matching rules are merged in order, children after
// their parent, so later and more specific rules override earlier ones.
func (e *Engine) Execute(i Input) (Output, error) {
	o := Output{Settings: map[string]Settings{}}

	if err := executeRules(e.Rules, i, o); err != nil {
		return Output{}, err
	}

	return o, nil
}

func executeRules(rules []CompiledRule, i Input, o Output) error {
	for _, rule := range rules {
		result, err := expr.Run(rule.Filter, i)
		if err != nil {
			return fmt.Errorf("filter execution: %s: %w", rule.Description, err)
		}

		if matched, ok := result.(bool); !ok || !matched {
			continue
		}

		for ns, s := range rule.Settings {
			o.Settings[ns] = o.Settings[ns].merge(s)
		}

		if err := executeRules(rule.Children, i, o); err != nil {
			return err
		}
	}

	return nil
}
