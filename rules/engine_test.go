package rules

import (
	"errors"
	"github.com/antonmedv/expr"
	"github.com/stretchr/testify/assert"
	"testing"
	"testing/fstest"
)

func Test_compileRules(t *testing.T) {
	t.Run("returns an error if the filter compilation fails", func(t *testing.T) {
		r := Rule{
			Filter: "INVALID UNPARSABLE FILTER",
		}

		crs, err := compileRules([]Rule{r})
		assert.Error(t, err)
		assert.Nil(t, crs)
		assert.Contains(t, err.Error(), "filter compilation:")
	})

	t.Run("returns an error if the filter is not boolean", func(t *testing.T) {
		r := Rule{
			Filter: "ProductType",
		}

		_, err := compileRules([]Rule{r})
		assert.Error(t, err)
	})

	t.Run("returns a compiled rule", func(t *testing.T) {
		r := Rule{
			Description: "Tables",
			Filter:      `ProductType == "Table"`,
			Settings: map[string]Settings{
				"RangeController": {
					"Minimum": 60,
				},
			},
		}

		cr, err := compileRules([]Rule{r})
		assert.NoError(t, err)

		assert.Equal(t, r.Description, cr[0].Description)
		assert.NotNil(t, cr[0].Filter)
		assert.Equal(t, r.Settings, cr[0].Settings)
		assert.Nil(t, cr[0].Children)
	})

	t.Run("an empty filter matches everything", func(t *testing.T) {
		cr, err := compileRules([]Rule{{Description: "all"}})
		assert.NoError(t, err)

		out, err := expr.Run(cr[0].Filter, Input{})
		assert.NoError(t, err)
		assert.Equal(t, true, out)
	})
}

func TestEngine_CompileRules(t *testing.T) {
	t.Run("raises an error if a depended on ruleset is not loaded", func(t *testing.T) {
		e := Engine{
			RuleSets: map[string]RuleSet{
				"one": {
					Name:      "one",
					DependsOn: []string{"two"},
				},
			},
		}

		err := e.CompileRules()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "ruleset missing dependency: one->two")
	})

	t.Run("raises an error if there is a circular dependency", func(t *testing.T) {
		e := Engine{
			RuleSets: map[string]RuleSet{
				"one": {
					Name:      "one",
					DependsOn: []string{"two"},
				},
				"two": {
					Name:      "two",
					DependsOn: []string{"one"},
				},
			},
		}

		err := e.CompileRules()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "ruleset circular dependency: one->two->one")
	})

	t.Run("raises an error if a rule fails to compile", func(t *testing.T) {
		e := Engine{
			RuleSets: map[string]RuleSet{
				"one": {
					Name: "one",
					Rules: []Rule{
						{
							Description: "this rule",
							Filter:      "INVALID UNPARSABLE FILTER",
						},
					},
				},
			},
		}

		err := e.CompileRules()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "ruleset compilation: one: filter compilation:")
	})

	t.Run("compiles dependencies before their dependents", func(t *testing.T) {
		e := Engine{
			RuleSets: map[string]RuleSet{
				"a": {
					Name:      "a",
					DependsOn: []string{"b"},
					Rules:     []Rule{{Description: "from a"}},
				},
				"b": {
					Name:  "b",
					Rules: []Rule{{Description: "from b"}},
				},
			},
		}

		assert.NoError(t, e.CompileRules())

		if assert.Len(t, e.Rules, 2) {
			assert.Equal(t, "from b", e.Rules[0].Description)
			assert.Equal(t, "from a", e.Rules[1].Description)
		}
	})

	t.Run("recompiling does not duplicate rules", func(t *testing.T) {
		e := Engine{
			RuleSets: map[string]RuleSet{
				"a": {Name: "a", Rules: []Rule{{Description: "from a"}}},
			},
		}

		assert.NoError(t, e.CompileRules())
		assert.NoError(t, e.CompileRules())
		assert.Len(t, e.Rules, 1)
	})
}

func TestEngine_Execute(t *testing.T) {
	t.Run("merges settings of all matching rules, including any descendants", func(t *testing.T) {
		e := New()

		e.RuleSets["desks"] = RuleSet{
			Name: "desks",
			Rules: []Rule{
				{
					Description: "lamps",
					Filter:      `ProductType == "Light"`,
					Settings:    map[string]Settings{"RangeController": {"Maximum": 1}},
				},
				{
					Description: "tables",
					Filter:      `ProductType == "Table"`,
					Settings:    map[string]Settings{"RangeController": {"Minimum": 60, "Maximum": 125}},
					Children: []Rule{
						{
							Description: "office desk",
							Filter:      `Identifier startsWith "5dc1"`,
							Settings:    map[string]Settings{"RangeController": {"Maximum": 110}},
						},
						{
							Description: "other desk",
							Filter:      `Identifier == "other"`,
							Settings:    map[string]Settings{"RangeController": {"Minimum": 0}},
						},
					},
				},
			},
		}

		assert.NoError(t, e.CompileRules())

		out, err := e.Execute(Input{Identifier: "5dc1564130", ProductType: "Table"})
		assert.NoError(t, err)
		assert.Equal(t, Settings{"Minimum": 60, "Maximum": 110}, out.Settings["RangeController"])

		out, err = e.Execute(Input{Identifier: "anything", ProductType: "Blinds"})
		assert.NoError(t, err)
		assert.Empty(t, out.Settings)
	})
}

func TestEngine_Load(t *testing.T) {
	t.Run("loads a ruleset from json", func(t *testing.T) {
		e := New()

		err := e.LoadString(`{"Name": "desks", "Rules": [{"Description": "tables", "Filter": "ProductType == \"Table\"", "Settings": {"RangeController": {"Minimum": 60}}}]}`)
		assert.NoError(t, err)
		assert.NoError(t, e.CompileRules())

		out, err := e.Execute(Input{ProductType: "Table"})
		assert.NoError(t, err)

		v, ok := out.Settings["RangeController"].Int("Minimum")
		assert.True(t, ok)
		assert.Equal(t, 60, v)
	})

	t.Run("refuses a nameless or duplicate ruleset", func(t *testing.T) {
		e := New()

		assert.Error(t, e.LoadString(`{"Rules": []}`))
		assert.NoError(t, e.LoadString(`{"Name": "one"}`))

		err := e.LoadString(`{"Name": "one"}`)
		assert.True(t, errors.Is(err, ErrDuplicateRuleSet))
	})

	t.Run("loads every json file of a filesystem", func(t *testing.T) {
		e := New()

		f := fstest.MapFS{
			"base.json":  {Data: []byte(`{"Name": "base"}`)},
			"desks.json": {Data: []byte(`{"Name": "desks", "DependsOn": ["base"]}`)},
			"README.md":  {Data: []byte(`not a rule`)},
		}

		assert.NoError(t, e.LoadFS(f))
		assert.Len(t, e.RuleSets, 2)
		assert.NoError(t, e.CompileRules())
	})

	t.Run("reports the file that failed to load", func(t *testing.T) {
		e := New()

		f := fstest.MapFS{
			"broken.json": {Data: []byte(`{`)},
		}

		err := e.LoadFS(f)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "broken.json")
	})
}
