package indicators

import (
	"encoding/json"
	"math"
	"sort"
)

// CustomRule pairs a user-chosen indicator name with an arithmetic rule
// tree supplied as raw JSON.
type CustomRule struct {
	Name string          `json:"name"`
	Rule json.RawMessage `json:"rule"`
}

// ruleNode is one node of a parsed rule tree. Exactly one of three forms
// must be populated: an indicator reference, a numeric constant, or an
// operator with two children.
type ruleNode struct {
	Indicator string    `json:"indicator,omitempty"`
	Value     *float64  `json:"value,omitempty"`
	Operator  string    `json:"operator,omitempty"`
	Left      *ruleNode `json:"left,omitempty"`
	Right     *ruleNode `json:"right,omitempty"`
}

var operators = map[string]bool{"+": true, "-": true, "*": true, "/": true}

// applyCustomRules parses, validates, and evaluates the rule list,
// storing each rule's series under its name and adding the name to the
// enabled set. Rules may reference standard indicators or each other;
// the reference graph must be acyclic.
func (p *Pipeline) applyCustomRules(rules []CustomRule) error {
	trees := make(map[string]*ruleNode, len(rules))
	names := make([]string, 0, len(rules))

	for _, rule := range rules {
		if rule.Name == "" {
			return newIndicatorError("", "custom rule has no name")
		}
		if _, ok := lookbacks[rule.Name]; ok {
			return newIndicatorError(rule.Name, "custom rule name shadows a standard indicator")
		}
		if _, ok := aliases[rule.Name]; ok {
			return newIndicatorError(rule.Name, "custom rule name shadows an indicator alias")
		}
		if _, ok := trees[rule.Name]; ok {
			return newIndicatorError(rule.Name, "duplicate custom rule name")
		}

		node := new(ruleNode)
		if err := json.Unmarshal(rule.Rule, node); err != nil {
			return newIndicatorError(rule.Name, "rule is not valid JSON: %v", err)
		}
		trees[rule.Name] = node
		names = append(names, rule.Name)
	}

	for _, name := range names {
		if err := validateRuleNode(name, trees[name], trees); err != nil {
			return err
		}
	}
	if err := detectCycles(names, trees); err != nil {
		return err
	}

	// Standard indicators referenced by rules but not enabled are computed
	// into a scratch map so they never leak into values_at output.
	scratch := make(map[string][]float64)
	resolve := func(ref string) []float64 {
		canonical := canonicalReference(ref, trees)
		if s, ok := p.series[canonical]; ok {
			return s
		}
		if s, ok := scratch[canonical]; ok {
			return s
		}
		s := computeStandard(canonical, p.candles)
		scratch[canonical] = s
		return s
	}

	// Dependency-first evaluation: a rule is evaluated only after every
	// rule it references.
	var evaluate func(name string)
	evaluate = func(name string) {
		if _, done := p.series[name]; done {
			return
		}
		for _, ref := range referencedRules(trees[name], trees) {
			evaluate(ref)
		}
		p.series[name] = evaluateRuleNode(trees[name], len(p.candles), resolve)
	}
	for _, name := range names {
		evaluate(name)
	}

	p.enabled = append(p.enabled, names...)
	sort.Strings(p.enabled)
	return nil
}

// canonicalReference maps an indicator reference inside a rule to the
// series key it resolves to. Single-target aliases are accepted.
func canonicalReference(ref string, trees map[string]*ruleNode) string {
	if _, ok := trees[ref]; ok {
		return ref
	}
	if expansion, ok := aliases[ref]; ok && len(expansion) == 1 {
		return expansion[0]
	}
	return ref
}

func validateRuleNode(ruleName string, node *ruleNode, trees map[string]*ruleNode) error {
	if node == nil {
		return newIndicatorError(ruleName, "rule node is empty")
	}

	isIndicator := node.Indicator != ""
	isValue := node.Value != nil
	isOperator := node.Operator != ""

	switch {
	case isIndicator && !isValue && !isOperator:
		if node.Left != nil || node.Right != nil {
			return newIndicatorError(ruleName, "indicator leaf %q must not have children", node.Indicator)
		}
		canonical := canonicalReference(node.Indicator, trees)
		if _, ok := trees[canonical]; ok {
			return nil
		}
		if _, ok := lookbacks[canonical]; ok {
			return nil
		}
		if expansion, ok := aliases[node.Indicator]; ok && len(expansion) > 1 {
			return newIndicatorError(ruleName, "reference %q is ambiguous, name one of its windows", node.Indicator)
		}
		return newIndicatorError(ruleName, "unknown indicator reference %q", node.Indicator)

	case isValue && !isIndicator && !isOperator:
		if node.Left != nil || node.Right != nil {
			return newIndicatorError(ruleName, "value leaf must not have children")
		}
		if math.IsNaN(*node.Value) || math.IsInf(*node.Value, 0) {
			return newIndicatorError(ruleName, "constant must be finite")
		}
		return nil

	case isOperator && !isIndicator && !isValue:
		if !operators[node.Operator] {
			return newIndicatorError(ruleName, "operator %q is not one of + - * /", node.Operator)
		}
		if node.Left == nil || node.Right == nil {
			return newIndicatorError(ruleName, "operator %q requires both operands", node.Operator)
		}
		if err := validateRuleNode(ruleName, node.Left, trees); err != nil {
			return err
		}
		return validateRuleNode(ruleName, node.Right, trees)

	default:
		return newIndicatorError(ruleName, "rule node must be exactly one of indicator, value, or operator")
	}
}

// referencedRules lists the custom rules a tree depends on, ignoring
// standard indicator references.
func referencedRules(node *ruleNode, trees map[string]*ruleNode) []string {
	if node == nil {
		return nil
	}
	if node.Indicator != "" {
		if _, ok := trees[node.Indicator]; ok {
			return []string{node.Indicator}
		}
		return nil
	}
	return append(referencedRules(node.Left, trees), referencedRules(node.Right, trees)...)
}

// detectCycles walks the rule-to-rule reference graph depth first,
// tracking the nodes on the current path. Revisiting an on-stack node
// means the rules reference each other in a loop.
func detectCycles(names []string, trees map[string]*ruleNode) error {
	visited := make(map[string]bool, len(trees))
	onStack := make(map[string]bool, len(trees))

	var visit func(name string) error
	visit = func(name string) error {
		if onStack[name] {
			return newIndicatorError(name, "custom rules form a reference cycle")
		}
		if visited[name] {
			return nil
		}
		visited[name] = true
		onStack[name] = true
		for _, ref := range referencedRules(trees[name], trees) {
			if err := visit(ref); err != nil {
				return err
			}
		}
		onStack[name] = false
		return nil
	}

	for _, name := range names {
		if err := visit(name); err != nil {
			return err
		}
	}
	return nil
}

// evaluateRuleNode computes the rule series index by index. Any operand
// that is NaN, and any division by zero, yields NaN at that index.
func evaluateRuleNode(node *ruleNode, n int, resolve func(string) []float64) []float64 {
	switch {
	case node.Indicator != "":
		src := resolve(node.Indicator)
		out := make([]float64, n)
		copy(out, src)
		return out

	case node.Value != nil:
		out := make([]float64, n)
		for i := range out {
			out[i] = *node.Value
		}
		return out

	default:
		left := evaluateRuleNode(node.Left, n, resolve)
		right := evaluateRuleNode(node.Right, n, resolve)
		out := make([]float64, n)
		for i := 0; i < n; i++ {
			out[i] = applyOperator(node.Operator, left[i], right[i])
		}
		return out
	}
}

func applyOperator(op string, a, b float64) float64 {
	if math.IsNaN(a) || math.IsNaN(b) {
		return math.NaN()
	}
	var v float64
	switch op {
	case "+":
		v = a + b
	case "-":
		v = a - b
	case "*":
		v = a * b
	case "/":
		if b == 0 {
			return math.NaN()
		}
		v = a / b
	}
	if math.IsInf(v, 0) {
		return math.NaN()
	}
	return v
}
