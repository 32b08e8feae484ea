package quality

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Custom-expression rules evaluate a deliberately small predicate grammar
// against a row:
//
//	clause   := field op literal
//	op       := == | != | < | <= | > | >= | contains
//	literal  := number | 'single-quoted string' | null
//	expr     := clause { (AND|OR) clause }
//
// No parentheses, no function calls, no access to anything but the row's
// own fields. Anything outside the grammar fails validation, so the
// evaluator cannot touch the host process.

type exprOp string

const (
	opEq       exprOp = "=="
	opNeq      exprOp = "!="
	opLt       exprOp = "<"
	opLte      exprOp = "<="
	opGt       exprOp = ">"
	opGte      exprOp = ">="
	opContains exprOp = "contains"
)

type clause struct {
	field   string
	op      exprOp
	literal any // float64, string, or nil
}

// Expression is a parsed predicate: clauses joined left-to-right by
// AND/OR connectors (no precedence, evaluated sequentially).
type Expression struct {
	clauses    []clause
	connectors []string // "AND" or "OR", len = len(clauses)-1
	source     string
}

// ParseExpression validates and compiles an expression string.
func ParseExpression(src string) (*Expression, error) {
	tokens, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty expression")
	}

	expr := &Expression{source: src}
	i := 0
	for {
		if i+3 > len(tokens) {
			return nil, fmt.Errorf("incomplete clause in expression %q", src)
		}
		c, err := parseClause(tokens[i], tokens[i+1], tokens[i+2])
		if err != nil {
			return nil, err
		}
		expr.clauses = append(expr.clauses, c)
		i += 3
		if i == len(tokens) {
			break
		}
		conn := strings.ToUpper(tokens[i])
		if conn != "AND" && conn != "OR" {
			return nil, fmt.Errorf("expected AND/OR, got %q", tokens[i])
		}
		expr.connectors = append(expr.connectors, conn)
		i++
	}
	return expr, nil
}

// Eval applies the predicate to a row. A missing field evaluates as null.
func (e *Expression) Eval(row map[string]any) (bool, error) {
	result, err := e.clauses[0].eval(row)
	if err != nil {
		return false, err
	}
	for i, conn := range e.connectors {
		next, err := e.clauses[i+1].eval(row)
		if err != nil {
			return false, err
		}
		if conn == "AND" {
			result = result && next
		} else {
			result = result || next
		}
	}
	return result, nil
}

func (e *Expression) String() string { return e.source }

func parseClause(field, op, lit string) (clause, error) {
	c := clause{field: field}
	switch exprOp(op) {
	case opEq, opNeq, opLt, opLte, opGt, opGte:
		c.op = exprOp(op)
	default:
		if strings.EqualFold(op, string(opContains)) {
			c.op = opContains
		} else {
			return clause{}, fmt.Errorf("unsupported operator %q", op)
		}
	}
	if !isIdentifier(field) {
		return clause{}, fmt.Errorf("invalid field name %q", field)
	}
	switch {
	case strings.EqualFold(lit, "null"):
		c.literal = nil
	case strings.HasPrefix(lit, "'") && strings.HasSuffix(lit, "'") && len(lit) >= 2:
		c.literal = lit[1 : len(lit)-1]
	default:
		f, err := strconv.ParseFloat(lit, 64)
		if err != nil {
			return clause{}, fmt.Errorf("invalid literal %q (expected number, 'string' or null)", lit)
		}
		c.literal = f
	}
	return c, nil
}

func (c clause) eval(row map[string]any) (bool, error) {
	value := row[c.field]

	if c.op == opContains {
		lit, ok := c.literal.(string)
		if !ok {
			return false, fmt.Errorf("contains requires a string literal")
		}
		if value == nil {
			return false, nil
		}
		return strings.Contains(fmt.Sprintf("%v", value), lit), nil
	}

	// Null handling: only == and != are meaningful against null.
	if c.literal == nil || value == nil {
		equal := value == nil && c.literal == nil
		switch c.op {
		case opEq:
			return equal, nil
		case opNeq:
			return !equal, nil
		default:
			return false, nil
		}
	}

	if litNum, ok := c.literal.(float64); ok {
		d, numeric := toNumber(value)
		if !numeric {
			return false, nil
		}
		lit := decimal.NewFromFloat(litNum)
		switch c.op {
		case opEq:
			return d.Equal(lit), nil
		case opNeq:
			return !d.Equal(lit), nil
		case opLt:
			return d.LessThan(lit), nil
		case opLte:
			return d.LessThanOrEqual(lit), nil
		case opGt:
			return d.GreaterThan(lit), nil
		case opGte:
			return d.GreaterThanOrEqual(lit), nil
		}
	}

	litStr := fmt.Sprintf("%v", c.literal)
	valStr := fmt.Sprintf("%v", value)
	switch c.op {
	case opEq:
		return valStr == litStr, nil
	case opNeq:
		return valStr != litStr, nil
	case opLt:
		return valStr < litStr, nil
	case opLte:
		return valStr <= litStr, nil
	case opGt:
		return valStr > litStr, nil
	case opGte:
		return valStr >= litStr, nil
	}
	return false, fmt.Errorf("unsupported operator %q", c.op)
}

// tokenize splits on whitespace, keeping single-quoted strings (which may
// contain spaces) as one token.
func tokenize(src string) ([]string, error) {
	var tokens []string
	var current strings.Builder
	inQuote := false
	for _, r := range src {
		switch {
		case r == '\'':
			current.WriteRune(r)
			if inQuote {
				tokens = append(tokens, current.String())
				current.Reset()
			}
			inQuote = !inQuote
		case !inQuote && (r == ' ' || r == '\t' || r == '\n'):
			if current.Len() > 0 {
				tokens = append(tokens, current.String())
				current.Reset()
			}
		default:
			current.WriteRune(r)
		}
	}
	if inQuote {
		return nil, fmt.Errorf("unterminated string literal in %q", src)
	}
	if current.Len() > 0 {
		tokens = append(tokens, current.String())
	}
	return tokens, nil
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
