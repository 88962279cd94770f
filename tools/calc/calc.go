package calc

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	cairn "github.com/go-cairn/cairn"
)

// maxExpressionLen bounds the accepted input so a hostile parameter cannot
// stall the parser.
const maxExpressionLen = 512

const schema = `{
	"type": "object",
	"properties": {
		"expression": {
			"type": "string",
			"description": "Arithmetic expression to evaluate, e.g. \"(2 + 3) * 4\""
		}
	},
	"required": ["expression"]
}`

// New returns the calculator tool. It evaluates arithmetic expressions
// with +, -, *, /, %, ^, parentheses, and unary minus; no variables, no
// functions.
func New() cairn.Tool {
	return cairn.Tool{
		Name:        "calculator",
		Description: "Evaluate an arithmetic expression. Use for any calculation the user asks for.",
		Schema:      schema,
		Execute: func(_ context.Context, params map[string]any) (string, error) {
			expr, _ := params["expression"].(string)
			expr = strings.TrimSpace(expr)
			if expr == "" {
				return "", &cairn.Error{Kind: cairn.KindTool, Message: "calculator: empty expression"}
			}
			if len(expr) > maxExpressionLen {
				return "", &cairn.Error{Kind: cairn.KindTool, Message: "calculator: expression too long"}
			}
			result, err := Eval(expr)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%s = %s", expr, formatNumber(result)), nil
		},
		Fallback: func(map[string]any, error) string {
			return "The calculator is unavailable right now, so this expression could not be evaluated."
		},
	}
}

// Eval parses and evaluates an arithmetic expression.
//
//	expr    := term (('+'|'-') term)*
//	term    := power (('*'|'/'|'%') power)*
//	power   := unary ('^' power)?        right-associative
//	unary   := '-' unary | primary
//	primary := NUMBER | '(' expr ')'
func Eval(expr string) (float64, error) {
	tokens, err := tokenize(expr)
	if err != nil {
		return 0, err
	}
	p := &parser{tokens: tokens}
	result, err := p.parseExpr()
	if err != nil {
		return 0, err
	}
	if p.pos != len(p.tokens) {
		return 0, &cairn.Error{Kind: cairn.KindTool, Message: fmt.Sprintf("calculator: unexpected %q after expression", p.tokens[p.pos].text())}
	}
	if math.IsNaN(result) || math.IsInf(result, 0) {
		return 0, &cairn.Error{Kind: cairn.KindTool, Message: "calculator: result is not a finite number"}
	}
	return result, nil
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// --- Tokenizer ---

type token struct {
	op  byte // one of + - * / % ^ ( ); 0 for a number
	num float64
}

func (t token) text() string {
	if t.op != 0 {
		return string(t.op)
	}
	return formatNumber(t.num)
}

func tokenize(expr string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(expr) {
		c := expr[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case c >= '0' && c <= '9' || c == '.':
			j := i
			for j < len(expr) && (expr[j] >= '0' && expr[j] <= '9' || expr[j] == '.') {
				j++
			}
			num, err := strconv.ParseFloat(expr[i:j], 64)
			if err != nil {
				return nil, &cairn.Error{Kind: cairn.KindTool, Message: fmt.Sprintf("calculator: bad number %q", expr[i:j])}
			}
			tokens = append(tokens, token{num: num})
			i = j
		case strings.IndexByte("+-*/%^()", c) >= 0:
			tokens = append(tokens, token{op: c})
			i++
		default:
			return nil, &cairn.Error{Kind: cairn.KindTool, Message: fmt.Sprintf("calculator: unexpected character %q", string(c))}
		}
	}
	if len(tokens) == 0 {
		return nil, &cairn.Error{Kind: cairn.KindTool, Message: "calculator: empty expression"}
	}
	return tokens, nil
}

// --- Parser ---

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() (token, bool) {
	if p.pos >= len(p.tokens) {
		return token{}, false
	}
	return p.tokens[p.pos], true
}

func (p *parser) parseExpr() (float64, error) {
	left, err := p.parseTerm()
	if err != nil {
		return 0, err
	}
	for {
		t, ok := p.peek()
		if !ok || (t.op != '+' && t.op != '-') {
			return left, nil
		}
		p.pos++
		right, err := p.parseTerm()
		if err != nil {
			return 0, err
		}
		if t.op == '+' {
			left += right
		} else {
			left -= right
		}
	}
}

func (p *parser) parseTerm() (float64, error) {
	left, err := p.parsePower()
	if err != nil {
		return 0, err
	}
	for {
		t, ok := p.peek()
		if !ok || (t.op != '*' && t.op != '/' && t.op != '%') {
			return left, nil
		}
		p.pos++
		right, err := p.parsePower()
		if err != nil {
			return 0, err
		}
		switch t.op {
		case '*':
			left *= right
		case '/':
			if right == 0 {
				return 0, &cairn.Error{Kind: cairn.KindTool, Message: "calculator: division by zero"}
			}
			left /= right
		case '%':
			if right == 0 {
				return 0, &cairn.Error{Kind: cairn.KindTool, Message: "calculator: modulo by zero"}
			}
			left = math.Mod(left, right)
		}
	}
}

func (p *parser) parsePower() (float64, error) {
	base, err := p.parseUnary()
	if err != nil {
		return 0, err
	}
	t, ok := p.peek()
	if !ok || t.op != '^' {
		return base, nil
	}
	p.pos++
	exp, err := p.parsePower()
	if err != nil {
		return 0, err
	}
	return math.Pow(base, exp), nil
}

func (p *parser) parseUnary() (float64, error) {
	if t, ok := p.peek(); ok && t.op == '-' {
		p.pos++
		v, err := p.parseUnary()
		if err != nil {
			return 0, err
		}
		return -v, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (float64, error) {
	t, ok := p.peek()
	if !ok {
		return 0, &cairn.Error{Kind: cairn.KindTool, Message: "calculator: expression ends unexpectedly"}
	}
	if t.op == 0 {
		p.pos++
		return t.num, nil
	}
	if t.op == '(' {
		p.pos++
		v, err := p.parseExpr()
		if err != nil {
			return 0, err
		}
		closing, ok := p.peek()
		if !ok || closing.op != ')' {
			return 0, &cairn.Error{Kind: cairn.KindTool, Message: "calculator: missing closing parenthesis"}
		}
		p.pos++
		return v, nil
	}
	return 0, &cairn.Error{Kind: cairn.KindTool, Message: fmt.Sprintf("calculator: unexpected %q", t.text())}
}
