package expr

import "fmt"

type parser struct {
	src  string
	toks []token
	pos  int
}

func (p *parser) peek() token {
	return p.toks[p.pos]
}

func (p *parser) next() token {
	tok := p.toks[p.pos]
	if tok.kind != tokenEOF {
		p.pos++
	}
	return tok
}

func (p *parser) atEOF() bool {
	return p.toks[p.pos].kind == tokenEOF
}

func (p *parser) expect(text string) error {
	tok := p.next()
	if tok.kind != tokenPunct || tok.text != text {
		return fmt.Errorf("expected %q at offset %d in %q, got %q", text, tok.pos, p.src, tok.text)
	}
	return nil
}

func (p *parser) isPunct(text string) bool {
	tok := p.peek()
	return tok.kind == tokenPunct && tok.text == text
}

// binding powers, low to high; postfix access binds tightest
var binaryBP = map[string]int{
	"||": 2,
	"&&": 3,
	"==": 4, "!=": 4,
	"<": 5, "<=": 5, ">": 5, ">=": 5,
	"+": 6, "-": 6,
	"*": 7, "/": 7, "%": 7,
}

const (
	ternaryBP = 1
	unaryBP   = 8
	postfixBP = 9
)

func (p *parser) parseExpr(minBP int) (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}

	for {
		tok := p.peek()
		if tok.kind != tokenPunct {
			break
		}

		if tok.text == "?" && ternaryBP >= minBP {
			p.next()
			then, err := p.parseExpr(0)
			if err != nil {
				return nil, err
			}
			if err := p.expect(":"); err != nil {
				return nil, err
			}
			els, err := p.parseExpr(ternaryBP)
			if err != nil {
				return nil, err
			}
			left = condExpr{cond: left, then: then, els: els}
			continue
		}

		bp, ok := binaryBP[tok.text]
		if !ok || bp < minBP {
			break
		}
		p.next()
		right, err := p.parseExpr(bp + 1)
		if err != nil {
			return nil, err
		}
		left = binaryExpr{op: tok.text, left: left, right: right}
	}

	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	tok := p.peek()
	if tok.kind == tokenPunct && (tok.text == "!" || tok.text == "-") {
		p.next()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return unaryExpr{op: tok.text, operand: operand}, nil
	}
	return p.parsePostfix()
}

func (p *parser) parsePostfix() (node, error) {
	n, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}

	for {
		switch {
		case p.isPunct("."):
			p.next()
			tok := p.next()
			if tok.kind != tokenIdent {
				return nil, fmt.Errorf("expected property name at offset %d in %q", tok.pos, p.src)
			}
			n = memberRef{obj: n, name: tok.text}

		case p.isPunct("["):
			p.next()
			key, err := p.parseExpr(0)
			if err != nil {
				return nil, err
			}
			if err := p.expect("]"); err != nil {
				return nil, err
			}
			n = indexExpr{obj: n, key: key}

		case p.isPunct("("):
			p.next()
			args, err := p.parseArgs()
			if err != nil {
				return nil, err
			}
			n = callExpr{callee: n, args: args}

		default:
			return n, nil
		}
	}
}

func (p *parser) parseArgs() ([]node, error) {
	var args []node
	if p.isPunct(")") {
		p.next()
		return args, nil
	}
	for {
		arg, err := p.parseExpr(0)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		if p.isPunct(",") {
			p.next()
			continue
		}
		if err := p.expect(")"); err != nil {
			return nil, err
		}
		return args, nil
	}
}

func (p *parser) parsePrimary() (node, error) {
	tok := p.next()

	switch tok.kind {
	case tokenNumber:
		return numberLit{val: tok.num}, nil

	case tokenString:
		return stringLit{val: tok.text}, nil

	case tokenIdent:
		switch tok.text {
		case "true":
			return boolLit{val: true}, nil
		case "false":
			return boolLit{val: false}, nil
		case "null":
			return nullLit{}, nil
		}
		// single-parameter arrow function: item => item.done
		if p.isPunct("=>") {
			p.next()
			body, err := p.parseExpr(ternaryBP)
			if err != nil {
				return nil, err
			}
			return arrowFn{param: tok.text, body: body}, nil
		}
		return identRef{name: tok.text}, nil

	case tokenPunct:
		switch tok.text {
		case "(":
			inner, err := p.parseExpr(0)
			if err != nil {
				return nil, err
			}
			if err := p.expect(")"); err != nil {
				return nil, err
			}
			return inner, nil
		case "[":
			var elems []node
			if p.isPunct("]") {
				p.next()
				return listLit{}, nil
			}
			for {
				elem, err := p.parseExpr(0)
				if err != nil {
					return nil, err
				}
				elems = append(elems, elem)
				if p.isPunct(",") {
					p.next()
					continue
				}
				if err := p.expect("]"); err != nil {
					return nil, err
				}
				return listLit{elems: elems}, nil
			}
		}
	}

	return nil, fmt.Errorf("unexpected %q at offset %d in %q", tok.text, tok.pos, p.src)
}
