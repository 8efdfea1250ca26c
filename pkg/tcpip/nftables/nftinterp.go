// Copyright 2025 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package nftables

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// SyntaxError is an interpretation error due to incorrect syntax.
type SyntaxError struct {
	// lnIdx is the index of the line where the error occurred.
	lnIdx int
	// tkIdx is the index of the token where the error occurred.
	tkIdx int
	// msg is the error message, defined locally.
	msg string
}

// Error implements error interface for SyntaxError to return an error message.
func (e *SyntaxError) Error() string {
	// Adds 1 to line index and token index to account for 0-indexing.
	return fmt.Sprintf("syntax error at line %d, token %d: %s", e.lnIdx+1, e.tkIdx+1, e.msg)
}

// LogicError is an interpretation error for well-formed input that names
// something the engine does not know.
type LogicError struct {
	// lnIdx is the index of the line where the error occurred.
	lnIdx int
	// tkIdx is the index of the token where the error occurred.
	tkIdx int
	// err is the underlying error.
	err error
}

// Error implements error interface for LogicError to return an error message.
func (e *LogicError) Error() string {
	// Adds 1 to line index and token index to account for 0-indexing.
	return fmt.Sprintf("logic error at line %d, token %d: %v", e.lnIdx+1, e.tkIdx+1, e.err)
}

// Unwrap returns the underlying error.
func (e *LogicError) Unwrap() error {
	return e.err
}

// Note: this is a limited set of keywords.
var reservedKeywords []string = []string{
	"include",                        // include keyword
	"define", "undefine", "redefine", // symbolic variables keywords
	"ip", "ip6", "inet", "arp", "bridge", "netdev", // address families
	"list", "flush", "ruleset", // ruleset operations
	"add", "create", "delete", "destroy", "table", "comment", "flags", "handle", // table operations
	"rename", "chain", "type", "hook", "device", "priority", "policy", // chain operations
	"insert", "reset", "replace", "rule", "index", // rule operations
}

// Set of reserved specifiers for quick lookup.
var reservedKeywordSet map[string]struct{} = initReservedKeywordSet()

func initReservedKeywordSet() map[string]struct{} {
	set := make(map[string]struct{})
	for _, k := range reservedKeywords {
		set[k] = struct{}{}
	}
	return set
}

var identifierRegexp = regexp.MustCompile("^[a-zA-Z_][a-zA-Z0-9_/.]*$")

// validateIdentifier checks if the identifier is valid.
// An identifier is valid if it is not a reserved keyword and begins with an
// alphabetic character or underscore followed by zero or more alphanumeric
// characters, underscores, forward slashes, or periods.
func validateIdentifier(id string, lnIdx int, tkIdx int) error {
	if _, ok := reservedKeywordSet[id]; ok {
		return &SyntaxError{lnIdx, tkIdx, fmt.Sprintf("cannot use reserved keyword %s as an identifier", id)}
	}

	if !identifierRegexp.MatchString(id) {
		return &SyntaxError{lnIdx, tkIdx, fmt.Sprintf("invalid identifier %s", id)}
	}

	return nil
}

// InterpretRule creates the expression specs of a rule from the given rule
// string, assumed to be represented as a block of text with a single
// expression per line.
// Note: the rule string should be generated as output from the official nft
// binary (can be accomplished by using flag --debug=netlink), or by Rule.Dump.
func InterpretRule(ruleString string) ([]ExprSpec, error) {
	lines := strings.Split(ruleString, "\n")
	specs := make([]ExprSpec, 0, len(lines))
	for lnIdx, line := range lines {
		// Blank lines are skipped but still counted for error positions.
		if strings.TrimSpace(line) == "" {
			continue
		}
		spec, err := InterpretExpr(line, lnIdx)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// ParseVerdictSpec parses a verdict in the form used by rule dumps, such as
// "accept", "jump -> chain" or "queue 3". The arrow of jump and goto may be
// omitted.
func ParseVerdictSpec(s string) (VerdictSpec, error) {
	tokens := strings.Fields(s)
	if len(tokens) == 2 && (tokens[0] == "jump" || tokens[0] == "goto") {
		tokens = []string{tokens[0], "->", tokens[1]}
	}
	p := &tokenParser{tokens: tokens}
	v, err := p.verdict()
	if err != nil {
		return VerdictSpec{}, err
	}
	if !p.done() {
		return VerdictSpec{}, p.syntaxError("unexpected token after verdict: '%s'", p.peek())
	}
	return v, nil
}

// exprInterpreters maps expression names to the functions interpreting them.
// Each receives the tokens of a line without the enclosing brackets.
var exprInterpreters map[string]func(p *tokenParser) (ExprSpec, error)

func init() {
	exprInterpreters = map[string]func(p *tokenParser) (ExprSpec, error){
		"immediate": interpretImmediate,
		"cmp":       interpretComparison,
		"payload":   interpretPayload,
		"meta":      interpretMeta,
		"lookup":    interpretLookup,
		"counter":   interpretCounter,
		"limit":     interpretLimit,
		"last":      interpretLast,
		"bitwise":   interpretBitwise,
		"byteorder": interpretByteorder,
	}
}

// InterpretExpr creates an expression spec from the given expression string,
// assumed to be a single line of text surrounded in square brackets.
func InterpretExpr(line string, lnIdx int) (ExprSpec, error) {
	tokens := strings.Fields(line)
	if len(tokens) < 3 {
		return ExprSpec{}, &SyntaxError{lnIdx, 0, fmt.Sprintf("incorrect number of tokens for expression, should be at least 3, got %d", len(tokens))}
	}
	if tokens[0] != "[" {
		return ExprSpec{}, &SyntaxError{lnIdx, 0, "expression missing opening square bracket"}
	}
	if tokens[len(tokens)-1] != "]" {
		return ExprSpec{}, &SyntaxError{lnIdx, len(tokens) - 1, "expression missing closing square bracket"}
	}

	// Second token decides the expression type.
	interpret, ok := exprInterpreters[tokens[1]]
	if !ok {
		return ExprSpec{}, &SyntaxError{lnIdx, 1, fmt.Sprintf("unrecognized expression type: %s", tokens[1])}
	}
	p := &tokenParser{tokens: tokens[:len(tokens)-1], lnIdx: lnIdx, tkIdx: 2}
	spec, err := interpret(p)
	if err != nil {
		return ExprSpec{}, err
	}
	if !p.done() {
		return ExprSpec{}, p.syntaxError("unexpected token after %s expression: '%s'", tokens[1], p.peek())
	}
	return spec, nil
}

// interpretImmediate interprets "immediate reg N DATA".
func interpretImmediate(p *tokenParser) (ExprSpec, error) {
	if err := p.consume("reg"); err != nil {
		return ExprSpec{}, err
	}
	reg, err := p.register()
	if err != nil {
		return ExprSpec{}, err
	}
	params := ImmediateParams{Dreg: reg}
	if reg == RegVerdict {
		v, err := p.verdict()
		if err != nil {
			return ExprSpec{}, err
		}
		params.Verdict = &v
	} else if params.Value, err = p.hexData(); err != nil {
		return ExprSpec{}, err
	}
	return ExprSpec{Name: "immediate", Params: params}, nil
}

// interpretComparison interprets "cmp OP reg N DATA".
func interpretComparison(p *tokenParser) (ExprSpec, error) {
	tok, err := p.next()
	if err != nil {
		return ExprSpec{}, err
	}
	cop, err := ParseCmpOp(tok)
	if err != nil {
		return ExprSpec{}, p.logicError(err)
	}
	if err := p.consume("reg"); err != nil {
		return ExprSpec{}, err
	}
	reg, err := p.register()
	if err != nil {
		return ExprSpec{}, err
	}
	data, err := p.hexData()
	if err != nil {
		return ExprSpec{}, err
	}
	return ExprSpec{Name: "cmp", Params: CmpParams{Sreg: reg, Op: cop, Data: data}}, nil
}

// interpretPayload interprets "payload load Nb @ BASE header + OFF => reg N".
func interpretPayload(p *tokenParser) (ExprSpec, error) {
	if err := p.consume("load"); err != nil {
		return ExprSpec{}, err
	}
	tok, err := p.next()
	if err != nil {
		return ExprSpec{}, err
	}
	blen, err := strconv.Atoi(strings.TrimSuffix(tok, "b"))
	if err != nil || !strings.HasSuffix(tok, "b") {
		return ExprSpec{}, p.syntaxError("invalid payload length: '%s'", tok)
	}
	if err := p.consume("@"); err != nil {
		return ExprSpec{}, err
	}
	if tok, err = p.next(); err != nil {
		return ExprSpec{}, err
	}
	base := PayloadBase(-1)
	for b, name := range payloadBaseStrings {
		if name == tok {
			base = b
		}
	}
	if base < 0 {
		return ExprSpec{}, p.syntaxError("invalid payload base: '%s'", tok)
	}
	for _, want := range []string{"header", "+"} {
		if err := p.consume(want); err != nil {
			return ExprSpec{}, err
		}
	}
	off, err := p.uint(16)
	if err != nil {
		return ExprSpec{}, err
	}
	if err := p.consume("=>"); err != nil {
		return ExprSpec{}, err
	}
	if err := p.consume("reg"); err != nil {
		return ExprSpec{}, err
	}
	reg, err := p.register()
	if err != nil {
		return ExprSpec{}, err
	}
	return ExprSpec{Name: "payload", Params: PayloadParams{Base: base, Offset: int(off), Len: blen, Dreg: reg}}, nil
}

// interpretMeta interprets "meta load KEY => reg N".
func interpretMeta(p *tokenParser) (ExprSpec, error) {
	if err := p.consume("load"); err != nil {
		return ExprSpec{}, err
	}
	tok, err := p.next()
	if err != nil {
		return ExprSpec{}, err
	}
	key, err := ParseMetaKey(tok)
	if err != nil {
		return ExprSpec{}, p.logicError(err)
	}
	if err := p.consume("=>"); err != nil {
		return ExprSpec{}, err
	}
	if err := p.consume("reg"); err != nil {
		return ExprSpec{}, err
	}
	reg, err := p.register()
	if err != nil {
		return ExprSpec{}, err
	}
	return ExprSpec{Name: "meta", Params: MetaParams{Key: key, Dreg: reg}}, nil
}

// interpretLookup interprets "lookup reg N set NAME [dreg N] [invert]".
func interpretLookup(p *tokenParser) (ExprSpec, error) {
	if err := p.consume("reg"); err != nil {
		return ExprSpec{}, err
	}
	sreg, err := p.register()
	if err != nil {
		return ExprSpec{}, err
	}
	if err := p.consume("set"); err != nil {
		return ExprSpec{}, err
	}
	name, err := p.identifier()
	if err != nil {
		return ExprSpec{}, err
	}
	params := LookupParams{Set: name, Sreg: sreg}
	if p.peek() == "dreg" {
		p.tkIdx++
		if params.Dreg, err = p.register(); err != nil {
			return ExprSpec{}, err
		}
		params.HasDreg = true
	}
	if p.peek() == "invert" {
		p.tkIdx++
		params.Invert = true
	}
	return ExprSpec{Name: "lookup", Params: params}, nil
}

// interpretCounter interprets "counter [pkts N bytes N]".
func interpretCounter(p *tokenParser) (ExprSpec, error) {
	var params CounterParams
	if p.done() {
		return ExprSpec{Name: "counter", Params: params}, nil
	}
	for _, f := range []struct {
		name string
		dst  *uint64
	}{{"pkts", &params.Packets}, {"bytes", &params.Bytes}} {
		if err := p.consume(f.name); err != nil {
			return ExprSpec{}, err
		}
		v, err := p.uint(64)
		if err != nil {
			return ExprSpec{}, err
		}
		*f.dst = v
	}
	return ExprSpec{Name: "counter", Params: params}, nil
}

// interpretLimit interprets "limit rate N/UNIT burst N type packets flags F".
func interpretLimit(p *tokenParser) (ExprSpec, error) {
	if err := p.consume("rate"); err != nil {
		return ExprSpec{}, err
	}
	tok, err := p.next()
	if err != nil {
		return ExprSpec{}, err
	}
	rateStr, unitStr, ok := strings.Cut(tok, "/")
	r, err := strconv.ParseUint(rateStr, 10, 64)
	if !ok || err != nil {
		return ExprSpec{}, p.syntaxError("invalid limit rate: '%s'", tok)
	}
	unit, err := ParseLimitUnit(unitStr)
	if err != nil {
		return ExprSpec{}, p.logicError(err)
	}
	if err := p.consume("burst"); err != nil {
		return ExprSpec{}, err
	}
	burst, err := p.uint(32)
	if err != nil {
		return ExprSpec{}, err
	}
	params := LimitParams{Rate: r, Unit: unit, Burst: uint32(burst)}
	if p.peek() == "type" {
		p.tkIdx++
		if err := p.consume("packets"); err != nil {
			return ExprSpec{}, err
		}
	}
	if p.peek() == "flags" {
		p.tkIdx++
		flags, err := p.uint(32)
		if err != nil {
			return ExprSpec{}, err
		}
		params.Over = flags&1 != 0
	}
	return ExprSpec{Name: "limit", Params: params}, nil
}

// interpretLast interprets "last [never | Nms]". The recorded time is runtime
// state and is not restored.
func interpretLast(p *tokenParser) (ExprSpec, error) {
	if !p.done() {
		if tok := p.peek(); tok != "never" && !strings.HasSuffix(tok, "ms") {
			return ExprSpec{}, p.syntaxError("invalid last state: '%s'", tok)
		}
		p.tkIdx++
	}
	return ExprSpec{Name: "last"}, nil
}

// interpretBitwise interprets "bitwise reg D = ( reg S & MASK ) ^ XOR".
func interpretBitwise(p *tokenParser) (ExprSpec, error) {
	if err := p.consume("reg"); err != nil {
		return ExprSpec{}, err
	}
	dreg, err := p.register()
	if err != nil {
		return ExprSpec{}, err
	}
	for _, want := range []string{"=", "(", "reg"} {
		if err := p.consume(want); err != nil {
			return ExprSpec{}, err
		}
	}
	sreg, err := p.register()
	if err != nil {
		return ExprSpec{}, err
	}
	if err := p.consume("&"); err != nil {
		return ExprSpec{}, err
	}
	mask, err := p.hexData()
	if err != nil {
		return ExprSpec{}, err
	}
	for _, want := range []string{")", "^"} {
		if err := p.consume(want); err != nil {
			return ExprSpec{}, err
		}
	}
	xor, err := p.hexData()
	if err != nil {
		return ExprSpec{}, err
	}
	return ExprSpec{Name: "bitwise", Params: BitwiseParams{Sreg: sreg, Dreg: dreg, Mask: mask, Xor: xor}}, nil
}

var byteorderRegexp = regexp.MustCompile(`^(\w+)\(reg (\d+), (\d+), (\d+)\)$`)

// interpretByteorder interprets "byteorder reg D = OP(reg S, SIZE, LEN)".
func interpretByteorder(p *tokenParser) (ExprSpec, error) {
	if err := p.consume("reg"); err != nil {
		return ExprSpec{}, err
	}
	dreg, err := p.register()
	if err != nil {
		return ExprSpec{}, err
	}
	if err := p.consume("="); err != nil {
		return ExprSpec{}, err
	}
	start := p.tkIdx
	rest := strings.Join(p.tokens[start:], " ")
	p.tkIdx = len(p.tokens)
	m := byteorderRegexp.FindStringSubmatch(rest)
	if m == nil {
		return ExprSpec{}, &SyntaxError{p.lnIdx, start, fmt.Sprintf("invalid byteorder operation: '%s'", rest)}
	}
	bop, err := ParseByteorderOp(m[1])
	if err != nil {
		return ExprSpec{}, &LogicError{p.lnIdx, start, err}
	}
	sreg, err := parseRegister(m[2], p.lnIdx, start)
	if err != nil {
		return ExprSpec{}, err
	}
	size, _ := strconv.Atoi(m[3])
	blen, _ := strconv.Atoi(m[4])
	return ExprSpec{Name: "byteorder", Params: ByteorderParams{Sreg: sreg, Dreg: dreg, Op: bop, Len: blen, Size: size}}, nil
}

//
// Interpreter Helper Functions.
//

// tokenParser walks the tokens of one line.
type tokenParser struct {
	tokens []string
	lnIdx  int
	tkIdx  int
}

// done returns whether all tokens were consumed.
func (p *tokenParser) done() bool {
	return p.tkIdx >= len(p.tokens)
}

// peek returns the next token without consuming it, or "" at the end.
func (p *tokenParser) peek() string {
	if p.done() {
		return ""
	}
	return p.tokens[p.tkIdx]
}

// next consumes and returns the next token.
func (p *tokenParser) next() (string, error) {
	if p.done() {
		return "", p.syntaxError("unexpected end of expression")
	}
	p.tkIdx++
	return p.tokens[p.tkIdx-1], nil
}

// consume consumes the next token, which must be the expected string.
func (p *tokenParser) consume(expected string) error {
	if tok := p.peek(); tok != expected {
		return p.syntaxError("unexpected string: '%s', want '%s'", tok, expected)
	}
	p.tkIdx++
	return nil
}

func (p *tokenParser) syntaxError(format string, args ...any) error {
	return &SyntaxError{p.lnIdx, p.tkIdx, fmt.Sprintf(format, args...)}
}

// logicError reports err at the last consumed token.
func (p *tokenParser) logicError(err error) error {
	return &LogicError{p.lnIdx, p.tkIdx - 1, err}
}

// uint consumes a decimal unsigned integer of the given bit size.
func (p *tokenParser) uint(bitSize int) (uint64, error) {
	tok, err := p.next()
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(tok, 0, bitSize)
	if err != nil {
		return 0, &SyntaxError{p.lnIdx, p.tkIdx - 1, fmt.Sprintf("could not parse uint%d: '%s'", bitSize, tok)}
	}
	return v, nil
}

// register consumes a register index.
func (p *tokenParser) register() (Register, error) {
	tok, err := p.next()
	if err != nil {
		return 0, err
	}
	return parseRegister(tok, p.lnIdx, p.tkIdx-1)
}

// identifier consumes an identifier.
func (p *tokenParser) identifier() (string, error) {
	tok, err := p.next()
	if err != nil {
		return "", err
	}
	if err := validateIdentifier(tok, p.lnIdx, p.tkIdx-1); err != nil {
		return "", err
	}
	return tok, nil
}

// parseRegister parses the register index from the given string.
func parseRegister(regString string, lnIdx int, tkIdx int) (Register, error) {
	reg64, err := strconv.ParseUint(regString, 10, 8)
	if err != nil {
		return 0, &SyntaxError{lnIdx, tkIdx, fmt.Sprintf("could not parse uint8 register index: '%s'", regString)}
	}
	if Register(reg64) > MaxRegister {
		return 0, &SyntaxError{lnIdx, tkIdx, fmt.Sprintf("invalid register index: %d", reg64)}
	}
	return Register(reg64), nil
}

// verdict consumes a verdict: its name, followed by "-> CHAIN" for jump and
// goto, or by the queue number for queue.
func (p *tokenParser) verdict() (VerdictSpec, error) {
	tok, err := p.next()
	if err != nil {
		return VerdictSpec{}, err
	}
	var v VerdictSpec
	found := false
	for code, name := range verdictCodeStrings {
		if name == tok {
			v.Code, found = code, true
		}
	}
	if !found {
		return v, &SyntaxError{p.lnIdx, p.tkIdx - 1, fmt.Sprintf("invalid verdict: '%s'", tok)}
	}

	switch v.Code {
	case VerdictJump, VerdictGoto:
		// jump and goto verdicts require 2 more tokens to specify the target
		// chain: "->", chain name.
		if err := p.consume("->"); err != nil {
			return v, err
		}
		if v.Chain, err = p.identifier(); err != nil {
			return v, err
		}
	case VerdictQueue:
		num, err := p.uint(16)
		if err != nil {
			return v, err
		}
		v.Code = QueueVerdict(uint16(num)).Code
	}
	return v, nil
}

// hexData consumes hexadecimal words of 1 to 4 bytes each, as printed in rule
// dumps, and returns their concatenation.
func (p *tokenParser) hexData() ([]byte, error) {
	var bytes []byte
	start := p.tkIdx
	for ; !p.done() && strings.HasPrefix(p.peek(), "0x"); p.tkIdx++ {
		digits := p.peek()[2:]
		if len(digits) == 0 || len(digits) > 2*registerWord || len(digits)%2 != 0 {
			return nil, p.syntaxError("hexadecimal data must have 2 to 8 digits in pairs (excluding 0x): '%s'", p.peek())
		}
		word, err := hex.DecodeString(digits)
		if err != nil {
			return nil, p.syntaxError("could not decode hexadecimal data: '%s'", p.peek())
		}
		bytes = append(bytes, word...)
	}
	if p.tkIdx == start {
		return nil, p.syntaxError("invalid register data: '%s'", p.peek())
	}
	if len(bytes) > RegisterSize {
		return nil, &SyntaxError{p.lnIdx, start, fmt.Sprintf("cannot have more than %d bytes of hexadecimal data, got %d", RegisterSize, len(bytes))}
	}
	return bytes, nil
}
