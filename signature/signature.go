// Package signature parses the compact prototype strings used to bind host
// functions and validate guest exports.
//
// A prototype is written "(params)results", one token per value:
//
//	i  32-bit integer
//	I  64-bit integer
//	f  32-bit float
//	F  64-bit float
//	*  handle or offset into guest linear memory
//	$  handle to a NUL-terminated byte sequence
//
// "(*)" takes one handle and returns nothing; "()i" returns one 32-bit
// integer. An omitted result list means no return value. Results may hold
// more than one token for guests built with multi-value returns.
package signature

import (
	"strings"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-bridge/errors"
)

// Token is a single signature value shape.
type Token byte

const (
	I32    Token = 'i'
	I64    Token = 'I'
	F32    Token = 'f'
	F64    Token = 'F'
	Ptr    Token = '*'
	String Token = '$'
)

// Valid reports whether t is part of the grammar.
func (t Token) Valid() bool {
	switch t {
	case I32, I64, F32, F64, Ptr, String:
		return true
	}
	return false
}

// ValueType returns the core value type t is lowered to.
// Handles are guest offsets and travel as i32.
func (t Token) ValueType() api.ValueType {
	switch t {
	case I64:
		return api.ValueTypeI64
	case F32:
		return api.ValueTypeF32
	case F64:
		return api.ValueTypeF64
	default:
		return api.ValueTypeI32
	}
}

// IsHandle reports whether t refers into guest memory.
func (t Token) IsHandle() bool {
	return t == Ptr || t == String
}

func (t Token) String() string {
	return string(rune(t))
}

// Signature is a parsed prototype.
type Signature struct {
	Params  []Token
	Results []Token
}

// Parse validates s against the grammar.
func Parse(s string) (Signature, error) {
	if len(s) < 2 || s[0] != '(' {
		return Signature{}, malformed(s, "prototype must start with '('")
	}
	closeIdx := strings.IndexByte(s, ')')
	if closeIdx < 0 {
		return Signature{}, malformed(s, "missing ')'")
	}

	params, err := parseTokens(s, s[1:closeIdx])
	if err != nil {
		return Signature{}, err
	}
	results, err := parseTokens(s, s[closeIdx+1:])
	if err != nil {
		return Signature{}, err
	}
	return Signature{Params: params, Results: results}, nil
}

// MustParse is like Parse but panics on malformed input.
// Use it for package-level prototypes known at compile time.
func MustParse(s string) Signature {
	sig, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return sig
}

func parseTokens(full, s string) ([]Token, error) {
	if s == "" {
		return nil, nil
	}
	tokens := make([]Token, 0, len(s))
	for i := 0; i < len(s); i++ {
		t := Token(s[i])
		if !t.Valid() {
			return nil, malformed(full, "unknown token "+strQuote(s[i]))
		}
		tokens = append(tokens, t)
	}
	return tokens, nil
}

func strQuote(b byte) string {
	return "'" + string(rune(b)) + "'"
}

func malformed(s, detail string) *errors.Error {
	return errors.New(errors.PhaseParse, errors.KindInvalidInput).
		Type(s).
		Detail("malformed signature: %s", detail).
		Build()
}

// FromValueTypes builds the signature an engine prototype implies.
// Every i32 is reported as 'i' since the engine cannot tell handles apart.
func FromValueTypes(params, results []api.ValueType) Signature {
	return Signature{Params: fromValueTypes(params), Results: fromValueTypes(results)}
}

func fromValueTypes(vts []api.ValueType) []Token {
	if len(vts) == 0 {
		return nil
	}
	tokens := make([]Token, len(vts))
	for i, vt := range vts {
		switch vt {
		case api.ValueTypeI64:
			tokens[i] = I64
		case api.ValueTypeF32:
			tokens[i] = F32
		case api.ValueTypeF64:
			tokens[i] = F64
		default:
			tokens[i] = I32
		}
	}
	return tokens
}

// String renders the canonical prototype.
func (s Signature) String() string {
	var b strings.Builder
	b.Grow(len(s.Params) + len(s.Results) + 2)
	b.WriteByte('(')
	for _, t := range s.Params {
		b.WriteByte(byte(t))
	}
	b.WriteByte(')')
	for _, t := range s.Results {
		b.WriteByte(byte(t))
	}
	return b.String()
}

// ParamTypes returns the lowered parameter value types.
func (s Signature) ParamTypes() []api.ValueType {
	return valueTypes(s.Params)
}

// ResultTypes returns the lowered result value types.
func (s Signature) ResultTypes() []api.ValueType {
	return valueTypes(s.Results)
}

func valueTypes(tokens []Token) []api.ValueType {
	if len(tokens) == 0 {
		return nil
	}
	vts := make([]api.ValueType, len(tokens))
	for i, t := range tokens {
		vts[i] = t.ValueType()
	}
	return vts
}

// Matches reports whether an engine prototype has exactly this shape once
// lowered. Arity must agree; nothing is padded or truncated.
func (s Signature) Matches(params, results []api.ValueType) bool {
	return matchLowered(s.Params, params) && matchLowered(s.Results, results)
}

func matchLowered(tokens []Token, vts []api.ValueType) bool {
	if len(tokens) != len(vts) {
		return false
	}
	for i, t := range tokens {
		if t.ValueType() != vts[i] {
			return false
		}
	}
	return true
}

// Check returns a SignatureMismatch error when the engine prototype does not
// match. name identifies the function in the error.
func (s Signature) Check(phase errors.Phase, name string, params, results []api.ValueType) error {
	if s.Matches(params, results) {
		return nil
	}
	return errors.SignatureMismatch(phase, name, s.String(), FromValueTypes(params, results).String())
}

// Arity returns the parameter and result counts.
func (s Signature) Arity() (params, results int) {
	return len(s.Params), len(s.Results)
}

// IsHandle reports whether parameter i is a memory handle.
func (s Signature) IsHandle(i int) bool {
	return i >= 0 && i < len(s.Params) && s.Params[i].IsHandle()
}

// Equal reports token-for-token equality.
func (s Signature) Equal(o Signature) bool {
	return s.String() == o.String()
}
