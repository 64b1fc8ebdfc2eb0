package types

import (
	"fmt"
	"strconv"
)

// ValueKind tags the concrete type carried by a Value.
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindInt
	KindFloat
	KindString
	KindBool
)

func (k ValueKind) String() string {
	switch k {
	case KindNull:
		return "Null"
	case KindInt:
		return "Int"
	case KindFloat:
		return "Float"
	case KindString:
		return "String"
	case KindBool:
		return "Bool"
	}
	return "Unknown"
}

// Value is one cell of a row. The struct layout keeps row batches
// gob-encodable without interface registration.
type Value struct {
	Kind  ValueKind
	Int   int64
	Float float64
	Str   string
	Bool  bool
}

func NullValue() Value            { return Value{Kind: KindNull} }
func IntValue(v int64) Value      { return Value{Kind: KindInt, Int: v} }
func FloatValue(v float64) Value  { return Value{Kind: KindFloat, Float: v} }
func StringValue(v string) Value  { return Value{Kind: KindString, Str: v} }
func BoolValue(v bool) Value      { return Value{Kind: KindBool, Bool: v} }

func (v Value) String() string {
	switch v.Kind {
	case KindNull:
		return "NULL"
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	case KindFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case KindString:
		return v.Str
	case KindBool:
		if v.Bool {
			return TrueStr
		}
		return FalseStr
	}
	return fmt.Sprintf("Value(kind=%d)", v.Kind)
}

const (
	TrueStr  = "true"
	FalseStr = "false"
)

// Row is one row of a table, cells ordered by the table's column order.
type Row []Value
