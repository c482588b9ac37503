package earthengine

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Expression is a serialized computation graph. Result names the entry of
// Values that the backend evaluates.
type Expression struct {
	Values map[string]ValueNode `json:"values"`
	Result string               `json:"result"`
}

// ValueNode is one node of the graph. Exactly one field is set.
type ValueNode struct {
	ConstantValue           json.RawMessage     `json:"constantValue,omitempty"`
	FunctionInvocationValue *FunctionInvocation `json:"functionInvocationValue,omitempty"`
	FunctionDefinitionValue *FunctionDefinition `json:"functionDefinitionValue,omitempty"`
	ArgumentReference       string              `json:"argumentReference,omitempty"`
	ValueReference          string              `json:"valueReference,omitempty"`
	DictionaryValue         *DictionaryValue    `json:"dictionaryValue,omitempty"`
	ArrayValue              *ArrayValue         `json:"arrayValue,omitempty"`
}

type FunctionInvocation struct {
	FunctionName string               `json:"functionName"`
	Arguments    map[string]ValueNode `json:"arguments,omitempty"`
}

// FunctionDefinition is a lambda; Body is the key of its result in Expression.Values.
type FunctionDefinition struct {
	ArgumentNames []string `json:"argumentNames"`
	Body          string   `json:"body"`
}

type DictionaryValue struct {
	Values map[string]ValueNode `json:"values"`
}

type ArrayValue struct {
	Values []ValueNode `json:"values"`
}

// Constant wraps a JSON-encodable Go value. It panics on values that cannot
// be encoded, which only happens for programmer errors (channels, funcs).
func Constant(v any) ValueNode {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("earthengine: constant %T not encodable: %v", v, err))
	}
	return ValueNode{ConstantValue: raw}
}

// RawConstant embeds pre-encoded JSON, e.g. GeoJSON coordinates.
func RawConstant(raw json.RawMessage) ValueNode {
	return ValueNode{ConstantValue: raw}
}

// Null is the constant null.
func Null() ValueNode {
	return ValueNode{ConstantValue: json.RawMessage("null")}
}

func Invoke(name string, args map[string]ValueNode) ValueNode {
	return ValueNode{FunctionInvocationValue: &FunctionInvocation{FunctionName: name, Arguments: args}}
}

func ArgRef(name string) ValueNode {
	return ValueNode{ArgumentReference: name}
}

func Dictionary(values map[string]ValueNode) ValueNode {
	return ValueNode{DictionaryValue: &DictionaryValue{Values: values}}
}

// Graph accumulates named values while an expression is built.
type Graph struct {
	values map[string]ValueNode
	next   int
}

func NewGraph() *Graph {
	return &Graph{values: make(map[string]ValueNode)}
}

// Add stores a node and returns the key it can be referenced by.
func (g *Graph) Add(n ValueNode) string {
	key := strconv.Itoa(g.next)
	g.next++
	g.values[key] = n
	return key
}

// Lambda stores body under a fresh key and returns a one-argument function
// definition referring to it.
func (g *Graph) Lambda(argName string, body ValueNode) ValueNode {
	key := g.Add(body)
	return ValueNode{FunctionDefinitionValue: &FunctionDefinition{
		ArgumentNames: []string{argName},
		Body:          key,
	}}
}

// Expression finalizes the graph with result as its output.
func (g *Graph) Expression(result ValueNode) Expression {
	key := g.Add(result)
	return Expression{Values: g.values, Result: key}
}
