// Package wasmtest assembles minimal Extism guest modules for tests.
//
// A module built here has no memory of its own. Each export writes its
// strings into Extism memory through the kernel imports, sends its log lines
// to env.host_log, and then sets either its output or an error.
package wasmtest

import (
	"encoding/json"
	"sort"
)

// Export is the fixed behaviour of one module export.
type Export struct {
	// Logs are sent to env.host_log in order.
	Logs []string
	// Output is written with output_set when non-empty.
	Output string
	// Error is written with error_set when non-empty; the export then returns 1.
	Error string
}

// Module returns the bytes of a module exporting each named function as
// () -> i32.
func Module(exports map[string]Export) []byte {
	names := make([]string, 0, len(exports))
	for name := range exports {
		names = append(names, name)
	}
	sort.Strings(names)

	var b []byte
	b = append(b, 0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00)

	b = section(b, secType, vector(len(types), func(out []byte, i int) []byte {
		t := types[i]
		out = append(out, 0x60)
		out = appendU32(out, uint32(len(t.params)))
		out = append(out, t.params...)
		out = appendU32(out, uint32(len(t.results)))
		return append(out, t.results...)
	}))

	b = section(b, secImport, vector(len(imports), func(out []byte, i int) []byte {
		imp := imports[i]
		out = appendName(out, imp.module)
		out = appendName(out, imp.name)
		out = append(out, 0x00)
		return appendU32(out, imp.typ)
	}))

	b = section(b, secFunction, vector(len(names), func(out []byte, _ int) []byte {
		return appendU32(out, typeExport)
	}))

	b = section(b, secExport, vector(len(names), func(out []byte, i int) []byte {
		out = appendName(out, names[i])
		out = append(out, 0x00)
		return appendU32(out, uint32(len(imports)+i))
	}))

	b = section(b, secCode, vector(len(names), func(out []byte, i int) []byte {
		body := exportBody(exports[names[i]])
		out = appendU32(out, uint32(len(body)))
		return append(out, body...)
	}))
	return b
}

// Plugin describes one manifest entry.
type Plugin struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Scriptable  bool   `json:"scriptable,omitempty"`
}

// Manifest returns the plugin_manifest export for plugins.
func Manifest(plugins ...Plugin) Export {
	data, err := json.Marshal(map[string][]Plugin{"plugins": plugins})
	if err != nil {
		panic(err)
	}
	return Export{Output: string(data)}
}

// Result returns a plugin_execute_command export answering every command
// with result, or with errMsg when it is non-empty.
func Result(result, errMsg string) Export {
	data, err := json.Marshal(struct {
		Result string `json:"result,omitempty"`
		Error  string `json:"error,omitempty"`
	}{result, errMsg})
	if err != nil {
		panic(err)
	}
	return Export{Output: string(data)}
}

// Commands returns a plugin_commands export listing names.
func Commands(names ...string) Export {
	data, err := json.Marshal(names)
	if err != nil {
		panic(err)
	}
	return Export{Output: string(data)}
}

const (
	secType     = 1
	secImport   = 2
	secFunction = 3
	secExport   = 7
	secCode     = 10

	valI32 = 0x7f
	valI64 = 0x7e

	opEnd      = 0x0b
	opCall     = 0x10
	opLocalGet = 0x20
	opLocalSet = 0x21
	opI32Const = 0x41
	opI64Const = 0x42
	opI64Add   = 0x7c
)

type funcType struct {
	params  []byte
	results []byte
}

// Type indexes into types.
const (
	typeAlloc     = 0 // (i64) -> i64
	typeStoreU8   = 1 // (i64, i32) -> ()
	typeOutputSet = 2 // (i64, i64) -> ()
	typeOffset    = 3 // (i64) -> ()
	typeExport    = 4 // () -> i32
)

var types = []funcType{
	typeAlloc:     {params: []byte{valI64}, results: []byte{valI64}},
	typeStoreU8:   {params: []byte{valI64, valI32}},
	typeOutputSet: {params: []byte{valI64, valI64}},
	typeOffset:    {params: []byte{valI64}},
	typeExport:    {results: []byte{valI32}},
}

type importFunc struct {
	module, name string
	typ          uint32
}

// Function indexes into imports.
const (
	fnAlloc     = 0
	fnStoreU8   = 1
	fnOutputSet = 2
	fnErrorSet  = 3
	fnHostLog   = 4
)

var imports = []importFunc{
	fnAlloc:     {"extism:host/env", "alloc", typeAlloc},
	fnStoreU8:   {"extism:host/env", "store_u8", typeStoreU8},
	fnOutputSet: {"extism:host/env", "output_set", typeOutputSet},
	fnErrorSet:  {"extism:host/env", "error_set", typeOffset},
	fnHostLog:   {"env", "host_log", typeOffset},
}

// exportBody encodes the locals and instructions of one export. Local 0 holds
// the Extism offset of the string being written.
func exportBody(e Export) []byte {
	code := []byte{0x01, 0x01, valI64}
	for _, line := range e.Logs {
		code = writeString(code, line)
		code = append(code, opLocalGet, 0x00, opCall, fnHostLog)
	}
	if e.Output != "" {
		code = writeString(code, e.Output)
		code = append(code, opLocalGet, 0x00, opI64Const)
		code = appendS64(code, int64(len(e.Output)))
		code = append(code, opCall, fnOutputSet)
	}
	status := int64(0)
	if e.Error != "" {
		code = writeString(code, e.Error)
		code = append(code, opLocalGet, 0x00, opCall, fnErrorSet)
		status = 1
	}
	code = append(code, opI32Const)
	code = appendS64(code, status)
	return append(code, opEnd)
}

// writeString allocates len(s) bytes of Extism memory into local 0 and
// stores s there byte by byte.
func writeString(code []byte, s string) []byte {
	code = append(code, opI64Const)
	code = appendS64(code, int64(len(s)))
	code = append(code, opCall, fnAlloc, opLocalSet, 0x00)
	for i := 0; i < len(s); i++ {
		code = append(code, opLocalGet, 0x00, opI64Const)
		code = appendS64(code, int64(i))
		code = append(code, opI64Add, opI32Const)
		code = appendS64(code, int64(s[i]))
		code = append(code, opCall, fnStoreU8)
	}
	return code
}

func section(b []byte, id byte, payload []byte) []byte {
	b = append(b, id)
	b = appendU32(b, uint32(len(payload)))
	return append(b, payload...)
}

func vector(n int, item func(out []byte, i int) []byte) []byte {
	out := appendU32(nil, uint32(n))
	for i := 0; i < n; i++ {
		out = item(out, i)
	}
	return out
}

func appendName(b []byte, s string) []byte {
	b = appendU32(b, uint32(len(s)))
	return append(b, s...)
}

// appendU32 appends v as unsigned LEB128.
func appendU32(b []byte, v uint32) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(b, c)
		}
		b = append(b, c|0x80)
	}
}

// appendS64 appends v as signed LEB128.
func appendS64(b []byte, v int64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0) {
			return append(b, c)
		}
		b = append(b, c|0x80)
	}
}
