// Copyright 2023 The Codeclash Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package flags derives command line flags from the yaml tags of a config
// struct tree, so every yaml setting has a matching "--section.key" override.
// Nested structs produce dot-separated flag names; slices of strings may be
// given multiple times to accumulate values.
package flags

import (
	"flag"
	"fmt"
	"reflect"
	"strings"
)

// FlagMakingOptions control how flag names and usage strings are derived.
type FlagMakingOptions struct {
	// Lower-case the derived flag names.
	UseLowerCase bool
	// When true, nested fields are registered without their parent prefix.
	Flatten bool
	// Struct tag to read the flag name from, typically "yaml".
	TagName string
	// Struct tag to read the usage description from.
	TagUsage string
}

// FlagMaker walks the exported fields of a struct recursively and registers
// a flag for every scalar or string-slice field it finds.
type FlagMaker struct {
	opts *FlagMakingOptions
	fs   *flag.FlagSet
}

// NewFlagMakerFlagSet creates a FlagMaker registering onto the given flag set.
func NewFlagMakerFlagSet(options *FlagMakingOptions, fs *flag.FlagSet) *FlagMaker {
	return &FlagMaker{
		opts: options,
		fs:   fs,
	}
}

// ParseArgs registers flags for obj's fields and parses args against them.
// obj must be a non-nil pointer to a struct. It returns the remaining
// non-flag arguments.
func (fm *FlagMaker) ParseArgs(obj interface{}, args []string) ([]string, error) {
	v := reflect.ValueOf(obj)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return args, fmt.Errorf("configuration object must be a non-nil pointer, got %v", v.Type())
	}
	e := v.Elem()
	if e.Kind() != reflect.Struct {
		return args, fmt.Errorf("configuration object must point to a struct, got %v", v.Type())
	}

	fm.walk("", e)

	if err := fm.fs.Parse(args); err != nil {
		return args, err
	}
	return fm.fs.Args(), nil
}

func (fm *FlagMaker) walk(prefix string, value reflect.Value) {
	t := value.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.PkgPath != "" {
			// Unexported.
			continue
		}

		name := fm.fieldName(field)
		if name == "-" {
			continue
		}
		if !fm.opts.Flatten && prefix != "" {
			name = prefix + "." + name
		}
		usage := field.Tag.Get(fm.opts.TagUsage)

		fv := value.Field(i)
		switch fv.Kind() {
		case reflect.Ptr:
			if fv.IsNil() || fv.Elem().Kind() != reflect.Struct {
				continue
			}
			fm.walk(name, fv.Elem())
		case reflect.Struct:
			fm.walk(name, fv)
		default:
			fm.defineFlag(name, fv, usage)
		}
	}
}

func (fm *FlagMaker) fieldName(field reflect.StructField) string {
	name := field.Name
	if tagged, ok := field.Tag.Lookup(fm.opts.TagName); ok {
		// Trim tag options such as ",omitempty".
		if idx := strings.Index(tagged, ","); idx >= 0 {
			tagged = tagged[:idx]
		}
		if tagged != "" {
			name = tagged
		}
	}
	if fm.opts.UseLowerCase {
		name = strings.ToLower(name)
	}
	return name
}

func (fm *FlagMaker) defineFlag(name string, value reflect.Value, usage string) {
	if !value.CanAddr() {
		return
	}
	switch ptr := value.Addr().Interface().(type) {
	case *string:
		fm.fs.StringVar(ptr, name, *ptr, usage)
	case *bool:
		fm.fs.BoolVar(ptr, name, *ptr, usage)
	case *int:
		fm.fs.IntVar(ptr, name, *ptr, usage)
	case *int64:
		fm.fs.Int64Var(ptr, name, *ptr, usage)
	case *uint:
		fm.fs.UintVar(ptr, name, *ptr, usage)
	case *uint64:
		fm.fs.Uint64Var(ptr, name, *ptr, usage)
	case *float64:
		fm.fs.Float64Var(ptr, name, *ptr, usage)
	case *[]string:
		fm.fs.Var(newStringSlice(ptr), name, usage)
	default:
		// Maps and other composite types have no flag form; yaml only.
	}
}

// strSlice accumulates repeated occurrences of a string flag. The first Set
// replaces the default value instead of appending to it.
type strSlice struct {
	set bool
	p   *[]string
}

func newStringSlice(p *[]string) *strSlice {
	return &strSlice{p: p}
}

func (s *strSlice) Set(str string) error {
	if !s.set {
		*s.p = (*s.p)[:0]
		s.set = true
	}
	*s.p = append(*s.p, str)
	return nil
}

func (s *strSlice) String() string {
	if s.p == nil {
		return ""
	}
	return strings.Join(*s.p, ",")
}
