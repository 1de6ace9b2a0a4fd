// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"flag"
	"fmt"
	"reflect"
	"strconv"

	"github.com/BurntSushi/toml"
	"gvisor.dev/rst/pkg/sentry/rst"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("config", "", "TOML file with settings. Flags given on the command line take precedence.")

	// Flags that control where the tree is restored.
	flagSet.String("root", "/", "host directory that recorded paths are resolved under.")
	flagSet.String("scratch-dir", "", "directory for recreated deleted files whose own directory is unusable. Defaults to the system temporary directory.")
	flagSet.String("lock-file", "", "file locked for the duration of the restore.")

	// Flags that control how strictly state must be reproduced.
	flagSet.Bool("strict", false, "fail on attributes that cannot be reproduced exactly instead of logging them.")
	flagSet.Bool("allow-hardlinked", false, "restore deleted files through a surviving hard link.")

	// Flags that control lazily restored memory.
	flagSet.Var(lazyPolicyPtr(rst.LazyFault), "lazy", "lazy page policy: fault (default) reads pages on first touch, eager reads them during restore.")
	flagSet.String("page-store", "", "file that lazy pages are read from.")
}

// NewFromFlags creates a new Config with values coming from the given flag
// set, overlaid on the TOML file named by --config if there is one.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}
	if err := setFromFlags(conf, flagSet, func(string) bool { return true }); err != nil {
		return nil, err
	}
	if conf.File != "" {
		if _, err := toml.DecodeFile(conf.File, conf); err != nil {
			return nil, fmt.Errorf("reading %q: %w", conf.File, err)
		}
		set := make(map[string]bool)
		flagSet.Visit(func(f *flag.Flag) { set[f.Name] = true })
		if err := setFromFlags(conf, flagSet, func(name string) bool { return set[name] }); err != nil {
			return nil, err
		}
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// setFromFlags copies the flags selected by use into the tagged fields of
// conf.
func setFromFlags(conf *Config, flagSet *flag.FlagSet, use func(name string) bool) error {
	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok || !use(name) {
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		getter, ok := fl.Value.(flag.Getter)
		if !ok {
			return fmt.Errorf("flag %q cannot be read back", name)
		}
		obj.Field(i).Set(reflect.ValueOf(getter.Get()))
	}
	return nil
}

// ToFlags returns a slice of flags that correspond to the given Config.
// Settings at their default value are omitted.
func (c *Config) ToFlags() []string {
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	var rv []string
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			continue
		}
		val := getVal(obj.Field(i))
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if val == fl.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", name, val))
	}
	return rv
}

func getVal(field reflect.Value) string {
	if str, ok := field.Addr().Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}

type lazyPolicy rst.LazyPolicy

func lazyPolicyPtr(p rst.LazyPolicy) *lazyPolicy {
	v := lazyPolicy(p)
	return &v
}

// Set implements flag.Value.Set.
func (p *lazyPolicy) Set(v string) error {
	l, err := rst.ParseLazyPolicy(v)
	if err != nil {
		return err
	}
	*p = lazyPolicy(l)
	return nil
}

// Get implements flag.Getter.Get.
func (p *lazyPolicy) Get() any {
	return rst.LazyPolicy(*p)
}

// String implements flag.Value.String.
func (p *lazyPolicy) String() string {
	return rst.LazyPolicy(*p).String()
}
