package configkit

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	uber "go.uber.org/config"
)

// Requirement names a config subtree and the Go type it populates.
type Requirement struct {
	Key  string
	Type string
}

var (
	knownMu sync.Mutex
	known   = map[string]reflect.Type{}
)

// RegisterKnown records the config type for key so that Check can validate
// it without importing the owning kit. Kits call it from init:
//
//	configkit.RegisterKnown("http", (*httpkit.Config)(nil))
func RegisterKnown(key string, sample any) {
	if sample == nil {
		return
	}
	register(key, reflect.TypeOf(sample))
}

func register(key string, t reflect.Type) {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	knownMu.Lock()
	known[key] = t
	knownMu.Unlock()
}

// KnownType returns the type registered for key.
func KnownType(key string) (reflect.Type, bool) {
	knownMu.Lock()
	defer knownMu.Unlock()
	t, ok := known[key]
	return t, ok
}

// Known lists registered subtrees sorted by key.
func Known() []Requirement {
	knownMu.Lock()
	defer knownMu.Unlock()
	out := make([]Requirement, 0, len(known))
	for k, t := range known {
		out = append(out, Requirement{Key: k, Type: typeName(t)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// ResetKnownForTests empties the registry.
func ResetKnownForTests() {
	knownMu.Lock()
	known = map[string]reflect.Type{}
	knownMu.Unlock()
}

// CheckResult is the outcome of validating one registered subtree.
type CheckResult struct {
	Key     string
	Type    string
	OK      bool
	Err     error
	Issues  []string // "yaml.path: rule"
	Unknown []string // keys present in YAML but not in the struct
}

// Check populates and validates every registered subtree from p with the
// rules ProvideFromKey applies. Unknown keys, which ProvideFromKey rejects,
// are reported in Unknown instead of Err.
func Check(p *uber.YAML) []CheckResult {
	knownMu.Lock()
	keys := make([]string, 0, len(known))
	types := make(map[string]reflect.Type, len(known))
	for k, t := range known {
		keys = append(keys, k)
		types[k] = t
	}
	knownMu.Unlock()
	sort.Strings(keys)

	out := make([]CheckResult, 0, len(keys))
	for _, key := range keys {
		t := types[key]
		res := CheckResult{Key: key, Type: typeName(t)}

		var raw any
		if err := p.Get(key).Populate(&raw); err != nil {
			res.Err = err
		} else {
			v := reflect.New(t)
			res.Err = populatePermissive(raw, v.Interface())
			if res.Err == nil {
				if err := validate.Struct(v.Interface()); err != nil {
					res.Err = err
					res.Issues = issues(err)
				}
			}
			res.Unknown = unknownKeys(raw, t, key)
		}
		res.OK = res.Err == nil && len(res.Unknown) == 0
		out = append(out, res)
	}
	return out
}

// populatePermissive decodes raw into v ignoring fields v does not declare.
func populatePermissive(raw, v any) error {
	p, err := uber.NewYAML(uber.Static(raw), uber.Permissive())
	if err != nil {
		return err
	}
	return p.Get(uber.Root).Populate(v)
}

func typeName(t reflect.Type) string {
	pkg := t.PkgPath()
	if i := strings.LastIndex(pkg, "/"); i >= 0 {
		pkg = pkg[i+1:]
	}
	if pkg == "" {
		return t.Name()
	}
	return pkg + "." + t.Name()
}

func issues(err error) []string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}
	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		// Drop the root type name and inline structs from the namespace.
		segs := strings.Split(fe.Namespace(), ".")[1:]
		path := make([]string, 0, len(segs))
		for _, s := range segs {
			if s != inlineSegment {
				path = append(path, s)
			}
		}
		out = append(out, fmt.Sprintf("%s: %s", strings.Join(path, "."), fe.Tag()))
	}
	return out
}

// unknownKeys walks raw against t and returns dotted paths with no matching
// yaml field. Maps, slices and non-struct leaves are not descended into.
func unknownKeys(raw any, t reflect.Type, prefix string) []string {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil
	}
	m := stringKeys(raw)
	if m == nil {
		return nil
	}
	fields := yamlFields(t)

	var out []string
	for name, v := range m {
		path := prefix + "." + name
		ft, ok := fields[name]
		if !ok {
			out = append(out, path)
			continue
		}
		out = append(out, unknownKeys(v, ft, path)...)
	}
	sort.Strings(out)
	return out
}

func stringKeys(raw any) map[string]any {
	switch m := raw.(type) {
	case map[string]any:
		return m
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[fmt.Sprint(k)] = v
		}
		return out
	}
	return nil
}

// yamlFields maps yaml names to field types, flattening inline structs.
func yamlFields(t reflect.Type) map[string]reflect.Type {
	out := map[string]reflect.Type{}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() && !f.Anonymous {
			continue
		}
		parts := strings.Split(f.Tag.Get("yaml"), ",")
		name := parts[0]
		if name == "-" {
			continue
		}
		inline := false
		for _, p := range parts[1:] {
			inline = inline || p == "inline"
		}
		if inline && f.Type.Kind() == reflect.Struct {
			for k, v := range yamlFields(f.Type) {
				out[k] = v
			}
			continue
		}
		if name == "" {
			name = strings.ToLower(f.Name)
		}
		out[name] = f.Type
	}
	return out
}
