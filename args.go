package launchdarkly

import (
	"fmt"
	"sort"

	"github.com/andre-paraense/launchdarkly-flutter/internal/domain"
)

// args reads host arguments. Missing or mistyped fields decode to their
// zero value: "", false, 0, or an empty map.
type args map[string]any

func (a args) has(name string) bool {
	v, ok := a[name]
	return ok && v != nil
}

func (a args) value(name string) any {
	return a[name]
}

func (a args) str(name string) string {
	switch v := a[name].(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return ""
	}
}

func (a args) boolean(name string) bool {
	v, _ := a[name].(bool)
	return v
}

func (a args) number(name string) float64 {
	n, _ := domain.ValueOf(a[name]).NumberValue()
	return n
}

func (a args) integer(name string) int {
	n, _ := domain.ValueOf(a[name]).IntValue()
	return n
}

func (a args) mapping(name string) map[string]any {
	switch v := a[name].(type) {
	case map[string]any:
		return v
	case map[any]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			if s, ok := k.(string); ok {
				out[s] = val
			}
		}
		return out
	default:
		return map[string]any{}
	}
}

func (a args) list(name string) []string {
	switch v := a[name].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// secondaryKeyAlias is the name some hosts use for the secondary attribute.
const secondaryKeyAlias = "secondaryKey"

// identity builds the identity described by userKey, anonymous, user,
// custom and privateAttributes. A missing userKey yields an anonymous
// identity with a generated key.
func (a args) identity() domain.Identity {
	b := domain.NewIdentityBuilder(a.str(ArgUserKey))
	if a.has(ArgAnonymous) {
		b.Anonymous(a.boolean(ArgAnonymous))
	}

	user := args(a.mapping(ArgUser))
	for _, name := range domain.BuiltInAttributes {
		if user.has(name) {
			b.Set(name, user.value(name))
		}
	}
	if !user.has(domain.AttributeSecondary) && user.has(secondaryKeyAlias) {
		b.Set(domain.AttributeSecondary, user.value(secondaryKeyAlias))
	}

	custom := a.mapping(ArgCustom)
	names := make([]string, 0, len(custom))
	for name := range custom {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if custom[name] != nil {
			b.Set(name, custom[name])
		}
	}

	b.Private(a.list(ArgPrivateAttributes)...)
	return b.Build()
}
