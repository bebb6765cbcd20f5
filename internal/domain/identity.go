package domain

import (
	"sort"

	"github.com/google/uuid"
)

// Built-in identity attribute names understood by the remote service.
const (
	AttributeSecondary = "secondary"
	AttributeIP        = "ip"
	AttributeEmail     = "email"
	AttributeName      = "name"
	AttributeFirstName = "firstName"
	AttributeLastName  = "lastName"
	AttributeAvatar    = "avatar"
	AttributeCountry   = "country"
)

// BuiltInAttributes lists the built-in attribute names in their canonical order.
var BuiltInAttributes = []string{
	AttributeSecondary,
	AttributeIP,
	AttributeEmail,
	AttributeName,
	AttributeFirstName,
	AttributeLastName,
	AttributeAvatar,
	AttributeCountry,
}

// IsBuiltInAttribute reports whether name is one of BuiltInAttributes.
func IsBuiltInAttribute(name string) bool {
	for _, builtIn := range BuiltInAttributes {
		if builtIn == name {
			return true
		}
	}
	return false
}

// Attribute is one named identity attribute.
type Attribute struct {
	Name  string
	Value FlagValue
}

// Identity is the evaluation context flags are evaluated against. It is
// immutable; use IdentityBuilder to make a new one.
type Identity struct {
	key        string
	anonymous  bool
	attributes []Attribute
	private    map[string]struct{}
}

func (i Identity) Key() string { return i.key }

func (i Identity) Anonymous() bool { return i.anonymous }

// IsZero reports whether the identity was never built.
func (i Identity) IsZero() bool { return i.key == "" }

// Attributes returns the attributes in insertion order.
func (i Identity) Attributes() []Attribute {
	out := make([]Attribute, len(i.attributes))
	copy(out, i.attributes)
	return out
}

// Attribute looks up one attribute by name.
func (i Identity) Attribute(name string) (FlagValue, bool) {
	for _, attr := range i.attributes {
		if attr.Name == name {
			return attr.Value, true
		}
	}
	return Null(), false
}

func (i Identity) IsPrivate(name string) bool {
	_, ok := i.private[name]
	return ok
}

// PrivateAttributeNames returns the private attribute names, sorted.
func (i Identity) PrivateAttributeNames() []string {
	names := make([]string, 0, len(i.private))
	for name := range i.private {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AttributeMap flattens the attributes into a plain map.
func (i Identity) AttributeMap() map[string]any {
	out := make(map[string]any, len(i.attributes))
	for _, attr := range i.attributes {
		out[attr.Name] = attr.Value.Any()
	}
	return out
}

// Equal compares key, anonymity, attributes (order-sensitive) and private names.
func (i Identity) Equal(other Identity) bool {
	if i.key != other.key || i.anonymous != other.anonymous {
		return false
	}
	if len(i.attributes) != len(other.attributes) || len(i.private) != len(other.private) {
		return false
	}
	for idx, attr := range i.attributes {
		o := other.attributes[idx]
		if attr.Name != o.Name || !attr.Value.Equal(o.Value) {
			return false
		}
	}
	for name := range i.private {
		if _, ok := other.private[name]; !ok {
			return false
		}
	}
	return true
}

// IdentityBuilder assembles an Identity.
//
// Example:
//
//	id := domain.NewIdentityBuilder("user-123").
//	    Set(domain.AttributeEmail, "a@b.c").
//	    SetPrivate("plan", "gold").
//	    Build()
type IdentityBuilder struct {
	key        string
	anonymous  bool
	attributes []Attribute
	private    map[string]struct{}
}

// NewIdentityBuilder starts an identity for key. An empty key is replaced
// by a random token at Build time and marks the identity anonymous.
func NewIdentityBuilder(key string) *IdentityBuilder {
	return &IdentityBuilder{
		key:     key,
		private: make(map[string]struct{}),
	}
}

func (b *IdentityBuilder) Anonymous(anonymous bool) *IdentityBuilder {
	b.anonymous = anonymous
	return b
}

// Set adds or replaces an attribute. Replacing keeps the original position.
func (b *IdentityBuilder) Set(name string, value any) *IdentityBuilder {
	if name == "" {
		return b
	}
	fv := ValueOf(value)
	for idx, attr := range b.attributes {
		if attr.Name == name {
			b.attributes[idx].Value = fv
			return b
		}
	}
	b.attributes = append(b.attributes, Attribute{Name: name, Value: fv})
	return b
}

// SetPrivate sets an attribute and marks it private.
func (b *IdentityBuilder) SetPrivate(name string, value any) *IdentityBuilder {
	if name == "" {
		return b
	}
	b.private[name] = struct{}{}
	return b.Set(name, value)
}

// Private marks attribute names private, whether or not they are set.
func (b *IdentityBuilder) Private(names ...string) *IdentityBuilder {
	for _, name := range names {
		if name != "" {
			b.private[name] = struct{}{}
		}
	}
	return b
}

func (b *IdentityBuilder) Build() Identity {
	id := Identity{
		key:        b.key,
		anonymous:  b.anonymous,
		attributes: make([]Attribute, len(b.attributes)),
		private:    make(map[string]struct{}, len(b.private)),
	}
	copy(id.attributes, b.attributes)
	for name := range b.private {
		id.private[name] = struct{}{}
	}

	if id.key == "" {
		id.key = uuid.NewString()
		id.anonymous = true
	}

	return id
}
