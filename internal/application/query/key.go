package query

import (
	"fmt"
	"net/url"
	"strings"
)

// Scope tells eviction which entries belong to the signed-in identity.
type Scope int

const (
	// ScopeUser entries are dropped at logout.
	ScopeUser Scope = iota
	// ScopePublic entries survive logout (languages, for example).
	ScopePublic
)

func (s Scope) String() string {
	if s == ScopePublic {
		return "public"
	}
	return "user"
}

// Key addresses one cache entry: a resource name plus its parameters.
type Key struct {
	Resource string
	Params   []string
	Scope    Scope
}

// NewKey builds a user-scoped key. Parameters are formatted with fmt.Sprint.
func NewKey(resource string, params ...any) Key {
	return Key{Resource: resource, Params: formatParams(params), Scope: ScopeUser}
}

// PublicKey builds a key that survives logout.
func PublicKey(resource string, params ...any) Key {
	k := NewKey(resource, params...)
	k.Scope = ScopePublic
	return k
}

// String renders the key as "resource/param1/param2".
func (k Key) String() string {
	if len(k.Params) == 0 {
		return k.Resource
	}
	return k.Resource + "/" + strings.Join(k.Params, "/")
}

// id is the cache identity of k. Parameters are escaped and the scope is
// included, so keys that render the same String never share an entry.
func (k Key) id() string {
	var b strings.Builder
	b.WriteString(k.Scope.String())
	b.WriteByte(':')
	b.WriteString(url.PathEscape(k.Resource))
	for _, p := range k.Params {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(p))
	}
	return b.String()
}

// Pattern selects keys by resource and a parameter prefix.
type Pattern struct {
	Resource string
	Params   []string
}

// Match builds a pattern. Match("lessons", 5) selects lessons/5 and
// anything below it; Match("lessons") selects every lessons key.
func Match(resource string, params ...any) Pattern {
	return Pattern{Resource: resource, Params: formatParams(params)}
}

// Matches reports whether k falls under the pattern.
func (p Pattern) Matches(k Key) bool {
	if p.Resource != k.Resource || len(p.Params) > len(k.Params) {
		return false
	}
	for i, param := range p.Params {
		if k.Params[i] != param {
			return false
		}
	}
	return true
}

func (p Pattern) String() string {
	return Key{Resource: p.Resource, Params: p.Params}.String()
}

func formatParams(params []any) []string {
	if len(params) == 0 {
		return nil
	}
	out := make([]string, len(params))
	for i, p := range params {
		out[i] = fmt.Sprint(p)
	}
	return out
}
