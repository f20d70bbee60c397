// Package tagged encodes closed sets of payload variants as a stable string
// tag plus a JSON body.
//
// A variant set is a Go interface implemented by pointer-to-struct types. The
// codec is built from nil prototypes of every variant:
//
//	codec := tagged.NewCodec[AccountEvent](
//		(*AccountInitialized)(nil),
//		(*AccountFrozen)(nil),
//	)
//
// Tags come from the variant's EventType method, which must not depend on the
// receiver's fields.
package tagged

import (
	"encoding/json"
	"fmt"
	"net/http"
	"reflect"
	"sort"

	apperrors "corebank.io/platform/internal/pkg/errors"
)

// Variant is implemented by every member of a tagged set.
type Variant interface {
	EventType() string
}

// Codec maps tags to concrete variant types for one variant set.
type Codec[T Variant] struct {
	types map[string]reflect.Type
}

// NewCodec registers the given variant prototypes. It panics on a duplicate
// tag since that is a programming error in the variant set.
func NewCodec[T Variant](prototypes ...T) *Codec[T] {
	c := &Codec[T]{types: make(map[string]reflect.Type, len(prototypes))}
	for _, p := range prototypes {
		tag := p.EventType()
		if _, dup := c.types[tag]; dup {
			panic(fmt.Sprintf("tagged: duplicate variant tag %q", tag))
		}
		c.types[tag] = reflect.TypeOf(p)
	}
	return c
}

// Encode returns the variant's tag and JSON body.
func (c *Codec[T]) Encode(v T) (string, []byte, error) {
	tag := v.EventType()
	if _, ok := c.types[tag]; !ok {
		return "", nil, fmt.Errorf("encode %q: %w", tag, apperrors.ErrUnknownTag)
	}
	body, err := json.Marshal(v)
	if err != nil {
		return "", nil, fmt.Errorf("encode %q: %w", tag, err)
	}
	return tag, body, nil
}

// Decode rebuilds the variant named by tag. Unknown tags yield ErrUnknownTag.
func (c *Codec[T]) Decode(tag string, body []byte) (T, error) {
	var zero T
	typ, ok := c.types[tag]
	if !ok {
		return zero, fmt.Errorf("decode %q: %w", tag, apperrors.ErrUnknownTag)
	}

	var target reflect.Value
	if typ.Kind() == reflect.Pointer {
		target = reflect.New(typ.Elem())
	} else {
		target = reflect.New(typ)
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, target.Interface()); err != nil {
			return zero, apperrors.Wrap(err, apperrors.CodePayloadInvalid,
				fmt.Sprintf("decode %q", tag), http.StatusInternalServerError)
		}
	}
	if typ.Kind() != reflect.Pointer {
		target = target.Elem()
	}
	v, ok := target.Interface().(T)
	if !ok {
		return zero, fmt.Errorf("decode %q: %s does not implement the variant set", tag, typ)
	}
	return v, nil
}

// Knows reports whether tag is part of the variant set.
func (c *Codec[T]) Knows(tag string) bool {
	_, ok := c.types[tag]
	return ok
}

// Tags lists the registered tags in sorted order.
func (c *Codec[T]) Tags() []string {
	tags := make([]string, 0, len(c.types))
	for tag := range c.types {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}
