package encoding

import (
	"fmt"
	"reflect"

	"github.com/skiff-io/amqp/internal/buffer"
)

// KeyValue is a single entry of an ordered map.
type KeyValue struct {
	Key   interface{}
	Value interface{}
}

// orderedMap is the common core of the map types whose wire order is
// observable: entries keep insertion/decode order and duplicate keys
// are rejected on decode.
type orderedMap struct {
	kv []KeyValue
}

func (m *orderedMap) len() int {
	if m == nil {
		return 0
	}
	return len(m.kv)
}

func (m *orderedMap) get(key interface{}) (interface{}, bool) {
	if m == nil {
		return nil, false
	}
	for _, p := range m.kv {
		if p.Key == key {
			return p.Value, true
		}
	}
	return nil, false
}

func (m *orderedMap) set(key, value interface{}) {
	for i, p := range m.kv {
		if p.Key == key {
			m.kv[i].Value = value
			return
		}
	}
	m.kv = append(m.kv, KeyValue{Key: key, Value: value})
}

func (m *orderedMap) delete(key interface{}) {
	for i, p := range m.kv {
		if p.Key == key {
			m.kv = append(m.kv[:i], m.kv[i+1:]...)
			return
		}
	}
}

// marshal writes the map header followed by the pairs in order.
// marshalKey lets the concrete type control the key encoding.
func (m *orderedMap) marshal(wr *buffer.Buffer, marshalKey func(*buffer.Buffer, interface{}) error) error {
	scratch := getScratch()
	defer releaseScratch(scratch)

	for _, p := range m.kv {
		if err := marshalKey(scratch, p.Key); err != nil {
			return err
		}
		if err := Marshal(scratch, p.Value); err != nil {
			return err
		}
	}

	writeMapHeader(wr, scratch.Len(), len(m.kv)*2)
	wr.Append(scratch.Bytes())
	return nil
}

// unmarshal decodes count/2 pairs in wire order, rejecting duplicates.
func (m *orderedMap) unmarshal(r *buffer.Buffer, readKey func(*buffer.Buffer) (interface{}, error)) error {
	count, err := readMapHeader(r)
	if err != nil {
		return err
	}

	kv := make([]KeyValue, 0, count/2)
	for i := uint32(0); i < count; i += 2 {
		key, err := readKey(r)
		if err != nil {
			return err
		}
		if err = checkMapKey(key); err != nil {
			return err
		}
		for _, p := range kv {
			if p.Key == key {
				return fmt.Errorf("duplicate map key %v", key)
			}
		}
		value, err := ReadAny(r)
		if err != nil {
			return err
		}
		kv = append(kv, KeyValue{Key: key, Value: value})
	}
	m.kv = kv
	return nil
}

// equal reports whether two ordered maps hold the same pairs in the
// same order. Used by tests and the cmp package.
func (m *orderedMap) equal(o *orderedMap) bool {
	if m.len() != o.len() {
		return false
	}
	for i, p := range m.kv {
		if p.Key != o.kv[i].Key || !reflect.DeepEqual(p.Value, o.kv[i].Value) {
			return false
		}
	}
	return true
}

func marshalAnyKey(wr *buffer.Buffer, key interface{}) error {
	// string keys are encoded as AMQP symbols
	if s, ok := key.(string); ok {
		key = Symbol(s)
	}
	return Marshal(wr, key)
}

// Fields is an ordered AMQP map with symbol keys, as used for the
// properties of OPEN, BEGIN, ATTACH and DETACH.
type Fields struct {
	orderedMap
}

func (f *Fields) Set(key Symbol, value interface{}) { f.set(key, value) }
func (f *Fields) Delete(key Symbol)                 { f.delete(key) }
func (f *Fields) Len() int {
	if f == nil {
		return 0
	}
	return f.len()
}

func (f *Fields) Get(key Symbol) (interface{}, bool) {
	if f == nil {
		return nil, false
	}
	return f.get(key)
}

// Pairs returns the entries in wire order.
func (f *Fields) Pairs() []KeyValue {
	if f == nil {
		return nil
	}
	return f.kv
}

// Equal reports whether both maps hold the same entries in the same order.
func (x *Fields) Equal(o *Fields) bool {
	if x == nil || o == nil {
		return x.Len() == o.Len()
	}
	return x.orderedMap.equal(&o.orderedMap)
}

func (f *Fields) Marshal(wr *buffer.Buffer) error {
	return f.marshal(wr, func(wr *buffer.Buffer, key interface{}) error {
		return Marshal(wr, key)
	})
}

func (f *Fields) Unmarshal(r *buffer.Buffer) error {
	return f.unmarshal(r, func(r *buffer.Buffer) (interface{}, error) {
		s, err := ReadString(r)
		return Symbol(s), err
	})
}

// NewFields builds a Fields from alternating key, value arguments,
// preserving argument order.
func NewFields(pairs ...interface{}) *Fields {
	f := &Fields{}
	for i := 0; i+1 < len(pairs); i += 2 {
		f.Set(pairs[i].(Symbol), pairs[i+1])
	}
	return f
}

// Annotations is an ordered AMQP map whose keys must be of type string,
// int, int64 or Symbol.
//
// String keys are encoded as AMQP symbols.
type Annotations struct {
	orderedMap
}

// Set stores value under key. String keys are normalized to symbols,
// matching their wire encoding.
func (a *Annotations) Set(key, value interface{}) {
	a.set(normalizeAnnotationKey(key), value)
}

func (a *Annotations) Delete(key interface{}) {
	a.delete(key)
	a.delete(normalizeAnnotationKey(key))
}

func (a *Annotations) Len() int {
	if a == nil {
		return 0
	}
	return a.len()
}

// Get returns the value for key. An exact match wins; a string key
// additionally matches its symbol form.
func (a *Annotations) Get(key interface{}) (interface{}, bool) {
	if a == nil {
		return nil, false
	}
	if v, ok := a.get(key); ok {
		return v, true
	}
	if s, ok := key.(string); ok {
		return a.get(Symbol(s))
	}
	return nil, false
}

func normalizeAnnotationKey(key interface{}) interface{} {
	if s, ok := key.(string); ok {
		return Symbol(s)
	}
	return key
}

func (a *Annotations) Pairs() []KeyValue {
	if a == nil {
		return nil
	}
	return a.kv
}

// Equal reports whether both maps hold the same entries in the same order.
func (x *Annotations) Equal(o *Annotations) bool {
	if x == nil || o == nil {
		return x.Len() == o.Len()
	}
	return x.orderedMap.equal(&o.orderedMap)
}

func (a *Annotations) Marshal(wr *buffer.Buffer) error {
	return a.marshal(wr, marshalAnyKey)
}

func (a *Annotations) Unmarshal(r *buffer.Buffer) error {
	return a.unmarshal(r, ReadAny)
}

// NewAnnotations builds an Annotations from alternating key, value
// arguments, preserving argument order.
func NewAnnotations(pairs ...interface{}) *Annotations {
	a := &Annotations{}
	for i := 0; i+1 < len(pairs); i += 2 {
		a.Set(pairs[i], pairs[i+1])
	}
	return a
}

// AppProperties is the ordered application-properties section map:
// string keys to simple values.
type AppProperties struct {
	orderedMap
}

func (p *AppProperties) Set(key string, value interface{}) { p.set(key, value) }
func (p *AppProperties) Delete(key string)                 { p.delete(key) }
func (p *AppProperties) Len() int {
	if p == nil {
		return 0
	}
	return p.len()
}

func (p *AppProperties) Get(key string) (interface{}, bool) {
	if p == nil {
		return nil, false
	}
	return p.get(key)
}

func (p *AppProperties) Pairs() []KeyValue {
	if p == nil {
		return nil
	}
	return p.kv
}

// Equal reports whether both maps hold the same entries in the same order.
func (x *AppProperties) Equal(o *AppProperties) bool {
	if x == nil || o == nil {
		return x.Len() == o.Len()
	}
	return x.orderedMap.equal(&o.orderedMap)
}

func (p *AppProperties) Marshal(wr *buffer.Buffer) error {
	return p.marshal(wr, func(wr *buffer.Buffer, key interface{}) error {
		return writeString(wr, key.(string))
	})
}

func (p *AppProperties) Unmarshal(r *buffer.Buffer) error {
	return p.unmarshal(r, func(r *buffer.Buffer) (interface{}, error) {
		return ReadString(r)
	})
}

// NewAppProperties builds an AppProperties from alternating key, value
// arguments, preserving argument order.
func NewAppProperties(pairs ...interface{}) *AppProperties {
	p := &AppProperties{}
	for i := 0; i+1 < len(pairs); i += 2 {
		p.Set(pairs[i].(string), pairs[i+1])
	}
	return p
}

// Filter is an ordered filter-set: symbol keys to described predicates.
type Filter struct {
	orderedMap
}

func (f *Filter) Set(key Symbol, value *DescribedType) { f.set(key, value) }
func (f *Filter) Len() int {
	if f == nil {
		return 0
	}
	return f.len()
}

func (f *Filter) Get(key Symbol) (*DescribedType, bool) {
	if f == nil {
		return nil, false
	}
	v, ok := f.get(key)
	if !ok {
		return nil, false
	}
	return v.(*DescribedType), true
}

func (f *Filter) Pairs() []KeyValue {
	if f == nil {
		return nil
	}
	return f.kv
}

// Equal reports whether both maps hold the same entries in the same order.
func (x *Filter) Equal(o *Filter) bool {
	if x == nil || o == nil {
		return x.Len() == o.Len()
	}
	return x.orderedMap.equal(&o.orderedMap)
}

func (f *Filter) Marshal(wr *buffer.Buffer) error {
	return f.marshal(wr, func(wr *buffer.Buffer, key interface{}) error {
		return Marshal(wr, key)
	})
}

func (f *Filter) Unmarshal(r *buffer.Buffer) error {
	count, err := readMapHeader(r)
	if err != nil {
		return err
	}

	kv := make([]KeyValue, 0, count/2)
	for i := uint32(0); i < count; i += 2 {
		s, err := ReadString(r)
		if err != nil {
			return err
		}
		key := Symbol(s)
		for _, p := range kv {
			if p.Key == key {
				return fmt.Errorf("duplicate filter key %v", key)
			}
		}
		var value DescribedType
		if err = Unmarshal(r, &value); err != nil {
			return err
		}
		kv = append(kv, KeyValue{Key: key, Value: &value})
	}
	f.kv = kv
	return nil
}

// Unsettled is the ordered per-link delivery-tag to delivery-state map
// exchanged on ATTACH during link resumption. Keys are delivery tags,
// held as strings for comparability.
type Unsettled struct {
	orderedMap
}

func (u *Unsettled) Set(tag string, state DeliveryState) { u.set(tag, state) }
func (u *Unsettled) Delete(tag string)                   { u.delete(tag) }
func (u *Unsettled) Len() int {
	if u == nil {
		return 0
	}
	return u.len()
}

func (u *Unsettled) Get(tag string) (DeliveryState, bool) {
	if u == nil {
		return nil, false
	}
	v, ok := u.get(tag)
	if !ok {
		return nil, false
	}
	if v == nil {
		return nil, true
	}
	return v.(DeliveryState), true
}

func (u *Unsettled) Pairs() []KeyValue {
	if u == nil {
		return nil
	}
	return u.kv
}

// Equal reports whether both maps hold the same entries in the same order.
func (x *Unsettled) Equal(o *Unsettled) bool {
	if x == nil || o == nil {
		return x.Len() == o.Len()
	}
	return x.orderedMap.equal(&o.orderedMap)
}

func (u *Unsettled) Marshal(wr *buffer.Buffer) error {
	return u.marshal(wr, func(wr *buffer.Buffer, key interface{}) error {
		return Marshal(wr, []byte(key.(string)))
	})
}

func (u *Unsettled) Unmarshal(r *buffer.Buffer) error {
	count, err := readMapHeader(r)
	if err != nil {
		return err
	}

	kv := make([]KeyValue, 0, count/2)
	for i := uint32(0); i < count; i += 2 {
		tag, err := readBinaryString(r)
		if err != nil {
			return err
		}
		for _, p := range kv {
			if p.Key == tag {
				return fmt.Errorf("duplicate delivery tag %x", tag)
			}
		}

		// the state may be null for deliveries whose state
		// the peer has not yet determined
		var state DeliveryState
		if !tryReadNull(r) {
			state, err = ReadDeliveryState(r)
			if err != nil {
				return err
			}
		}
		kv = append(kv, KeyValue{Key: tag, Value: state})
	}
	u.kv = kv
	return nil
}
