package encoding

import (
	"fmt"

	"github.com/skiff-io/amqp/internal/buffer"
)

// The map[...]... decode targets below lose wire order; they exist for
// callers that ask for a plain Go map. Duplicate keys are still rejected.

// mapAnyAny is used to decode AMQP maps who's keys are undefined or
// inconsistently typed.
type mapAnyAny map[interface{}]interface{}

func (m mapAnyAny) Marshal(wr *buffer.Buffer) error {
	return writeMap(wr, map[interface{}]interface{}(m))
}

func (m *mapAnyAny) Unmarshal(r *buffer.Buffer) error {
	count, err := readMapHeader(r)
	if err != nil {
		return err
	}

	mm := make(mapAnyAny, count/2)
	for i := uint32(0); i < count; i += 2 {
		key, err := ReadAny(r)
		if err != nil {
			return err
		}
		value, err := ReadAny(r)
		if err != nil {
			return err
		}

		if err = checkMapKey(key); err != nil {
			return err
		}
		if _, ok := mm[key]; ok {
			return fmt.Errorf("duplicate map key %v", key)
		}
		mm[key] = value
	}
	*m = mm
	return nil
}

// mapStringAny is used to decode AMQP maps that have string keys
type mapStringAny map[string]interface{}

func (m mapStringAny) Marshal(wr *buffer.Buffer) error {
	return writeMap(wr, map[string]interface{}(m))
}

func (m *mapStringAny) Unmarshal(r *buffer.Buffer) error {
	count, err := readMapHeader(r)
	if err != nil {
		return err
	}

	mm := make(mapStringAny, count/2)
	for i := uint32(0); i < count; i += 2 {
		key, err := ReadString(r)
		if err != nil {
			return err
		}
		value, err := ReadAny(r)
		if err != nil {
			return err
		}
		if _, ok := mm[key]; ok {
			return fmt.Errorf("duplicate map key %v", key)
		}
		mm[key] = value
	}
	*m = mm

	return nil
}

// mapSymbolAny is used to decode AMQP maps that have Symbol keys
type mapSymbolAny map[Symbol]interface{}

func (m mapSymbolAny) Marshal(wr *buffer.Buffer) error {
	return writeMap(wr, map[Symbol]interface{}(m))
}

func (m *mapSymbolAny) Unmarshal(r *buffer.Buffer) error {
	count, err := readMapHeader(r)
	if err != nil {
		return err
	}

	mm := make(mapSymbolAny, count/2)
	for i := uint32(0); i < count; i += 2 {
		key, err := ReadString(r)
		if err != nil {
			return err
		}
		value, err := ReadAny(r)
		if err != nil {
			return err
		}
		if _, ok := mm[Symbol(key)]; ok {
			return fmt.Errorf("duplicate map key %v", key)
		}
		mm[Symbol(key)] = value
	}
	*m = mm
	return nil
}
