package substrate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Param is the sum type used to represent a shape-variable call argument:
// Bool | Int | String | Bytes | Array<Param> | Object<string,Param>.
// Persisting a Param tree to canonical JSON (object keys sorted, no
// whitespace) is what keeps the (chain_id, block_number, extrinsic_index)
// uniqueness and idempotence invariants meaningful across re-delivery of the
// same extrinsic.
type Param interface {
	canonicalJSON(buf *bytes.Buffer) error
}

// ParamBool is the Bool variant.
type ParamBool bool

// ParamInt is the Int variant. Substrate call arguments routinely exceed
// int64 (balances, weights); store the decimal string form and let callers
// parse into big.Int when they need to compute with it.
type ParamInt string

// ParamString is the String variant.
type ParamString string

// ParamBytes is the Bytes variant, used for anything this client does not
// attempt to decode further: raw SCALE-encoded call arguments, in line with
// the indexer's explicit non-goal of back-translating call parameters into
// human-readable actions.
type ParamBytes []byte

// ParamArray is the Array<Param> variant.
type ParamArray []Param

// ParamObject is the Object<string,Param> variant.
type ParamObject map[string]Param

func (p ParamBool) canonicalJSON(buf *bytes.Buffer) error {
	if p {
		buf.WriteString("true")
	} else {
		buf.WriteString("false")
	}
	return nil
}

func (p ParamInt) canonicalJSON(buf *bytes.Buffer) error {
	enc, err := json.Marshal(string(p))
	if err != nil {
		return err
	}
	buf.Write(enc)
	return nil
}

func (p ParamString) canonicalJSON(buf *bytes.Buffer) error {
	enc, err := json.Marshal(string(p))
	if err != nil {
		return err
	}
	buf.Write(enc)
	return nil
}

func (p ParamBytes) canonicalJSON(buf *bytes.Buffer) error {
	enc, err := json.Marshal(fmt.Sprintf("0x%x", []byte(p)))
	if err != nil {
		return err
	}
	buf.Write(enc)
	return nil
}

func (p ParamArray) canonicalJSON(buf *bytes.Buffer) error {
	buf.WriteByte('[')
	for i, v := range p {
		if i > 0 {
			buf.WriteByte(',')
		}
		if v == nil {
			buf.WriteString("null")
			continue
		}
		if err := v.canonicalJSON(buf); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

func (p ParamObject) canonicalJSON(buf *bytes.Buffer) error {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyEnc, err := json.Marshal(k)
		if err != nil {
			return err
		}
		buf.Write(keyEnc)
		buf.WriteByte(':')
		v := p[k]
		if v == nil {
			buf.WriteString("null")
			continue
		}
		if err := v.canonicalJSON(buf); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

// CanonicalJSON renders p with sorted object keys and no extraneous
// whitespace, so identical param trees always serialize to identical bytes.
func CanonicalJSON(p Param) (string, error) {
	var buf bytes.Buffer
	if p == nil {
		return "null", nil
	}
	if err := p.canonicalJSON(&buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}
