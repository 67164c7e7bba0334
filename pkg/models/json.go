package models

import (
	"bytes"
	"encoding/json"
)

// marshalOrderedStringMap renders keys in the given order rather than the
// randomized order encoding/json would otherwise use for a Go map. Subject
// needs this to preserve RDN attribute order as presented by the issuing
// platform's name API.
func marshalOrderedStringMap(keys []string, values map[string]string) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(values[k])
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
