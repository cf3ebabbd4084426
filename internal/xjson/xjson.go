package xjson

import (
	stdjson "encoding/json"

	gjson "github.com/goccy/go-json"
)

// Marshal/Unmarshal wrappers to allow a single import site to switch
// between standard encoding/json and goccy/go-json without touching callers.

func Marshal(v interface{}) ([]byte, error) {
	return gjson.Marshal(v)
}

func Unmarshal(data []byte, v interface{}) error {
	return gjson.Unmarshal(data, v)
}

// Remarshal round-trips src through JSON into dst. Used to convert
// loosely-typed row payloads into concrete domain structs.
func Remarshal(src, dst interface{}) error {
	data, err := gjson.Marshal(src)
	if err != nil {
		return err
	}
	return gjson.Unmarshal(data, dst)
}

// RawMessage is kept compatible with encoding/json's RawMessage type.
type RawMessage = stdjson.RawMessage
