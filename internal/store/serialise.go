package store

import (
	"encoding/json"

	"github.com/rs/zerolog/log"
)

// Serialise converts data to its JSON string representation. Named with
// British English spelling for consistency with the rest of the package.
func Serialise(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("Failed to serialise data")
		return "{}"
	}
	return string(data)
}

// Deserialise decodes a JSON string into a map, returning nil for an empty
// or null payload.
func Deserialise(data []byte) (map[string]interface{}, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var v map[string]interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
