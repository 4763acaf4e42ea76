package cardano

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// UnmarshalJSON decodes an output value as rendered by the node tooling.
// Older node versions emit a bare lovelace number, newer ones an object
// keyed by asset identifier.
func (v *Value) UnmarshalJSON(data []byte) error {
	var lovelace int64
	if err := json.Unmarshal(data, &lovelace); err == nil {
		*v = Value{AssetLovelace: lovelace}
		return nil
	}

	var assets map[string]int64
	if err := json.Unmarshal(data, &assets); err != nil {
		return fmt.Errorf("unable to parse value: %w", err)
	}

	*v = Value(assets)
	return nil
}

// UnmarshalJSON decodes a single output as rendered by the node tooling and
// by head protocol events. The inline datum arrives as arbitrary JSON and is
// kept raw; its hash may appear under either the inlineDatumhash or
// datumHash key depending on the emitting tool.
func (o *Output) UnmarshalJSON(data []byte) error {
	var aux struct {
		Address         string          `json:"address"`
		Value           Value           `json:"value"`
		DatumHash       string          `json:"datumHash"`
		InlineDatum     json.RawMessage `json:"inlineDatum"`
		InlineDatumHash string          `json:"inlineDatumhash"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	o.Address = aux.Address
	o.Value = aux.Value
	if o.Value == nil {
		o.Value = make(Value)
	}

	if len(aux.InlineDatum) > 0 &&
		!bytes.Equal(aux.InlineDatum, []byte("null")) {

		o.InlineDatum = string(aux.InlineDatum)
	}

	switch {
	case aux.InlineDatumHash != "":
		o.DatumHash = aux.InlineDatumHash
	default:
		o.DatumHash = aux.DatumHash
	}

	return nil
}

// ParseUTxOMap decodes a JSON object keyed by "txHash#index" into typed
// outputs. Empty input decodes to an empty map.
func ParseUTxOMap(raw []byte) (map[OutputRef]Output, error) {
	outputs := make(map[OutputRef]Output)

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("{}")) ||
		bytes.Equal(trimmed, []byte("null")) {

		return outputs, nil
	}

	var entries map[string]Output
	if err := json.Unmarshal(trimmed, &entries); err != nil {
		return nil, err
	}

	for key, output := range entries {
		ref, err := ParseOutputRef(key)
		if err != nil {
			return nil, err
		}

		outputs[ref] = output
	}

	return outputs, nil
}

// ParseUTxODiff decodes an incremental snapshot entry map. A JSON null value
// is a tombstone marking the output as spent and decodes to a nil entry.
func ParseUTxODiff(raw []byte) (map[OutputRef]*Output, error) {
	diff := make(map[OutputRef]*Output)

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("{}")) ||
		bytes.Equal(trimmed, []byte("null")) {

		return diff, nil
	}

	var entries map[string]*Output
	if err := json.Unmarshal(trimmed, &entries); err != nil {
		return nil, err
	}

	for key, output := range entries {
		ref, err := ParseOutputRef(key)
		if err != nil {
			return nil, err
		}

		diff[ref] = output
	}

	return diff, nil
}
