package relaysrv

import "encoding/json"

// mustJSON marshals a frame built from basic types. The server only ever
// constructs these frames itself from known-good fields, so a marshal
// failure here would indicate a programming error, not bad input.
func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic("relaysrv: failed to marshal outbound frame: " + err.Error())
	}
	return data
}
