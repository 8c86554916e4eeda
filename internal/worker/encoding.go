package worker

import (
	"encoding/base64"
	"encoding/json"

	"github.com/pursuingf/pigeon/internal/proto"
)

func jsonUnmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func b64Encode(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

func b64Decode(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

func mustMarshalHeartbeat(hb proto.Heartbeat) []byte {
	data, err := json.Marshal(hb)
	if err != nil {
		return []byte("{}")
	}
	return data
}
