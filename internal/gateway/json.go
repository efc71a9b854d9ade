package gateway

import (
	jsoniter "github.com/json-iterator/go"
)

// json is aliased to json-iterator's standard-library-compatible config, the
// way gateway/consts.go aliases it for Sandwich-Producer. Every parse call
// in this package reads like encoding/json but runs on the hot inbound
// path without its allocation overhead. Outbound frames (identify, resume,
// heartbeat) are encoded by the transport's WriteJSON, not through this var.
var json = jsoniter.ConfigCompatibleWithStandardLibrary
