package gateway

// stdjson is used only for its RawMessage type (a plain byte-slice wrapper
// with MarshalJSON/UnmarshalJSON defined on it); every actual encode/decode
// call in this package still goes through the jsoniter-backed json var in
// json.go; importing "encoding/json" here unaliased would declare the name
// json in this file's scope as well as the package's, which Go rejects.
import stdjson "encoding/json"

// Gateway opcodes, as sent/received on the wire.
const (
	OpDispatch            = 0
	OpHeartbeat           = 1
	OpIdentify            = 2
	OpUpdateStatus        = 3
	OpResume              = 6
	OpReconnect           = 7
	OpInvalidSession      = 9
	OpHello               = 10
	OpHeartbeatACK        = 11
)

// DiscoveryURL is used when no resume URL is known yet.
const DiscoveryURL = "wss://gateway.discord.gg/?v=10&encoding=json"

// UserAgent identifies this client to the gateway.
const UserAgent = "DiscordBot (https://github.com/reshsix/makima, 0.0)"

// Inbound is the envelope shape of every frame received from the gateway.
type Inbound struct {
	Op int                `json:"op"`
	S  int64              `json:"s"`
	D  stdjson.RawMessage `json:"d"`
	T  string             `json:"t"`
}

// Outbound is the envelope shape of every frame sent to the gateway.
type Outbound struct {
	Op int         `json:"op"`
	D  interface{} `json:"d"`
}

// Hello is the payload of an op-10 frame.
type Hello struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

// IdentifyProperties describes the client to the gateway at identify time.
type IdentifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

// IdentifyData is the payload of an op-2 frame.
type IdentifyData struct {
	Token      string              `json:"token"`
	Intents    int                 `json:"intents"`
	Shards     [2]int              `json:"shards"`
	Properties IdentifyProperties  `json:"properties"`
}

// ResumeData is the payload of an op-6 frame.
type ResumeData struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

// readyUser is the subset of the READY dispatch's user object this client
// cares about for display-tag purposes.
type readyUser struct {
	Username      string `json:"username"`
	Discriminator string `json:"discriminator"`
}

// readyData is the subset of READY's payload this client interprets.
type readyData struct {
	ResumeGatewayURL string    `json:"resume_gateway_url"`
	SessionID        string    `json:"session_id"`
	User             readyUser `json:"user"`
}

// Host-pipe envelope shape and pseudo-opcodes live in internal/hostbridge;
// this package consumes hostbridge.Envelope directly rather than keeping a
// second copy of the same shape.
