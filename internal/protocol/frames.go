package protocol

import "encoding/json"

// FrameType is the discriminator carried in the "type" field of every
// frame, in both directions; server and client both dispatch on it.
type FrameType string

const (
	FrameHeartbeat      FrameType = "heartbeat"
	FrameRPCRequest     FrameType = "rpc:req"
	FrameRPCResponse    FrameType = "rpc:res"
	FrameEndpointMsg    FrameType = "endpointMessage"
	FrameInit           FrameType = "init"
	FrameUpdate         FrameType = "update"
	FrameSub            FrameType = "sub"
	FrameUnsub          FrameType = "unsub"
)

// Envelope is the minimal shape every inbound frame is first decoded
// into, enough to dispatch on Type/Endpoint without committing to a
// concrete payload shape. Unknown frame types decode fine here and are
// dropped by the caller per spec (ignore, don't error).
type Envelope struct {
	Type     FrameType `json:"type,omitempty"`
	Endpoint Name      `json:"endpoint,omitempty"`
}

// SubFrame / UnsubFrame (client -> server).
type SubFrame struct {
	Type     FrameType `json:"type"`
	Endpoint Name      `json:"endpoint"`
}

func NewSubFrame(endpoint Name) SubFrame   { return SubFrame{Type: FrameSub, Endpoint: endpoint} }
func NewUnsubFrame(endpoint Name) SubFrame { return SubFrame{Type: FrameUnsub, Endpoint: endpoint} }

// RPCRequestFrame (client -> server).
type RPCRequestFrame struct {
	Type     FrameType       `json:"type"`
	ID       string          `json:"id"`
	Endpoint Name            `json:"endpoint"`
	Input    json.RawMessage `json:"input,omitempty"`
}

// RPCError is the serialized shape of a failed RPC call on the wire:
// name/message/code/stack, never a raw Go error.
type RPCError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Stack   string `json:"stack,omitempty"`
}

// RPCResponseFrame (server -> client).
type RPCResponseFrame struct {
	Type     FrameType       `json:"type"`
	ID       string          `json:"id"`
	Endpoint Name            `json:"endpoint"`
	Err      *RPCError       `json:"err,omitempty"`
	Res      json.RawMessage `json:"res,omitempty"`
}

// HeartbeatFrame (server -> client).
type HeartbeatFrame struct {
	Type        FrameType `json:"type"`
	FrequencyMs int64     `json:"frequencyMs"`
}

// EndpointMessageFrame carries a PubSub broadcast or a PushPull work item
// (server -> client).
type EndpointMessageFrame struct {
	Type     FrameType       `json:"type"`
	Endpoint Name            `json:"endpoint"`
	Message  json.RawMessage `json:"message"`
}

// InitFrame is the sole mechanism guaranteeing init.v <= firstUpdate.v-1
// for a given client (server -> client, §4.F).
type InitFrame struct {
	Type     FrameType       `json:"type"`
	Endpoint Name            `json:"endpoint"`
	Data     json.RawMessage `json:"data"`
	V        uint64          `json:"v"`
}

// UpdateFrame carries one broadcast worth of delta entries (server -> client).
type UpdateFrame struct {
	Type     FrameType       `json:"type"`
	Endpoint Name            `json:"endpoint"`
	Delta    json.RawMessage `json:"delta"`
	V        uint64          `json:"v"`
	Now      string          `json:"now"`
}
