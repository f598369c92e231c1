// Package controlsocket implements the message-preserving local socket
// protocol the puppet (in-container agent) and the runner exchange
// requests, responses and events over.
package controlsocket

// PuppetReqKind discriminates the requests a puppet may send.
type PuppetReqKind string

const (
	ReqSSHKeys       PuppetReqKind = "ssh_keys"
	ReqNetworkConfig PuppetReqKind = "network_config"
)

// PuppetReq is the payload of a puppet-originated request.
type PuppetReq struct {
	Kind PuppetReqKind `json:"kind"`
}

// SSHKeysResp answers a ReqSSHKeys request.
type SSHKeysResp struct {
	SSHKeys []string `json:"ssh_keys"`
}

// NetworkIPConfig mirrors types.IPv4NetworkConfig/IPv6NetworkConfig on the
// wire without requiring the puppet to depend on the runner's full config
// schema.
type NetworkIPConfig struct {
	Address      string   `json:"address"`
	PrefixLength int      `json:"prefix_length"`
	Gateway      string   `json:"gateway,omitempty"`
	Nameservers  []string `json:"nameservers,omitempty"`
}

// NetworkConfigResp answers a ReqNetworkConfig request.
type NetworkConfigResp struct {
	Hostname  string           `json:"hostname"`
	Interface string           `json:"interface,omitempty"`
	IPv4      *NetworkIPConfig `json:"ipv4,omitempty"`
	IPv6      *NetworkIPConfig `json:"ipv6,omitempty"`
}

// RunnerResp is the union of possible puppet-facing responses; exactly one
// field is populated, selected by the Kind of the request it answers.
type RunnerResp struct {
	SSHKeys       *SSHKeysResp       `json:"ssh_keys,omitempty"`
	NetworkConfig *NetworkConfigResp `json:"network_config,omitempty"`
}

// PuppetEventKind discriminates puppet-originated events.
type PuppetEventKind string

const (
	EventReady PuppetEventKind = "ready"
)

// PuppetEvent is a puppet-originated notification with no response.
type PuppetEvent struct {
	Kind PuppetEventKind `json:"kind"`
}

// RunnerEvent is a runner-originated notification with no response. No
// runner events are defined yet; the kind exists so the wire format has a
// symmetric slot for future use.
type RunnerEvent struct {
	Kind string `json:"kind"`
}

// MessageKind discriminates the four message shapes carried over the
// socket.
type MessageKind string

const (
	MsgRequest  MessageKind = "request"
	MsgResponse MessageKind = "response"
	MsgEvent    MessageKind = "event"
	MsgError    MessageKind = "error"
)

// Message is the single self-delimited JSON object sent in each datagram.
// Exactly the fields relevant to Kind are populated.
type Message struct {
	Kind MessageKind `json:"kind"`

	RequestID *uint64 `json:"request_id,omitempty"`

	Request  *PuppetReq  `json:"request,omitempty"`
	Response *RunnerResp `json:"response,omitempty"`

	PuppetEventID *uint64      `json:"puppet_event_id,omitempty"`
	RunnerEventID *uint64      `json:"runner_event_id,omitempty"`
	PuppetEvent   *PuppetEvent `json:"puppet_event,omitempty"`
	RunnerEvent   *RunnerEvent `json:"runner_event,omitempty"`

	ErrorMessage string `json:"message,omitempty"`
}
