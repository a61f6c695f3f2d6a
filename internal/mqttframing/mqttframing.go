// Package mqttframing adapts topic-addressed MQTT messages into the
// CLSM/PUW command model. It is a thin routing/envelope layer
// over github.com/eclipse/paho.mqtt.golang — the real MQTT client, mutual
// TLS and reconnect behaviour live in the paho client constructed by
// cmd/edgecore, the same wiring shape as the AWS IoT claim-provisioning
// example (other_examples' nearest pack precedent for an MQTT client over
// mutual TLS against an IoT broker).
package mqttframing

import (
	"fmt"
	"strings"
	"sync"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// CommandKind identifies which CLSM/PUW command an incoming topic carries.
type CommandKind int

const (
	CommandProtectedUpdate CommandKind = iota
	CommandCertificate
	CommandCheckCertificateResponse
	CommandUploadCertificateResponse
	CommandSyncCertificateResponse
)

func (k CommandKind) String() string {
	switch k {
	case CommandProtectedUpdate:
		return "ProtectedUpdate"
	case CommandCertificate:
		return "Certificate"
	case CommandCheckCertificateResponse:
		return "CheckCertificateResponse"
	case CommandUploadCertificateResponse:
		return "UploadCertificateResponse"
	case CommandSyncCertificateResponse:
		return "SyncCertificateResponse"
	default:
		return "Unknown"
	}
}

// Incoming topic suffixes. Matching is exact suffix
// match, never a wildcard subscription pattern resolved at the router.
const (
	SuffixProtectedUpdate    = "/commands/protected_update"
	SuffixCertificate        = "/commands/certificate"
	SuffixCheckCertResponse  = "/commands/check_certificate_response"
	SuffixUploadCertResponse = "/commands/upload_certificate_response"
	SuffixSyncCertResponse   = "/commands/sync_certificate_response"
)

// Publish-side topics, relative to the device's
// own topic root.
const (
	TopicCSR       = "commands/csr"
	TopicRequest   = "commands/request"
	TopicStatus    = "commands/status"
	TopicAck       = "commands/ack"
	TopicTelemetry = "commands/telemetry"
)

var routeTable = map[string]CommandKind{
	SuffixProtectedUpdate:    CommandProtectedUpdate,
	SuffixCertificate:        CommandCertificate,
	SuffixCheckCertResponse:  CommandCheckCertificateResponse,
	SuffixUploadCertResponse: CommandUploadCertificateResponse,
	SuffixSyncCertResponse:   CommandSyncCertificateResponse,
}

// ErrUnroutable is returned by Dispatch for a topic matching none of the
// known suffixes.
var ErrUnroutable = fmt.Errorf("mqttframing: no route for topic")

// Command is a routed, already-copied inbound message.
type Command struct {
	Kind    CommandKind
	Topic   string
	Payload []byte
}

// Handler processes a routed Command. Router calls it synchronously from
// the paho callback goroutine; a Handler that needs to do SEAL work should
// enqueue Command to its own worker rather than block the MQTT client's
// receive loop.
type Handler func(Command)

// Router maps subscribed-topic payloads onto the CLSM/PUW command model.
type Router struct {
	mu      sync.RWMutex
	handler Handler
}

// NewRouter constructs a Router delivering routed commands to handler.
func NewRouter(handler Handler) *Router {
	return &Router{handler: handler}
}

// SetHandler replaces the delivery target; useful for wiring cmd/edgecore's
// worker after paho.Client is already constructed and subscribed.
func (r *Router) SetHandler(handler Handler) {
	r.mu.Lock()
	r.handler = handler
	r.mu.Unlock()
}

// Dispatch resolves topic to a CommandKind via exact suffix match and
// returns the routed Command, copying payload so the caller may safely
// discard or reuse its backing array afterward.
func Dispatch(topic string, payload []byte) (Command, error) {
	for suffix, kind := range routeTable {
		if strings.HasSuffix(topic, suffix) {
			owned := make([]byte, len(payload))
			copy(owned, payload)
			return Command{Kind: kind, Topic: topic, Payload: owned}, nil
		}
	}
	return Command{}, fmt.Errorf("%w: %s", ErrUnroutable, topic)
}

// MessageHandler returns a paho.MessageHandler suitable for
// Client.Subscribe/AddRoute. It performs the mandatory payload copy before calling r.handler, so the MQTT
// library is free to reuse msg's receive buffer the instant this returns.
func (r *Router) MessageHandler() paho.MessageHandler {
	return func(_ paho.Client, msg paho.Message) {
		cmd, err := Dispatch(msg.Topic(), msg.Payload())
		if err != nil {
			return
		}
		r.mu.RLock()
		h := r.handler
		r.mu.RUnlock()
		if h != nil {
			h(cmd)
		}
	}
}

// Publisher wraps a paho.Client with the publish-side topic constants CSR
// Builder and CLSM use.
type Publisher struct {
	client   paho.Client
	root     string
	qos      byte
	retained bool
}

// NewPublisher constructs a Publisher. root is the device's own topic
// namespace (e.g. "devices/<factory-uid>"); every Publish call prefixes it.
func NewPublisher(client paho.Client, root string, qos byte) *Publisher {
	return &Publisher{client: client, root: root, qos: qos}
}

func (p *Publisher) publish(suffix string, payload []byte) error {
	topic := p.root + "/" + suffix
	token := p.client.Publish(topic, p.qos, p.retained, payload)
	token.Wait()
	return token.Error()
}

// PublishCSR sends a freshly built PEM-encoded CSR.
func (p *Publisher) PublishCSR(pemCSR []byte) error {
	return p.publish(TopicCSR, pemCSR)
}

// PublishRequest sends a generic CLSM-originated request payload (JSON).
func (p *Publisher) PublishRequest(payload []byte) error {
	return p.publish(TopicRequest, payload)
}

// PublishStatus sends a CLSM status update (JSON).
func (p *Publisher) PublishStatus(payload []byte) error {
	return p.publish(TopicStatus, payload)
}

// PublishAck acknowledges a processed command (JSON).
func (p *Publisher) PublishAck(payload []byte) error {
	return p.publish(TopicAck, payload)
}

// PublishTelemetry sends an operator-initiated test/telemetry payload.
func (p *Publisher) PublishTelemetry(payload []byte) error {
	return p.publish(TopicTelemetry, payload)
}
