// Package network defines the endpoint contracts a cellular modem exposes:
// TCP and TLS streams, UDP sockets, MQTT sessions, HTTP requests and
// WebSocket connections, all multiplexed over one serial link and keyed by a
// small integer connect id.
//
// Connect ids name modem-side slots (0..N-1, N depending on the module
// family). They are a scarce resource owned by the application; the package
// does not pool or assign them.
package network

import (
	"context"
	"time"
)

// Tcp is a modem-backed TCP or TLS stream. Inbound data is pushed through
// the OnStream callback on the modem's receive goroutine; callbacks must not
// block it for long.
type Tcp interface {
	Connect(ctx context.Context, host string, port int) error
	Disconnect()
	// Send writes data to the stream, chunking as the module requires, and
	// returns the number of bytes accepted.
	Send(ctx context.Context, data []byte) (int, error)
	OnStream(func(data []byte))
	OnDisconnected(func())
	Connected() bool
}

// Udp is a modem-backed UDP socket bound to a single remote peer. Each
// OnMessage invocation carries one datagram.
type Udp interface {
	Connect(ctx context.Context, host string, port int) error
	Disconnect()
	Send(ctx context.Context, data []byte) (int, error)
	OnMessage(func(data []byte))
	Connected() bool
}

// Mqtt is an MQTT session terminated inside the module. Publish, Subscribe
// and Unsubscribe fail fast when the session is not connected.
type Mqtt interface {
	SetKeepAlive(seconds int)
	Connect(ctx context.Context, broker string, port int, clientID, username, password string) error
	Disconnect()
	Publish(ctx context.Context, topic string, payload []byte, qos int) error
	Subscribe(ctx context.Context, topic string, qos int) error
	Unsubscribe(ctx context.Context, topic string) error
	IsConnected() bool
	OnConnected(func())
	OnDisconnected(func())
	OnMessage(func(topic string, payload []byte))
	OnError(func(message string))
}

// Http is one HTTP request/response exchange. Open sends the request;
// the body is then pulled with Read or ReadAll, or streamed out with Write
// when the request uses chunked upload.
type Http interface {
	SetTimeout(d time.Duration)
	SetHeader(key, value string)
	SetContent(content []byte)
	Open(ctx context.Context, method, url string) error
	Close()
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	StatusCode() (int, error)
	ResponseHeader(key string) (string, bool)
	BodyLength() (int64, error)
	ReadAll() ([]byte, error)
}

// WebSocket is a client WebSocket connection layered over a Tcp.
type WebSocket interface {
	SetHeader(key, value string)
	Connect(ctx context.Context, uri string) error
	Send(data []byte, binary, fin bool) error
	Ping() error
	Close()
	IsConnected() bool
	OnConnected(func())
	OnDisconnected(func())
	OnData(func(data []byte, binary bool))
	OnError(func(code int))
}

// Interface is the endpoint factory a modem variant implements. Every Create
// call returns an exclusively owned endpoint bound to the given connect id;
// callers are responsible for keeping ids unique across live endpoints.
type Interface interface {
	CreateTcp(connectID int) Tcp
	CreateSsl(connectID int) Tcp
	CreateUdp(connectID int) Udp
	CreateMqtt(connectID int) Mqtt
	CreateHttp(connectID int) Http
	CreateWebSocket(connectID int) WebSocket
}
