// Package wsserver implements a server-side RFC 6455 WebSocket engine for
// embedding in small networked applications.
//
// It owns the full lifecycle of a WebSocket connection: accepting a raw TCP
// socket, performing the HTTP-based opening handshake (RFC 6455 Section 4),
// framing and reassembling messages (Section 5), and driving the closing
// handshake (Section 7). Application behavior is injected through a small
// set of named callbacks (see Server.OnOpen, Server.OnMessage, Server.OnClose,
// Server.OnLoop and Server.SetHandler) rather than through an http.Handler
// chain — there is no dependency on net/http beyond the handshake's textual
// shape, no TLS termination, no extension negotiation (RSV bits are always
// rejected), and no subprotocol negotiation.
//
// A minimal embedder looks like:
//
//	srv := wsserver.NewServer(wsserver.Config{Host: "0.0.0.0", Port: 8080})
//	srv.OnMessage(func(s *wsserver.Server, c *wsserver.Client, msg wsserver.Message) {
//		_ = s.SendBytes(c.ID(), msg.Data, msg.Type)
//	})
//	if err := srv.Start(); err != nil {
//		log.Fatal(err)
//	}
//	defer srv.Stop()
//
// RFC reference: https://datatracker.ietf.org/doc/html/rfc6455
package wsserver
