// Package wsnet is a transport.Transport over WebSocket streams.
//
// Every started endpoint listens on its own port. Peers exchange one
// Hello/Welcome handshake (TLV bodies inside protocol/frame frames) and
// then carry one session packet per binary message. Connection outcomes,
// disconnects and pongs are reported as system packets through Receive,
// the same way memnet reports them.
//
// The NAT, mesh and ready-event plugins are not available on this
// transport; attaching them returns transport.ErrPluginUnsupported.
package wsnet
