package coordinator

import "errors"

var (
	ErrAlreadyListening       = errors.New("coordinator: already listening")
	ErrBindFailed             = errors.New("coordinator: bind failed")
	ErrTransportBusy          = errors.New("coordinator: connection attempt already pending")
	ErrConnectRejected        = errors.New("coordinator: connect rejected by transport")
	ErrTopologyLocked         = errors.New("coordinator: topology locked while a transport is active")
	ErrWrongTopology          = errors.New("coordinator: operation not valid for topology")
	ErrSessionActive          = errors.New("coordinator: session already active")
	ErrRendezvous             = errors.New("coordinator: rendezvous connect failed")
	ErrBlacklistedRemoteEvent = errors.New("coordinator: remote event name is reserved")
	ErrUnregisteredEvent      = errors.New("coordinator: remote event not registered")
	ErrReservedMessageID      = errors.New("coordinator: message id reserved by the session layer")
	ErrUnknownLink            = errors.New("coordinator: unknown link")
	ErrNoSessionLink          = errors.New("coordinator: no session link")
)
