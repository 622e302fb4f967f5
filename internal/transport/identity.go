package transport

import (
	"net"
	"strconv"

	"github.com/google/uuid"
)

// Identity names one remote system. Immutable once assigned.
type Identity struct {
	GUID    uuid.UUID
	Address string // host:port
}

// Unassigned is the zero identity.
var Unassigned = Identity{}

func (id Identity) IsZero() bool {
	return id.GUID == uuid.Nil && id.Address == ""
}

// Key is the registry key: the guid when assigned, else the address.
func (id Identity) Key() string {
	if id.GUID != uuid.Nil {
		return id.GUID.String()
	}
	return id.Address
}

// Matches compares guids when both sides carry one, otherwise addresses.
// NAT-traversed peers keep their guid while their observed address changes.
func (id Identity) Matches(other Identity) bool {
	if id.GUID != uuid.Nil && other.GUID != uuid.Nil {
		return id.GUID == other.GUID
	}
	return id.Address != "" && id.Address == other.Address
}

// HostPort splits Address.
func (id Identity) HostPort() (string, uint16, error) {
	return SplitAddress(id.Address)
}

func (id Identity) String() string {
	if id.GUID == uuid.Nil {
		return id.Address
	}
	if id.Address == "" {
		return id.GUID.String()
	}
	return id.Address + "|" + id.GUID.String()
}

// SplitAddress parses host:port.
func SplitAddress(addr string) (string, uint16, error) {
	host, portRaw, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.ParseUint(portRaw, 10, 16)
	if err != nil {
		return "", 0, err
	}
	return host, uint16(port), nil
}

// JoinAddress formats host and port as host:port.
func JoinAddress(host string, port uint16) string {
	return net.JoinHostPort(host, strconv.Itoa(int(port)))
}
