// Package discovery encodes the host beacon returned to unconnected pings.
package discovery

import (
	"errors"
	"fmt"

	"github.com/pelletier/go-toml/v2"
)

// MaxBeaconSize is the largest blob a pong can carry.
const MaxBeaconSize = 400

var (
	ErrBeaconTooLarge = errors.New("discovery: beacon too large")
	ErrInvalidBeacon  = errors.New("discovery: invalid beacon")
)

// Beacon is the key/value form of a discovery blob.
type Beacon map[string]string

// CheckSize rejects blobs that would not fit in one pong.
func CheckSize(blob []byte) error {
	if len(blob) > MaxBeaconSize {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrBeaconTooLarge, len(blob), MaxBeaconSize)
	}
	return nil
}

func Encode(b Beacon) ([]byte, error) {
	if len(b) == 0 {
		return nil, nil
	}
	data, err := toml.Marshal(map[string]string(b))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBeacon, err)
	}
	if err := CheckSize(data); err != nil {
		return nil, err
	}
	return data, nil
}

// Decode accepts any blob within the size limit. An empty blob is an
// empty beacon.
func Decode(blob []byte) (Beacon, error) {
	if err := CheckSize(blob); err != nil {
		return nil, err
	}
	out := Beacon{}
	if len(blob) == 0 {
		return out, nil
	}
	if err := toml.Unmarshal(blob, (*map[string]string)(&out)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBeacon, err)
	}
	return out, nil
}
