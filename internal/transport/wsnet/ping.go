package wsnet

import (
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/danmuck/meshctl/internal/discovery"
	"github.com/danmuck/meshctl/internal/protocol"
	"github.com/danmuck/meshctl/internal/transport"
)

const broadcastHost = "255.255.255.255"

func (e *Endpoint) handleBeacon(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	e.mu.Lock()
	pong := append([]byte(nil), e.pong...)
	e.mu.Unlock()
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(pong)
}

// Ping fetches the beacon at host:port in the background and queues an
// unconnected pong on success. The broadcast address probes loopback only.
func (e *Endpoint) Ping(host string, port uint16) bool {
	e.mu.Lock()
	active, epoch := e.active, e.epoch
	e.mu.Unlock()
	if !active || host == "" || port == 0 {
		return false
	}
	if host == broadcastHost {
		host = "127.0.0.1"
	}
	addr := transport.JoinAddress(host, port)
	u := url.URL{Scheme: e.cfg.httpScheme(), Host: addr, Path: e.cfg.BeaconPath}
	go e.ping(epoch, addr, u.String())
	return true
}

func (e *Endpoint) ping(epoch uint64, addr, target string) {
	resp, err := e.http.Get(target)
	if err != nil {
		e.log.Debug().Err(err).Str("address", addr).Msg("ping failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		e.log.Debug().Int("status", resp.StatusCode).Str("address", addr).Msg("ping rejected")
		return
	}
	beacon, err := io.ReadAll(io.LimitReader(resp.Body, discovery.MaxBeaconSize+1))
	if err != nil {
		return
	}
	if err := discovery.CheckSize(beacon); err != nil {
		e.log.Debug().Err(err).Str("address", addr).Msg("oversized beacon")
		return
	}
	e.post(epoch, transport.Identity{Address: addr}, protocol.IDUnconnectedPong,
		protocol.EncodePong(uint64(time.Now().UnixMilli()), beacon))
}
