package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "server":
		return serverTemplate, nil
	case "client":
		return clientTemplate, nil
	case "session":
		return sessionTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const serverTemplate = `id = "meshctl.server"
role = "server"
listen_host = "0.0.0.0"
listen_port = 2500
admin_addr = ":9300"
cors_origins = ["http://localhost:3000"]
world = "lobby"

[transport]
security_mode = "development"
handshake_timeout = "5s"

[beacon]
name = "meshctl"
world = "lobby"

[session]
update_fps = 30
max_connections = 32
password = ""
`

const clientTemplate = `id = "meshctl.client"
role = "client"
listen_host = "127.0.0.1"
server_host = "127.0.0.1"
server_port = 2500
admin_addr = ":9301"
world = "lobby"

[transport]
security_mode = "development"

[identity]
name = "player"

[session]
update_fps = 30
password = ""
`

const sessionTemplate = `topology = "p2p"
update_fps = 30
max_connections = 128
nat_server_address = "127.0.0.1"
nat_server_port = 61111
nat_auto_reconnect = true
nat_max_retries = 5
`
