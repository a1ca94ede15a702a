package ice

import (
	"fmt"

	"github.com/pion/stun/v3"

	"github.com/1ureka/peerlink/internal/config"
)

// Server is a parsed STUN or TURN server entry.
type Server struct {
	URI        *stun.URI
	Username   string
	Credential string
}

// ParseServers parses the configured server URLs, keeping their order.
func ParseServers(cfgs []config.ServerConfig) ([]Server, error) {
	servers := make([]Server, 0, len(cfgs))
	for i, c := range cfgs {
		uri, err := stun.ParseURI(c.URL)
		if err != nil {
			return nil, fmt.Errorf("servers[%d] %q: %w", i, c.URL, err)
		}
		servers = append(servers, Server{URI: uri, Username: c.Username, Credential: c.Credential})
	}
	return servers, nil
}

func (s Server) String() string {
	return s.URI.String()
}

func (s Server) isSTUN() bool {
	return s.URI.Scheme == stun.SchemeTypeSTUN
}

func (s Server) isTURN() bool {
	return s.URI.Scheme == stun.SchemeTypeTURN && s.URI.Proto == stun.ProtoTypeUDP
}
