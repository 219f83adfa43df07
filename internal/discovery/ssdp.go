package discovery

import (
	"bufio"
	"bytes"
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/net/ipv4"
)

const dialSearchTarget = "urn:dial-multiscreen-org:service:dial:1"

func ssdpRequest(group string) []byte {
	return []byte(strings.Join([]string{
		"M-SEARCH * HTTP/1.1",
		"HOST: " + group,
		`MAN: "ssdp:discover"`,
		"MX: 1",
		"ST: " + dialSearchTarget,
		"", "",
	}, "\r\n"))
}

// parseSSDPAnswer returns the LOCATION host of a DIAL answer. Answers for
// any other search target are rejected.
func parseSSDPAnswer(packet []byte) (string, bool) {
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(packet)), nil)
	if err != nil {
		return "", false
	}
	defer resp.Body.Close()

	if strings.TrimSpace(resp.Header.Get("ST")) != dialSearchTarget {
		return "", false
	}
	location, err := url.Parse(strings.TrimSpace(resp.Header.Get("Location")))
	if err != nil || location.Hostname() == "" {
		return "", false
	}
	return location.Hostname(), true
}

// SearchSSDP multicasts a DIAL M-SEARCH and collects the hosts named by
// matching answers until timeout or limit.
func (s *Service) SearchSSDP(ctx context.Context, limit int, timeout time.Duration) ([]string, error) {
	group, err := net.ResolveUDPAddr("udp4", s.cfg.SSDPAddress)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve ssdp address %q", s.cfg.SSDPAddress)
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, errors.Wrap(err, "open ssdp socket")
	}
	defer conn.Close()

	if err := ipv4.NewPacketConn(conn).SetMulticastTTL(2); err != nil {
		s.logger.Debug("ssdp_ttl_unsupported", slog.String("error", err.Error()))
	}

	if _, err := conn.WriteToUDP(ssdpRequest(s.cfg.SSDPAddress), group); err != nil {
		return nil, errors.Wrap(err, "send ssdp search")
	}
	s.logger.Debug("ssdp_search_sent", slog.String("group", group.String()), slog.Duration("timeout", timeout))

	return readAnswers(ctx, conn, limit, timeout, func(packet []byte, _ *net.UDPAddr) (string, bool) {
		return parseSSDPAnswer(packet)
	})
}
