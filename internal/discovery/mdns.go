package discovery

import (
	"bytes"
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
	"golang.org/x/net/ipv4"
)

const (
	castServiceName = "_googlecast._tcp.local."
	castModelMarker = "md=Chromecast"
	maxDatagramSize = 9000
)

// mdnsQuery builds a PTR question for the cast service. It returns the
// packed query and the wire encoding of the service name, which a valid
// answer echoes back.
func mdnsQuery() (query, encodedName []byte, err error) {
	msg := new(dns.Msg)
	msg.SetQuestion(castServiceName, dns.TypePTR)
	msg.Id = 0
	msg.RecursionDesired = false

	query, err = msg.Pack()
	if err != nil {
		return nil, nil, errors.Wrap(err, "pack mdns query")
	}

	encodedName = make([]byte, 256)
	n, err := dns.PackDomainName(castServiceName, encodedName, 0, nil, false)
	if err != nil {
		return nil, nil, errors.Wrap(err, "pack service name")
	}
	return query, encodedName[:n], nil
}

// isCastAnswer is a substring heuristic rather than a record parser: the
// reply must mention the service name and advertise the cast model.
func isCastAnswer(packet, encodedName []byte) bool {
	return bytes.Contains(packet, encodedName) && bytes.Contains(packet, []byte(castModelMarker))
}

// SearchMDNS sends one cast service query and collects the senders of
// matching answers until timeout or limit. Repeated answers from one sender
// are reported once per answer.
func (s *Service) SearchMDNS(ctx context.Context, limit int, timeout time.Duration) ([]string, error) {
	query, encodedName, err := mdnsQuery()
	if err != nil {
		return nil, err
	}

	group, err := net.ResolveUDPAddr("udp4", s.cfg.MDNSAddress)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve mdns address %q", s.cfg.MDNSAddress)
	}

	// An ephemeral source port asks responders for a legacy unicast reply.
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, errors.Wrap(err, "open mdns socket")
	}
	defer conn.Close()

	pc := ipv4.NewPacketConn(conn)
	if err := pc.SetMulticastTTL(255); err != nil {
		s.logger.Debug("mdns_ttl_unsupported", slog.String("error", err.Error()))
	}
	if err := pc.SetMulticastLoopback(true); err != nil {
		s.logger.Debug("mdns_loopback_unsupported", slog.String("error", err.Error()))
	}

	if _, err := conn.WriteToUDP(query, group); err != nil {
		return nil, errors.Wrap(err, "send mdns query")
	}
	s.logger.Debug("mdns_query_sent", slog.String("group", group.String()), slog.Duration("timeout", timeout))

	return readAnswers(ctx, conn, limit, timeout, func(packet []byte, from *net.UDPAddr) (string, bool) {
		if !isCastAnswer(packet, encodedName) {
			return "", false
		}
		return from.IP.String(), true
	})
}

// readAnswers reads datagrams until the wall-clock deadline, ctx or limit,
// passing each to accept.
func readAnswers(ctx context.Context, conn *net.UDPConn, limit int, timeout time.Duration, accept func([]byte, *net.UDPAddr) (string, bool)) ([]string, error) {
	deadline := time.Now().Add(timeout)
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	found := []string{}
	buf := make([]byte, maxDatagramSize)
	for {
		if ctx.Err() != nil {
			return found, ctx.Err()
		}
		if time.Until(deadline) <= 0 {
			return found, nil
		}
		if err := conn.SetReadDeadline(deadline); err != nil {
			return found, errors.Wrap(err, "set read deadline")
		}

		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				if ctx.Err() != nil {
					return found, ctx.Err()
				}
				return found, nil
			}
			return found, errors.Wrap(err, "read answer")
		}

		if addr, ok := accept(buf[:n], from); ok {
			found = append(found, addr)
			if limit > 0 && len(found) >= limit {
				return found, nil
			}
		}
	}
}
