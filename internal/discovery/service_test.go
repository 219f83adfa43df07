package discovery

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"

	"go2tv.app/caststream/internal/domain"
)

// nameServer serves eureka_info with a settable name on loopback.
type nameServer struct {
	mu     sync.Mutex
	name   string
	status int
	server *httptest.Server
}

func newNameServer(t *testing.T, name string) *nameServer {
	t.Helper()
	ns := &nameServer{name: name, status: http.StatusOK}
	ns.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ns.mu.Lock()
		defer ns.mu.Unlock()
		switch r.URL.Path {
		case "/setup/eureka_info":
			if r.URL.Query().Get("options") != "detail" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			if ns.status != http.StatusOK {
				w.WriteHeader(ns.status)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"name":"` + ns.name + `","version":8,"ssdp_udn":"abc"}`))
		case "/ssdp/device-desc.xml":
			w.Header().Set("Content-Type", "application/xml")
			_, _ = w.Write([]byte(`<?xml version="1.0"?>
<root xmlns="urn:schemas-upnp-org:device-1-0">
  <specVersion><major>1</major><minor>0</minor></specVersion>
  <device>
    <deviceType>urn:dial-multiscreen-org:device:dial:1</deviceType>
    <friendlyName>` + ns.name + `</friendlyName>
  </device>
</root>`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(ns.server.Close)
	return ns
}

func (ns *nameServer) set(name string, status int) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.name = name
	ns.status = status
}

func (ns *nameServer) port(t *testing.T) int {
	t.Helper()
	_, portText, err := net.SplitHostPort(ns.server.Listener.Addr().String())
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, _ := strconv.Atoi(portText)
	return port
}

// udpResponder answers every datagram it receives with the replies
// produced by respond.
func udpResponder(t *testing.T, respond func(query []byte) [][]byte) (string, <-chan []byte) {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	queries := make(chan []byte, 8)
	go func() {
		buf := make([]byte, 2048)
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			query := append([]byte(nil), buf[:n]...)
			select {
			case queries <- query:
			default:
			}
			for _, reply := range respond(query) {
				_, _ = conn.WriteToUDP(reply, from)
			}
		}
	}()
	return conn.LocalAddr().String(), queries
}

func castAnswer(t *testing.T, query []byte, model string) []byte {
	t.Helper()
	var q dns.Msg
	if err := q.Unpack(query); err != nil {
		t.Errorf("unpack query: %v", err)
		return nil
	}
	resp := new(dns.Msg)
	resp.SetReply(&q)
	resp.Compress = false
	instance := "Chromecast-abc123." + castServiceName
	resp.Answer = []dns.RR{
		&dns.PTR{
			Hdr: dns.RR_Header{Name: castServiceName, Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: 120},
			Ptr: instance,
		},
		&dns.TXT{
			Hdr: dns.RR_Header{Name: instance, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: 120},
			Txt: []string{"id=abc123", "md=" + model, "fn=Living Room"},
		},
	}
	packed, err := resp.Pack()
	if err != nil {
		t.Errorf("pack answer: %v", err)
		return nil
	}
	return packed
}

func ssdpAnswer(st, location string) []byte {
	return []byte("HTTP/1.1 200 OK\r\n" +
		"CACHE-CONTROL: max-age=1800\r\n" +
		"EXT:\r\n" +
		"LOCATION: " + location + "\r\n" +
		"ST: " + st + "\r\n" +
		"USN: uuid:abc::" + st + "\r\n\r\n")
}

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Timeout = 2 * time.Second
	cfg.HTTPTimeout = time.Second
	cfg.CacheFile = filepath.Join(t.TempDir(), "devices")
	// Point both strategies at closed ports unless a test overrides them.
	cfg.MDNSAddress = "127.0.0.1:9"
	cfg.SSDPAddress = "127.0.0.1:9"
	return cfg
}

func TestMDNSQueryShape(t *testing.T) {
	query, encodedName, err := mdnsQuery()
	if err != nil {
		t.Fatalf("build query: %v", err)
	}

	var msg dns.Msg
	if err := msg.Unpack(query); err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if len(msg.Question) != 1 || msg.Question[0].Name != castServiceName || msg.Question[0].Qtype != dns.TypePTR {
		t.Fatalf("unexpected question %+v", msg.Question)
	}
	if msg.Id != 0 || msg.RecursionDesired {
		t.Fatalf("unexpected header id=%d rd=%v", msg.Id, msg.RecursionDesired)
	}
	if want := "\x0b_googlecast\x04_tcp\x05local\x00"; string(encodedName) != want {
		t.Fatalf("encoded name %q, want %q", encodedName, want)
	}
}

func TestIsCastAnswer(t *testing.T) {
	query, encodedName, err := mdnsQuery()
	if err != nil {
		t.Fatalf("build query: %v", err)
	}

	if !isCastAnswer(castAnswer(t, query, "Chromecast"), encodedName) {
		t.Fatal("expected cast answer to be accepted")
	}
	if isCastAnswer(castAnswer(t, query, "Google Home"), encodedName) {
		t.Fatal("answer without the cast model must be rejected")
	}
	if isCastAnswer([]byte("md=Chromecast"), encodedName) {
		t.Fatal("answer without the service name must be rejected")
	}
}

func TestFindDeviceFirstMDNSResponder(t *testing.T) {
	names := newNameServer(t, "Living Room")
	addr, queries := udpResponder(t, func(query []byte) [][]byte {
		return [][]byte{castAnswer(t, query, "Google Home"), castAnswer(t, query, "Chromecast")}
	})

	cfg := testConfig(t)
	cfg.SSDP = false
	cfg.MDNSAddress = addr
	cfg.NamePort = names.port(t)
	svc := NewService(cfg, nil)

	started := time.Now()
	rec, err := svc.FindDevice(context.Background(), "")
	if err != nil {
		t.Fatalf("find device: %v", err)
	}
	if elapsed := time.Since(started); elapsed >= cfg.Timeout {
		t.Fatalf("expected early return, took %s", elapsed)
	}
	if rec.Address != "127.0.0.1" || rec.Name != "Living Room" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if !strings.HasPrefix(rec.ID, "dev_") {
		t.Fatalf("expected stable id, got %q", rec.ID)
	}

	select {
	case q := <-queries:
		var msg dns.Msg
		if err := msg.Unpack(q); err != nil || msg.Question[0].Name != castServiceName {
			t.Fatalf("responder saw unexpected query: %v", err)
		}
	default:
		t.Fatal("responder never received a query")
	}
}

func TestSearchSSDPAcceptsOnlyDIAL(t *testing.T) {
	addr, queries := udpResponder(t, func([]byte) [][]byte {
		return [][]byte{
			ssdpAnswer("urn:schemas-upnp-org:device:MediaRenderer:1", "http://10.1.2.3:1400/desc.xml"),
			ssdpAnswer(dialSearchTarget, "http://127.0.0.1:8008/ssdp/device-desc.xml"),
			[]byte("garbage"),
		}
	})

	cfg := testConfig(t)
	cfg.SSDPAddress = addr
	svc := NewService(cfg, nil)

	found, err := svc.SearchSSDP(context.Background(), 0, 300*time.Millisecond)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(found) != 1 || found[0] != "127.0.0.1" {
		t.Fatalf("unexpected result %v", found)
	}

	request := string(<-queries)
	for _, want := range []string{"M-SEARCH * HTTP/1.1\r\n", "MX: 1\r\n", "ST: " + dialSearchTarget + "\r\n", `MAN: "ssdp:discover"`} {
		if !strings.Contains(request, want) {
			t.Fatalf("request missing %q:\n%s", want, request)
		}
	}
}

func TestSearchFallsThroughToSSDP(t *testing.T) {
	silent, _ := udpResponder(t, func([]byte) [][]byte { return nil })
	ssdp, _ := udpResponder(t, func([]byte) [][]byte {
		return [][]byte{ssdpAnswer(dialSearchTarget, "http://127.0.0.1:8008/")}
	})

	cfg := testConfig(t)
	cfg.MDNSAddress = silent
	cfg.SSDPAddress = ssdp
	svc := NewService(cfg, nil)

	found, err := svc.Search(context.Background(), 1, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(found) != 1 || found[0] != "127.0.0.1" {
		t.Fatalf("unexpected result %v", found)
	}
}

func TestSearchWithEverythingDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.MDNS = false
	cfg.SSDP = false

	_, err := NewService(cfg, nil).Search(context.Background(), 1, time.Millisecond)
	if !domain.HasCode(err, domain.CodeDiscoveryFailure) {
		t.Fatalf("expected %s, got %v", domain.CodeDiscoveryFailure, err)
	}
}

func TestDeviceNameLookup(t *testing.T) {
	names := newNameServer(t, "Kitchen")
	cfg := testConfig(t)
	cfg.NamePort = names.port(t)
	svc := NewService(cfg, nil)

	if got := svc.DeviceName(context.Background(), "127.0.0.1"); got != "Kitchen" {
		t.Fatalf("json lookup: got %q", got)
	}

	names.set("Kitchen Legacy", http.StatusNotFound)
	if got := svc.DeviceName(context.Background(), "127.0.0.1"); got != "Kitchen Legacy" {
		t.Fatalf("xml fallback: got %q", got)
	}

	names.set("Kitchen", http.StatusInternalServerError)
	if got := svc.DeviceName(context.Background(), "127.0.0.1"); got != "" {
		t.Fatalf("server error should yield empty name, got %q", got)
	}
}

func TestDeviceNameUnreachableHost(t *testing.T) {
	cfg := testConfig(t)
	cfg.NamePort = 9
	cfg.HTTPTimeout = 200 * time.Millisecond

	if got := NewService(cfg, nil).DeviceName(context.Background(), "127.0.0.1"); got != "" {
		t.Fatalf("expected empty name, got %q", got)
	}
}

func TestCacheRoundTripVerifiesLiveName(t *testing.T) {
	names := newNameServer(t, "Living Room")
	cfg := testConfig(t)
	cfg.NamePort = names.port(t)
	svc := NewService(cfg, nil)

	if err := svc.SaveCache(map[string]string{"Living Room": "127.0.0.1", "": "10.0.0.1", "Empty": ""}); err != nil {
		t.Fatalf("save cache: %v", err)
	}

	data, err := os.ReadFile(cfg.CacheFile)
	if err != nil {
		t.Fatalf("read cache: %v", err)
	}
	if string(data) != "Living Room\t127.0.0.1\n" {
		t.Fatalf("unexpected cache contents %q", data)
	}

	if got := svc.CheckCache(context.Background(), "Living Room"); got != "127.0.0.1" {
		t.Fatalf("expected cached address, got %q", got)
	}

	names.set("Bedroom", http.StatusOK)
	if got := svc.CheckCache(context.Background(), "Living Room"); got != "" {
		t.Fatalf("renamed device must not match, got %q", got)
	}
	if got := svc.CheckCache(context.Background(), "Attic"); got != "" {
		t.Fatalf("unknown name must not match, got %q", got)
	}
}

func TestCheckCacheMissingFile(t *testing.T) {
	cfg := testConfig(t)
	if got := NewService(cfg, nil).CheckCache(context.Background(), "Living Room"); got != "" {
		t.Fatalf("expected no match, got %q", got)
	}
}

func TestFindDeviceByNameSearchesAndCaches(t *testing.T) {
	names := newNameServer(t, "Kitchen")
	ssdp, _ := udpResponder(t, func([]byte) [][]byte {
		return [][]byte{ssdpAnswer(dialSearchTarget, "http://127.0.0.1:8008/")}
	})

	cfg := testConfig(t)
	cfg.MDNS = false
	cfg.SSDPAddress = ssdp
	cfg.NamePort = names.port(t)
	cfg.Timeout = 200 * time.Millisecond
	svc := NewService(cfg, nil)

	rec, err := svc.FindDevice(context.Background(), "Kitchen")
	if err != nil {
		t.Fatalf("find device: %v", err)
	}
	if rec.Address != "127.0.0.1" || rec.Name != "Kitchen" {
		t.Fatalf("unexpected record %+v", rec)
	}

	data, err := os.ReadFile(cfg.CacheFile)
	if err != nil {
		t.Fatalf("read cache: %v", err)
	}
	if string(data) != "Kitchen\t127.0.0.1\n" {
		t.Fatalf("unexpected cache contents %q", data)
	}

	_, err = svc.FindDevice(context.Background(), "Bedroom")
	if !domain.HasCode(err, domain.CodeDiscoveryFailure) {
		t.Fatalf("expected %s, got %v", domain.CodeDiscoveryFailure, err)
	}
}

func TestFindDeviceIPLiteral(t *testing.T) {
	names := newNameServer(t, "Den")
	cfg := testConfig(t)
	cfg.MDNS = false
	cfg.SSDP = false
	cfg.NamePort = names.port(t)

	rec, err := NewService(cfg, nil).FindDevice(context.Background(), "127.0.0.1")
	if err != nil {
		t.Fatalf("find device: %v", err)
	}
	if rec.Address != "127.0.0.1" || rec.Name != "Den" {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestListDevicesSortedByName(t *testing.T) {
	names := newNameServer(t, "Kitchen")
	ssdp, _ := udpResponder(t, func([]byte) [][]byte {
		return [][]byte{
			ssdpAnswer(dialSearchTarget, "http://127.0.0.1:8008/"),
			ssdpAnswer(dialSearchTarget, "http://127.0.0.1:8008/"),
		}
	})

	cfg := testConfig(t)
	cfg.MDNS = false
	cfg.SSDPAddress = ssdp
	cfg.NamePort = names.port(t)
	svc := NewService(cfg, nil)

	devices, err := svc.ListDevices(context.Background(), 200*time.Millisecond)
	if err != nil {
		t.Fatalf("list devices: %v", err)
	}
	if len(devices) != 1 || devices[0].Name != "Kitchen" {
		t.Fatalf("unexpected devices %+v", devices)
	}
	if devices[0].ID != stableID("127.0.0.1") {
		t.Fatalf("unexpected id %q", devices[0].ID)
	}
}
