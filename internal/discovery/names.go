package discovery

import (
	"context"
	"encoding/xml"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/buger/jsonparser"
	"github.com/hashicorp/go-cleanhttp"
)

const (
	eurekaInfoPath  = "/setup/eureka_info?options=detail"
	deviceDescPath  = "/ssdp/device-desc.xml"
	maxNameDocBytes = 1 << 20
)

type deviceDescription struct {
	Device struct {
		FriendlyName string `xml:"urn:schemas-upnp-org:device-1-0 friendlyName"`
	} `xml:"urn:schemas-upnp-org:device-1-0 device"`
}

type nameClient struct {
	client *http.Client
	port   int
	logger *slog.Logger
}

func newNameClient(port int, timeout time.Duration, logger *slog.Logger) *nameClient {
	client := cleanhttp.DefaultClient()
	client.Timeout = timeout
	return &nameClient{client: client, port: port, logger: logger}
}

// lookup asks the device for its friendly name. Any failure yields "" since
// unrelated hosts routinely answer discovery probes.
func (c *nameClient) lookup(ctx context.Context, address string) string {
	base := "http://" + net.JoinHostPort(address, strconv.Itoa(c.port))

	body, status, err := c.get(ctx, base+eurekaInfoPath)
	if err != nil {
		c.logger.Debug("device_name_lookup_failed", slog.String("address", address), slog.String("error", err.Error()))
		return ""
	}
	switch status {
	case http.StatusOK:
		name, err := jsonparser.GetString(body, "name")
		if err != nil {
			return ""
		}
		return strings.TrimSpace(name)
	case http.StatusNotFound:
		return c.lookupDescription(ctx, base, address)
	default:
		c.logger.Debug("device_name_unexpected_status", slog.String("address", address), slog.Int("status", status))
		return ""
	}
}

func (c *nameClient) lookupDescription(ctx context.Context, base, address string) string {
	body, status, err := c.get(ctx, base+deviceDescPath)
	if err != nil || status != http.StatusOK {
		return ""
	}

	var desc deviceDescription
	if err := xml.Unmarshal(body, &desc); err != nil {
		c.logger.Debug("device_description_malformed", slog.String("address", address), slog.String("error", err.Error()))
		return ""
	}
	return strings.TrimSpace(desc.Device.FriendlyName)
}

func (c *nameClient) get(ctx context.Context, target string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxNameDocBytes))
	if err != nil {
		return nil, 0, err
	}
	return body, resp.StatusCode, nil
}
