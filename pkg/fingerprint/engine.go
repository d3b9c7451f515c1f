package fingerprint

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/nmasdoufi/cmdbscan/pkg/inventory"
	"github.com/nmasdoufi/cmdbscan/pkg/logging"
)

// Engine classifies live hosts by operating system.
type Engine struct {
	snmpCommunity string
	timeout       time.Duration
	logger        *logging.Logger
	snmpQuery     func(ctx context.Context, host string) (string, error)
}

// EngineOption configures the fingerprint engine
type EngineOption func(*Engine)

// WithSNMP enables SNMP sysDescr lookups with the given community string.
func WithSNMP(community string) EngineOption {
	return func(e *Engine) {
		e.snmpCommunity = community
	}
}

// WithTimeout bounds each individual probe.
func WithTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// NewEngine creates new fingerprint engine.
func NewEngine(logger *logging.Logger, opts ...EngineOption) *Engine {
	if logger == nil {
		logger = logging.Discard()
	}
	e := &Engine{
		timeout: 2 * time.Second,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.snmpQuery = e.sysDescr
	return e
}

const oidSysDescr = ".1.3.6.1.2.1.1.1.0"

// Classify returns the best OS guess for host. Sources are tried in order:
// SNMP sysDescr, the SSH banner, then open ports.
func (e *Engine) Classify(ctx context.Context, host string, openPorts []int) inventory.OSClass {
	if e.snmpCommunity != "" {
		desc, err := e.snmpQuery(ctx, host)
		if err != nil {
			e.logger.Debugf("snmp %s: %v", host, err)
		} else if class := classifySysDescr(desc); class != inventory.OSUnknown {
			e.logger.Debug("classified host", "host", host, "source", "snmp", "os", class)
			return class
		}
	}

	if slices.Contains(openPorts, 22) {
		banner, err := e.sshBanner(ctx, host)
		if err != nil {
			e.logger.Debugf("ssh banner %s: %v", host, err)
		} else if class := classifyBanner(banner); class != inventory.OSUnknown {
			e.logger.Debug("classified host", "host", host, "source", "ssh_banner", "os", class)
			return class
		}
	}

	class := classifyPorts(openPorts)
	e.logger.Debug("classified host", "host", host, "source", "ports", "os", class)
	return class
}

func (e *Engine) sysDescr(ctx context.Context, host string) (string, error) {
	snmp := &gosnmp.GoSNMP{
		Context:   ctx,
		Target:    host,
		Port:      161,
		Community: e.snmpCommunity,
		Version:   gosnmp.Version2c,
		Timeout:   e.timeout,
		Retries:   1,
	}
	if err := snmp.Connect(); err != nil {
		return "", fmt.Errorf("snmp connect: %w", err)
	}
	defer snmp.Conn.Close()

	result, err := snmp.Get([]string{oidSysDescr})
	if err != nil {
		return "", fmt.Errorf("snmp get: %w", err)
	}
	for _, v := range result.Variables {
		if v.Name != oidSysDescr {
			continue
		}
		switch val := v.Value.(type) {
		case []byte:
			return string(val), nil
		case string:
			return val, nil
		}
	}
	return "", fmt.Errorf("snmp: no sysDescr in response")
}

// sshBanner reads the identification line an SSH server sends on connect.
func (e *Engine) sshBanner(ctx context.Context, host string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(22)))
	if err != nil {
		return "", err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	}
	r := bufio.NewReaderSize(conn, 256)
	// Servers may send other lines before the identification string.
	for i := 0; i < 5; i++ {
		line, err := r.ReadString('\n')
		if strings.HasPrefix(line, "SSH-") {
			return strings.TrimSpace(line), nil
		}
		if err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("no ssh identification from %s", host)
}

var embeddedMarkers = []string{
	"cisco", "routeros", "mikrotik", "junos", "juniper", "huawei", "vrp", "comware", "h3c",
	"procurve", "aruba", "fortigate", "fortios", "openwrt", "dd-wrt", "busybox", "vxworks",
	"jetdirect", "printer", "switch", "router", "ubiquiti", "edgeos", "zyxel", "netgear",
}

func hasMarker(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// classifySysDescr maps an SNMP sysDescr string to an OS class.
func classifySysDescr(desc string) inventory.OSClass {
	d := strings.ToLower(desc)
	switch {
	case d == "":
		return inventory.OSUnknown
	case strings.Contains(d, "windows"):
		return inventory.OSWindows
	case hasMarker(d, embeddedMarkers):
		return inventory.OSEmbedded
	case strings.Contains(d, "linux"):
		return inventory.OSLinux
	}
	return inventory.OSUnknown
}

var embeddedSSH = []string{
	"dropbear", "rosssh", "routeros", "cisco", "huawei", "comware", "fortissh", "lancom",
	"zyxel", "netgear", "mpssh", "hp switch", "ssh-2.0--",
}

// classifyBanner maps an SSH identification string to an OS class.
func classifyBanner(banner string) inventory.OSClass {
	b := strings.ToLower(strings.TrimSpace(banner))
	switch {
	case !strings.HasPrefix(b, "ssh-"):
		return inventory.OSUnknown
	case strings.Contains(b, "windows"):
		return inventory.OSWindows
	case hasMarker(b, embeddedSSH):
		return inventory.OSEmbedded
	}
	return inventory.OSLinux
}

// classifyPorts is the last resort when no service identified itself.
func classifyPorts(open []int) inventory.OSClass {
	has := func(p int) bool { return slices.Contains(open, p) }
	switch {
	case has(135) || has(139) || has(445) || has(3389):
		return inventory.OSWindows
	case has(22):
		return inventory.OSLinux
	case has(23):
		return inventory.OSEmbedded
	}
	return inventory.OSUnknown
}
