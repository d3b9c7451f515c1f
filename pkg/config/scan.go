package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
	"gopkg.in/yaml.v3"
)

// ErrInvalidScanConfig marks a scan configuration that is missing or unusable.
// A run never starts without a valid one.
var ErrInvalidScanConfig = errors.New("scan config missing or invalid")

// ScanMode selects between liveness-only and OS-aware scans.
type ScanMode string

const (
	ModeBasic   ScanMode = "basic"
	ModeOSAware ScanMode = "os_aware"
)

// AuthType selects how SSH logins authenticate.
type AuthType string

const (
	AuthPassword AuthType = "password"
	AuthKey      AuthType = "key"
)

// Command is one inventory command. Name selects the parser applied to its
// output (sys_hostname, mac_address, ...).
type Command struct {
	Name    string `yaml:"name" json:"name"`
	Command string `yaml:"command" json:"command"`
}

// Commands keeps the execution order. In YAML it is either a list of
// {name, command} items or a mapping of name to command.
type Commands []Command

// UnmarshalYAML accepts the list form, a list of bare commands, or a mapping.
func (c *Commands) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.MappingNode:
		out := make(Commands, 0, len(value.Content)/2)
		for i := 0; i+1 < len(value.Content); i += 2 {
			k, v := value.Content[i], value.Content[i+1]
			if v.Kind != yaml.ScalarNode {
				return fmt.Errorf("line %d: command %q must be a string", v.Line, k.Value)
			}
			out = append(out, Command{Name: k.Value, Command: v.Value})
		}
		*c = out
		return nil
	case yaml.SequenceNode:
		out := make(Commands, 0, len(value.Content))
		for _, item := range value.Content {
			if item.Kind == yaml.ScalarNode {
				out = append(out, Command{Name: item.Value, Command: item.Value})
				continue
			}
			var cmd Command
			if err := item.Decode(&cmd); err != nil {
				return err
			}
			if cmd.Name == "" {
				cmd.Name = cmd.Command
			}
			out = append(out, cmd)
		}
		*c = out
		return nil
	case yaml.ScalarNode:
		if value.Tag == "!!null" || value.Value == "" {
			*c = nil
			return nil
		}
	}
	return fmt.Errorf("line %d: commands must be a list or a mapping", value.Line)
}

// UnmarshalJSON accepts a list of {name, command} objects or an object
// mapping name to command, keeping key order.
func (c *Commands) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*c = nil
		return nil
	}
	if data[0] == '[' {
		var list []Command
		if err := json.Unmarshal(data, &list); err != nil {
			return err
		}
		*c = list
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return fmt.Errorf("commands must be a list or an object")
	}
	out := Commands{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		var cmd string
		if err := dec.Decode(&cmd); err != nil {
			return fmt.Errorf("command %v: %w", tok, err)
		}
		out = append(out, Command{Name: tok.(string), Command: cmd})
	}
	*c = out
	return nil
}

// ScanConfig is the configuration snapshot for one scan run. It is passed by
// value and never mutated while a run is in progress.
type ScanConfig struct {
	Networks      []string `yaml:"net_address" json:"net_address"`
	Mode          ScanMode `yaml:"scan_type" json:"scan_type"`
	AuthType      AuthType `yaml:"auth_type" json:"auth_type"`
	SSHUsername   string   `yaml:"ssh_username" json:"ssh_username"`
	SSHPort       int      `yaml:"ssh_port" json:"ssh_port"`
	SSHPassword   string   `yaml:"ssh_password" json:"ssh_password"`
	SSHPrivateKey string   `yaml:"ssh_private_key" json:"ssh_private_key"`
	Commands      Commands `yaml:"commands" json:"commands"`
	Email         string   `yaml:"email" json:"email"`
	SendEmail     bool     `yaml:"send_email" json:"send_email"`
}

// Redacted is the mask shown instead of secrets.
const Redacted = "******"

// Clone returns a deep copy.
func (c ScanConfig) Clone() ScanConfig {
	out := c
	out.Networks = append([]string(nil), c.Networks...)
	out.Commands = append(Commands(nil), c.Commands...)
	return out
}

// Redact hides the password and private key.
func (c ScanConfig) Redact() ScanConfig {
	out := c.Clone()
	if out.SSHPassword != "" {
		out.SSHPassword = Redacted
	}
	if out.SSHPrivateKey != "" {
		out.SSHPrivateKey = Redacted
	}
	return out
}

// Normalize maps the legacy scan_type names and fills the default port.
func (c *ScanConfig) Normalize() {
	switch strings.ToLower(strings.TrimSpace(string(c.Mode))) {
	case "basic", "basic_scan":
		c.Mode = ModeBasic
	case "os_aware", "os_scan", "os":
		c.Mode = ModeOSAware
	}
	c.AuthType = AuthType(strings.ToLower(strings.TrimSpace(string(c.AuthType))))
	if c.AuthType == "" {
		c.AuthType = AuthPassword
	}
	if c.SSHPort == 0 {
		c.SSHPort = 22
	}
	nets := c.Networks[:0:0]
	for _, n := range c.Networks {
		if n = strings.TrimSpace(n); n != "" {
			nets = append(nets, n)
		}
	}
	c.Networks = nets
}

var hostnamePattern = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9-]{0,62})(\.[A-Za-z0-9]([A-Za-z0-9-]{0,62}))*\.?$`)

// ValidNetwork reports whether s is a CIDR, an IP address or a host name.
func ValidNetwork(s string) bool {
	if _, err := netip.ParsePrefix(s); err == nil {
		return true
	}
	if _, err := netip.ParseAddr(s); err == nil {
		return true
	}
	return hostnamePattern.MatchString(s)
}

// Validate checks that a run can start with this configuration. Credentials
// are only required for OS-aware scans, which log in to hosts.
func (c ScanConfig) Validate() error {
	var problems []string
	if len(c.Networks) == 0 {
		problems = append(problems, "net_address is empty")
	}
	for _, n := range c.Networks {
		if !ValidNetwork(n) {
			problems = append(problems, fmt.Sprintf("net_address %q is not a CIDR, IP or host name", n))
		}
	}
	switch c.Mode {
	case ModeBasic:
	case ModeOSAware:
		problems = append(problems, c.validateLogin()...)
	default:
		problems = append(problems, fmt.Sprintf("scan_type %q is not basic or os_aware", c.Mode))
	}
	for i, cmd := range c.Commands {
		if strings.TrimSpace(cmd.Command) == "" {
			problems = append(problems, fmt.Sprintf("commands[%d] (%s) is empty", i, cmd.Name))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidScanConfig, strings.Join(problems, "; "))
	}
	return nil
}

func (c ScanConfig) validateLogin() []string {
	var problems []string
	if strings.TrimSpace(c.SSHUsername) == "" {
		problems = append(problems, "ssh_username is empty")
	}
	if c.SSHPort < 1 || c.SSHPort > 65535 {
		problems = append(problems, fmt.Sprintf("ssh_port %d out of range", c.SSHPort))
	}
	switch c.AuthType {
	case AuthPassword:
		if c.SSHPassword == "" {
			problems = append(problems, "ssh_password is required for password auth")
		}
	case AuthKey:
		if strings.TrimSpace(c.SSHPrivateKey) == "" {
			problems = append(problems, "ssh_private_key is required for key auth")
		} else if _, err := ssh.ParsePrivateKey([]byte(c.SSHPrivateKey)); err != nil {
			problems = append(problems, fmt.Sprintf("ssh_private_key: %v", err))
		}
	default:
		problems = append(problems, fmt.Sprintf("auth_type %q is not password or key", c.AuthType))
	}
	return problems
}

// scanFile is the on-disk layout: everything sits under a hosts key.
type scanFile struct {
	Hosts ScanConfig `yaml:"hosts"`
}

// ParseScanConfig decodes, normalizes and validates a scan config document.
func ParseScanConfig(data []byte) (ScanConfig, error) {
	var doc scanFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return ScanConfig{}, fmt.Errorf("%w: %w", ErrInvalidScanConfig, err)
	}
	cfg := doc.Hosts
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return ScanConfig{}, err
	}
	return cfg, nil
}

// FileStore persists the scan configuration as a YAML file.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore returns a store backed by path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file.
func (s *FileStore) Path() string { return s.path }

// Load reads a fresh snapshot. Missing or invalid files wrap ErrInvalidScanConfig.
func (s *FileStore) Load() (ScanConfig, error) {
	s.mu.Lock()
	data, err := os.ReadFile(s.path)
	s.mu.Unlock()
	if err != nil {
		return ScanConfig{}, fmt.Errorf("%w: %w", ErrInvalidScanConfig, err)
	}
	return ParseScanConfig(data)
}

// Save validates cfg and replaces the file atomically.
func (s *FileStore) Save(cfg ScanConfig) error {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(scanFile{Hosts: cfg})
	if err != nil {
		return fmt.Errorf("encode scan config: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".scan-config-*")
	if err != nil {
		return fmt.Errorf("write scan config: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write scan config: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("write scan config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write scan config: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("write scan config: %w", err)
	}
	return nil
}
