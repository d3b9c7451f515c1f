package inventory

import (
	"time"
)

// OSClass is the best-effort operating system classification of a host.
type OSClass string

const (
	OSLinux    OSClass = "Linux"
	OSWindows  OSClass = "Windows"
	OSEmbedded OSClass = "embedded"
	OSUnknown  OSClass = "unknown"
)

// LoginCapable reports whether hosts of this class are logged in to.
func (c OSClass) LoginCapable() bool {
	return c == OSLinux || c == OSEmbedded
}

// DiscoveredHost is one live host found by the prober.
type DiscoveredHost struct {
	Host      string
	OS        OSClass
	SeenAt    time.Time
	OpenPorts []int
}

// FailureKind categorizes why a login produced no output.
type FailureKind string

const (
	FailureNone          FailureKind = ""
	FailureUnreachable   FailureKind = "unreachable"
	FailureAuthRejected  FailureKind = "auth_rejected"
	FailureTimeout       FailureKind = "timeout"
	FailureProtocolError FailureKind = "protocol_error"
)

// CommandOutput is the captured result of one inventory command.
type CommandOutput struct {
	Name       string
	Command    string
	Stdout     string
	ExitStatus int
	// Error is set when the command could not be run at all.
	Error string
}

// LoginResult is what the credential executor returns for one host.
type LoginResult struct {
	Host     string
	AuthType string
	Success  bool
	Outputs  []CommandOutput
	Failure  FailureKind
	Reason   string
}

// DeviceFact is the normalized, possibly partial, inventory of one host.
// Nil fields were not observed and never overwrite stored values.
type DeviceFact struct {
	Hostname     string
	SysHostname  *string
	MACAddress   *string
	OSType       *string
	DeviceType   *string
	OSVersion    *string
	SerialNumber *string
	Vendor       *string
	Model        *string
	AuthType     *string
	Status       *string
	SeenAt       time.Time
}

// Some returns a pointer to v, for building facts.
func Some(v string) *string { return &v }

// Columns returns the device_scan_info columns this fact sets.
func (f DeviceFact) Columns() map[string]any {
	cols := map[string]any{}
	set := func(name string, v *string) {
		if v != nil {
			cols[name] = *v
		}
	}
	set("sys_hostname", f.SysHostname)
	set("mac_address", f.MACAddress)
	set("os_type", f.OSType)
	set("device_type", f.DeviceType)
	set("os_version", f.OSVersion)
	set("serial_number", f.SerialNumber)
	set("vendor", f.Vendor)
	set("model", f.Model)
	set("auth_type", f.AuthType)
	set("status", f.Status)
	if !f.SeenAt.IsZero() {
		cols["last_seen"] = f.SeenAt.UTC()
	}
	return cols
}

// DeviceRecord is the persisted inventory row, unique by Hostname.
type DeviceRecord struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	Hostname     string     `gorm:"column:hostname;size:255;uniqueIndex;not null" json:"hostname"`
	SysHostname  string     `gorm:"column:sys_hostname;size:255" json:"sys_hostname,omitempty"`
	MACAddress   string     `gorm:"column:mac_address;size:64" json:"mac_address,omitempty"`
	AuthType     string     `gorm:"column:auth_type;size:32" json:"auth_type,omitempty"`
	Status       string     `gorm:"column:status;size:32" json:"status,omitempty"`
	OSType       string     `gorm:"column:os_type;size:64" json:"os_type,omitempty"`
	DeviceType   string     `gorm:"column:device_type;size:64" json:"device_type,omitempty"`
	OSVersion    string     `gorm:"column:os_version;size:255" json:"os_version,omitempty"`
	SerialNumber string     `gorm:"column:serial_number;size:128" json:"serial_number,omitempty"`
	Vendor       string     `gorm:"column:vendor;size:128" json:"vendor,omitempty"`
	Model        string     `gorm:"column:model;size:255" json:"model,omitempty"`
	LastSeen     *time.Time `gorm:"column:last_seen" json:"last_seen,omitempty"`
	CreatedAt    time.Time  `gorm:"column:created_at" json:"created_at"`
}

// TableName keeps the original CMDB table name.
func (DeviceRecord) TableName() string { return "device_scan_info" }
