// Package extract turns raw inventory command output into device facts.
// Every field is parsed independently; output a parser does not recognize
// leaves that field absent.
package extract

import (
	"regexp"
	"strings"

	"github.com/nmasdoufi/cmdbscan/pkg/inventory"
)

// StatusSucceeded is recorded for hosts whose login and commands ran.
const StatusSucceeded = "succeeded"

type field int

const (
	fieldNone field = iota
	fieldSysHostname
	fieldMAC
	fieldOSVersion
	fieldSerial
	fieldModel
	fieldVendor
	fieldOSType
	fieldDeviceType
)

// byName maps the command names used in scan configs to the field they fill.
var byName = map[string]field{
	"sys_hostname":  fieldSysHostname,
	"hostname":      fieldSysHostname,
	"mac_address":   fieldMAC,
	"mac":           fieldMAC,
	"os_version":    fieldOSVersion,
	"os_release":    fieldOSVersion,
	"sn_number":     fieldSerial,
	"serial":        fieldSerial,
	"serial_number": fieldSerial,
	"device_model":  fieldModel,
	"product_name":  fieldModel,
	"model":         fieldModel,
	"vendor":        fieldVendor,
	"sys_vendor":    fieldVendor,
	"manufacturer":  fieldVendor,
	"os_type":       fieldOSType,
	"device_type":   fieldDeviceType,
}

// byCommand is consulted when the name is unknown, in order.
var byCommand = []struct {
	needle string
	field  field
}{
	{"system-serial-number", fieldSerial},
	{"product_serial", fieldSerial},
	{"system-product-name", fieldModel},
	{"product_name", fieldModel},
	{"system-manufacturer", fieldVendor},
	{"sys_vendor", fieldVendor},
	{"/address", fieldMAC},
	{"ip link", fieldMAC},
	{"ifconfig", fieldMAC},
	{"/etc/issue", fieldOSVersion},
	{"release", fieldOSVersion},
	{"uname -s", fieldOSType},
	{"hostname", fieldSysHostname},
}

func classify(out inventory.CommandOutput) field {
	if f, ok := byName[strings.ToLower(strings.TrimSpace(out.Name))]; ok {
		return f
	}
	cmd := strings.ToLower(out.Command)
	for _, c := range byCommand {
		if strings.Contains(cmd, c.needle) {
			return c.field
		}
	}
	return fieldNone
}

// Extract parses a login result into a partial fact. It is pure and
// deterministic. Failed logins yield a fact carrying only the hostname.
func Extract(res inventory.LoginResult) inventory.DeviceFact {
	fact := inventory.DeviceFact{Hostname: res.Host}
	if !res.Success {
		return fact
	}
	for _, out := range res.Outputs {
		if out.ExitStatus != 0 {
			continue
		}
		switch classify(out) {
		case fieldSysHostname:
			setOnce(&fact.SysHostname, parseFirstLine(out.Stdout))
		case fieldMAC:
			setOnce(&fact.MACAddress, parseMAC(out.Stdout))
		case fieldOSVersion:
			setOnce(&fact.OSVersion, parseOSVersion(out.Stdout))
		case fieldSerial:
			setOnce(&fact.SerialNumber, parseIdentifier(out.Stdout))
		case fieldModel:
			setOnce(&fact.Model, parseIdentifier(out.Stdout))
		case fieldVendor:
			setOnce(&fact.Vendor, parseIdentifier(out.Stdout))
		case fieldOSType:
			setOnce(&fact.OSType, parseOSType(out.Stdout))
		case fieldDeviceType:
			setOnce(&fact.DeviceType, parseFirstLine(out.Stdout))
		}
	}
	setOnce(&fact.DeviceType, deviceTypeFor(deref(fact.Vendor), deref(fact.Model)))
	if res.AuthType != "" {
		fact.AuthType = inventory.Some(res.AuthType)
	}
	fact.Status = inventory.Some(StatusSucceeded)
	return fact
}

// setOnce keeps the first value a command produced for a field.
func setOnce(dst **string, v string) {
	if *dst != nil || v == "" {
		return
	}
	*dst = &v
}

func lines(s string) []string {
	var out []string
	for _, l := range strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

func parseFirstLine(s string) string {
	ls := lines(s)
	if len(ls) == 0 {
		return ""
	}
	return ls[0]
}

var macPattern = regexp.MustCompile(`(?i)\b([0-9a-f]{2}[:-]){5}[0-9a-f]{2}\b`)

func parseMAC(s string) string {
	for _, m := range macPattern.FindAllString(s, -1) {
		mac := inventory.NormalizeMAC(m)
		if mac == "00:00:00:00:00:00" || mac == "FF:FF:FF:FF:FF:FF" {
			continue
		}
		return mac
	}
	return ""
}

var gettyEscape = regexp.MustCompile(`\\[a-zA-Z]`)

func parseOSVersion(s string) string {
	ls := lines(s)
	for _, l := range ls {
		if v, ok := strings.CutPrefix(l, "PRETTY_NAME="); ok {
			return strings.Trim(v, `"'`)
		}
		if v, ok := strings.CutPrefix(l, "Description:"); ok {
			return strings.TrimSpace(v)
		}
	}
	for _, l := range ls {
		if strings.Contains(l, "=") {
			continue
		}
		l = strings.TrimSpace(gettyEscape.ReplaceAllString(l, ""))
		if l == "" || strings.HasPrefix(strings.ToLower(l), "kernel ") {
			continue
		}
		return l
	}
	return ""
}

// placeholders are values firmware reports when a DMI field was never set.
var placeholders = map[string]bool{
	"to be filled by o.e.m.": true,
	"not specified":          true,
	"system serial number":   true,
	"default string":         true,
	"none":                   true,
	"0":                      true,
	"0123456789":             true,
}

func parseIdentifier(s string) string {
	for _, l := range lines(s) {
		if strings.HasPrefix(l, "#") {
			continue
		}
		if placeholders[strings.ToLower(l)] {
			return ""
		}
		return l
	}
	return ""
}

func parseOSType(s string) string {
	v := strings.ToLower(parseFirstLine(s))
	switch {
	case v == "":
		return ""
	case strings.Contains(v, "linux"):
		return string(inventory.OSLinux)
	case strings.Contains(v, "windows"), strings.Contains(v, "mingw"), strings.Contains(v, "cygwin"):
		return string(inventory.OSWindows)
	case strings.Contains(v, "routeros"), strings.Contains(v, "ios"), strings.Contains(v, "junos"),
		strings.Contains(v, "busybox"), strings.Contains(v, "openwrt"):
		return string(inventory.OSEmbedded)
	}
	return parseFirstLine(s)
}

// Device types derived from hardware identifiers.
const (
	VirtualMachine = "virtual machine"
	PhysicalServer = "physical server"
)

var virtualSignatures = []string{
	"vmware", "virtualbox", "kvm", "qemu", "xen", "hvm domu", "hyper-v", "virtual machine", "bochs", "parallels", "openstack",
}

func isVirtual(s string) bool {
	v := strings.ToLower(s)
	if v == "" {
		return false
	}
	for _, sig := range virtualSignatures {
		if strings.Contains(v, sig) {
			return true
		}
	}
	return false
}

func deviceTypeFor(vendor, model string) string {
	switch {
	case isVirtual(vendor) || isVirtual(model):
		return VirtualMachine
	case model != "":
		return PhysicalServer
	}
	return ""
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
