package inventory

import "strings"

// NormalizeFact canonicalizes a fact before it is stored: the hostname key is
// trimmed and lower-cased, present fields are trimmed, and fields that end up
// empty are treated as absent.
func NormalizeFact(f DeviceFact) DeviceFact {
	f.Hostname = strings.ToLower(strings.TrimSpace(f.Hostname))
	for _, p := range []**string{
		&f.SysHostname, &f.MACAddress, &f.OSType, &f.DeviceType, &f.OSVersion,
		&f.SerialNumber, &f.Vendor, &f.Model, &f.AuthType, &f.Status,
	} {
		*p = trimmed(*p)
	}
	if f.MACAddress != nil {
		f.MACAddress = Some(NormalizeMAC(*f.MACAddress))
	}
	return f
}

func trimmed(v *string) *string {
	if v == nil {
		return nil
	}
	s := strings.TrimSpace(*v)
	if s == "" {
		return nil
	}
	return &s
}

// NormalizeMAC converts a MAC address to upper-case colon-separated form.
func NormalizeMAC(mac string) string {
	mac = strings.ReplaceAll(strings.TrimSpace(mac), "-", ":")
	return strings.ToUpper(mac)
}
