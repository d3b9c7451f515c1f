package extract

import (
	"reflect"
	"testing"

	"github.com/nmasdoufi/cmdbscan/pkg/inventory"
)

func out(name, cmd, stdout string) inventory.CommandOutput {
	return inventory.CommandOutput{Name: name, Command: cmd, Stdout: stdout}
}

func str(p *string) string {
	if p == nil {
		return "<nil>"
	}
	return *p
}

func TestExtractTypicalLinuxHost(t *testing.T) {
	res := inventory.LoginResult{
		Host:     "10.0.0.5",
		AuthType: "password",
		Success:  true,
		Outputs: []inventory.CommandOutput{
			out("sys_hostname", "hostname", "web01\n"),
			out("mac_address", "cat /sys/class/net/[^vtlsb]*/address", "00:00:00:00:00:00\n52:54:00:ab:cd:ef\n"),
			out("sn_number", "dmidecode -s system-serial-number", "# SMBIOS entry point\nCZ1234567\n"),
			out("os_version", "cat /etc/issue", "Ubuntu 22.04.3 LTS \\n \\l\n\n"),
			out("device_model", "dmidecode -s system-product-name", "KVM\n"),
		},
	}
	f := Extract(res)
	checks := map[string][2]string{
		"sys_hostname": {str(f.SysHostname), "web01"},
		"mac":          {str(f.MACAddress), "52:54:00:AB:CD:EF"},
		"serial":       {str(f.SerialNumber), "CZ1234567"},
		"os_version":   {str(f.OSVersion), "Ubuntu 22.04.3 LTS"},
		"model":        {str(f.Model), "KVM"},
		"device_type":  {str(f.DeviceType), VirtualMachine},
		"auth_type":    {str(f.AuthType), "password"},
		"status":       {str(f.Status), StatusSucceeded},
	}
	for name, c := range checks {
		if c[0] != c[1] {
			t.Fatalf("%s=%q want %q", name, c[0], c[1])
		}
	}
	if f.Hostname != "10.0.0.5" || f.OSType != nil || f.Vendor != nil {
		t.Fatalf("unexpected fact %+v", f)
	}
}

func TestExtractFailedLoginIsHostnameOnly(t *testing.T) {
	f := Extract(inventory.LoginResult{Host: "h1", Failure: inventory.FailureAuthRejected})
	if !reflect.DeepEqual(f, inventory.DeviceFact{Hostname: "h1"}) {
		t.Fatalf("unexpected fact %+v", f)
	}
}

func TestMalformedOutputOnlyDropsThatField(t *testing.T) {
	f := Extract(inventory.LoginResult{
		Host:    "h1",
		Success: true,
		Outputs: []inventory.CommandOutput{
			out("mac_address", "ip link", "garbage without a mac"),
			{Name: "sn_number", Command: "dmidecode -s system-serial-number", Stdout: "Permission denied", ExitStatus: 1},
			out("sys_hostname", "hostname", "h1.example.com"),
			out("sn_number", "cat /sys/class/dmi/id/product_serial", "To Be Filled By O.E.M."),
		},
	})
	if f.MACAddress != nil || f.SerialNumber != nil {
		t.Fatalf("bad output must leave fields absent: %+v", f)
	}
	if str(f.SysHostname) != "h1.example.com" {
		t.Fatalf("sys_hostname=%q", str(f.SysHostname))
	}
}

func TestExtractByCommandTextWhenNameUnknown(t *testing.T) {
	f := Extract(inventory.LoginResult{
		Host:    "h",
		Success: true,
		Outputs: []inventory.CommandOutput{
			out("cmd1", "cat /etc/os-release", "NAME=\"Debian GNU/Linux\"\nPRETTY_NAME=\"Debian GNU/Linux 12 (bookworm)\"\n"),
			out("cmd2", "cat /sys/class/dmi/id/sys_vendor", "Dell Inc.\n"),
			out("cmd3", "cat /sys/class/dmi/id/product_name", "PowerEdge R640\n"),
			out("cmd4", "uname -s", "Linux\n"),
			out("cmd5", "echo hi", "hi"),
		},
	})
	if str(f.OSVersion) != "Debian GNU/Linux 12 (bookworm)" {
		t.Fatalf("os_version=%q", str(f.OSVersion))
	}
	if str(f.Vendor) != "Dell Inc." || str(f.Model) != "PowerEdge R640" || str(f.DeviceType) != PhysicalServer {
		t.Fatalf("hardware fields %q %q %q", str(f.Vendor), str(f.Model), str(f.DeviceType))
	}
	if str(f.OSType) != "Linux" {
		t.Fatalf("os_type=%q", str(f.OSType))
	}
}

func TestVirtualVendorWinsOverGenericModel(t *testing.T) {
	f := Extract(inventory.LoginResult{
		Host:    "h",
		Success: true,
		Outputs: []inventory.CommandOutput{
			out("device_model", "dmidecode -s system-product-name", "Standard PC (i440FX + PIIX, 1996)"),
			out("vendor", "dmidecode -s system-manufacturer", "QEMU"),
		},
	})
	if str(f.DeviceType) != VirtualMachine {
		t.Fatalf("device_type=%q", str(f.DeviceType))
	}
}

func TestExtractIsDeterministic(t *testing.T) {
	res := inventory.LoginResult{
		Host:    "h",
		Success: true,
		Outputs: []inventory.CommandOutput{
			out("mac_address", "ifconfig", "ether 3c:22:fb:01:02:03  txqueuelen 1000\nether 3c:22:fb:01:02:04"),
			out("os_version", "lsb_release -d", "Description:\tUbuntu 20.04.6 LTS"),
		},
	}
	first := Extract(res)
	for i := 0; i < 5; i++ {
		if !reflect.DeepEqual(first, Extract(res)) {
			t.Fatalf("extraction not deterministic")
		}
	}
	if str(first.MACAddress) != "3C:22:FB:01:02:03" || str(first.OSVersion) != "Ubuntu 20.04.6 LTS" {
		t.Fatalf("unexpected %q %q", str(first.MACAddress), str(first.OSVersion))
	}
}

func TestEmptyOutputsStillSucceeded(t *testing.T) {
	f := Extract(inventory.LoginResult{Host: "h", Success: true})
	if str(f.Status) != StatusSucceeded || f.DeviceType != nil {
		t.Fatalf("unexpected %+v", f)
	}
}
