package fingerprint

import (
	"context"
	"errors"
	"testing"

	"github.com/nmasdoufi/cmdbscan/pkg/inventory"
)

func TestClassifySysDescr(t *testing.T) {
	tests := []struct {
		desc string
		want inventory.OSClass
	}{
		{"Linux web01 5.15.0-91-generic #101-Ubuntu SMP x86_64", inventory.OSLinux},
		{"Hardware: Intel64 Family 6 Model 85 - Software: Windows Version 6.3 (Build 17763 Multiprocessor Free)", inventory.OSWindows},
		{"Cisco IOS Software, C2960 Software (C2960-LANBASEK9-M), Version 15.0(2)SE", inventory.OSEmbedded},
		{"RouterOS RB4011iGS+", inventory.OSEmbedded},
		{"Linux OpenWrt 5.4.143", inventory.OSEmbedded},
		{"FreeBSD fw01 13.2-RELEASE", inventory.OSUnknown},
		{"", inventory.OSUnknown},
	}
	for _, tt := range tests {
		if got := classifySysDescr(tt.desc); got != tt.want {
			t.Errorf("classifySysDescr(%q)=%s want %s", tt.desc, got, tt.want)
		}
	}
}

func TestClassifyBanner(t *testing.T) {
	tests := []struct {
		banner string
		want   inventory.OSClass
	}{
		{"SSH-2.0-OpenSSH_8.9p1 Ubuntu-3ubuntu0.6", inventory.OSLinux},
		{"SSH-2.0-OpenSSH_for_Windows_8.1", inventory.OSWindows},
		{"SSH-2.0-dropbear_2020.81", inventory.OSEmbedded},
		{"SSH-2.0-ROSSSH", inventory.OSEmbedded},
		{"SSH-1.99-Cisco-1.25", inventory.OSEmbedded},
		{"SSH-2.0-HUAWEI-1.5", inventory.OSEmbedded},
		{"HTTP/1.1 400 Bad Request", inventory.OSUnknown},
	}
	for _, tt := range tests {
		if got := classifyBanner(tt.banner); got != tt.want {
			t.Errorf("classifyBanner(%q)=%s want %s", tt.banner, got, tt.want)
		}
	}
}

func TestClassifyPorts(t *testing.T) {
	tests := []struct {
		ports []int
		want  inventory.OSClass
	}{
		{[]int{135, 445}, inventory.OSWindows},
		{[]int{3389}, inventory.OSWindows},
		{[]int{22, 80}, inventory.OSLinux},
		{[]int{23}, inventory.OSEmbedded},
		{[]int{80, 443}, inventory.OSUnknown},
		{nil, inventory.OSUnknown},
	}
	for _, tt := range tests {
		if got := classifyPorts(tt.ports); got != tt.want {
			t.Errorf("classifyPorts(%v)=%s want %s", tt.ports, got, tt.want)
		}
	}
}

func TestClassifyPrefersSNMP(t *testing.T) {
	e := NewEngine(nil, WithSNMP("public"))
	e.snmpQuery = func(context.Context, string) (string, error) {
		return "Cisco IOS Software, C3750", nil
	}
	if got := e.Classify(context.Background(), "10.0.0.1", []int{445}); got != inventory.OSEmbedded {
		t.Fatalf("got %s", got)
	}
}

func TestClassifyFallsBackToPorts(t *testing.T) {
	e := NewEngine(nil, WithSNMP("public"))
	e.snmpQuery = func(context.Context, string) (string, error) {
		return "", errors.New("request timeout")
	}
	if got := e.Classify(context.Background(), "10.0.0.1", []int{139, 3389}); got != inventory.OSWindows {
		t.Fatalf("got %s", got)
	}
	if got := NewEngine(nil).Classify(context.Background(), "10.0.0.1", nil); got != inventory.OSUnknown {
		t.Fatalf("no evidence should be unknown, got %s", got)
	}
}
