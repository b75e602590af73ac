package config

import (
	"strings"
	"testing"
)

func TestResolveConfigPath(t *testing.T) {
	tests := []struct {
		name        string
		goos        string
		home        string
		programData string
		want        string
	}{
		{name: "linux", goos: "linux", home: "/home/user", want: "/etc/subrelay/server.yaml"},
		{name: "darwin", goos: "darwin", home: "/Users/test", want: "/Users/test/Library/Application Support/subrelay/server.yaml"},
		{name: "windows", goos: "windows", programData: "C:\\ProgramData\\", want: "C:/ProgramData/subrelay/server.yaml"},
		{name: "windows default ProgramData", goos: "windows", want: "C:/ProgramData/subrelay/server.yaml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := strings.ReplaceAll(ResolveConfigPath(tt.goos, tt.home, tt.programData, "server.yaml"), "\\", "/")
			if got != tt.want {
				t.Errorf("got %q want %q", got, tt.want)
			}
		})
	}
}

func TestGetEnv(t *testing.T) {
	t.Setenv("SUBRELAY_TEST_VALUE", "")
	if got := GetEnv("SUBRELAY_TEST_VALUE", "def"); got != "def" {
		t.Fatalf("empty env: got %q", got)
	}
	t.Setenv("SUBRELAY_TEST_VALUE", "x")
	if got := GetEnv("SUBRELAY_TEST_VALUE", "def"); got != "x" {
		t.Fatalf("set env: got %q", got)
	}
}
