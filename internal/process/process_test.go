package process

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func testTargetConfig() *TargetConfig {
	return &TargetConfig{
		BinaryPath: "xrun",
		Firmware:   "bin/app.xe",
		AdapterID:  "EHV92U6D",
		BindHost:   "localhost",
	}
}

// =============================================================================
// Target runners
// =============================================================================

func TestXrunRunner_Args(t *testing.T) {
	tests := []struct {
		name     string
		bindHost string
		extra    []string
		want     []string
	}{
		{
			name: "plain",
			want: []string{"--xscope-port", "localhost:40123", "--adapter-id", "EHV92U6D", "bin/app.xe"},
		},
		{
			name:  "extra args first",
			extra: []string{"--io"},
			want:  []string{"--io", "--xscope-port", "localhost:40123", "--adapter-id", "EHV92U6D", "bin/app.xe"},
		},
		{
			name:     "ipv4 literal",
			bindHost: "127.0.0.1",
			want:     []string{"--xscope-port", "127.0.0.1:40123", "--adapter-id", "EHV92U6D", "bin/app.xe"},
		},
		{
			name:     "ipv6 literal bracketed",
			bindHost: "::1",
			want:     []string{"--xscope-port", "[::1]:40123", "--adapter-id", "EHV92U6D", "bin/app.xe"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testTargetConfig()
			if tt.bindHost != "" {
				cfg.BindHost = tt.bindHost
			}
			cfg.ExtraArgs = tt.extra
			got := NewXrunRunner(cfg).Args(40123)

			if strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Errorf("Args = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestXrunRunner_ArgsDoNotAliasExtra(t *testing.T) {
	cfg := testTargetConfig()
	cfg.ExtraArgs = make([]string, 1, 8)
	cfg.ExtraArgs[0] = "--io"

	r := NewXrunRunner(cfg)
	a := r.Args(1)
	b := r.Args(2)
	if a[2] != "localhost:1" || b[2] != "localhost:2" {
		t.Errorf("argument vectors share storage: %q / %q", a, b)
	}
}

func TestXsimRunner_Args(t *testing.T) {
	tests := []struct {
		name     string
		bindHost string
		want     []string
	}{
		{"hostname", "localhost", []string{"--xscope", "-realtime localhost:5555", "bin/app.xe"}},
		{"ipv6 literal bracketed", "::1", []string{"--xscope", "-realtime [::1]:5555", "bin/app.xe"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testTargetConfig()
			cfg.BinaryPath = "xsim"
			cfg.AdapterID = ""
			cfg.BindHost = tt.bindHost

			got := NewXsimRunner(cfg).Args(5555)
			if strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Errorf("Args = %q, want %q", got, tt.want)
			}
		})
	}
}

// The target must be told the same endpoint the readiness poller binds.
func TestTargetConfig_AddressSplits(t *testing.T) {
	for _, h := range []string{"localhost", "127.0.0.1", "::1", "fe80::1%eth0"} {
		cfg := testTargetConfig()
		cfg.BindHost = h

		addr := NewXrunRunner(cfg).Args(1234)[1]
		host, p, err := net.SplitHostPort(addr)
		if err != nil {
			t.Errorf("BindHost %q: SplitHostPort(%q) error = %v", h, addr, err)
			continue
		}
		if host != h || p != "1234" {
			t.Errorf("BindHost %q: split into %q, %q", h, host, p)
		}
	}
}

func TestTargetConfig_DefaultBindHost(t *testing.T) {
	cfg := testTargetConfig()
	cfg.BindHost = ""
	got := NewXrunRunner(cfg).Args(7)
	if got[1] != "localhost:7" {
		t.Errorf("address = %q, want localhost:7", got[1])
	}
}

func TestNewTargetRunner(t *testing.T) {
	cfg := testTargetConfig()
	if name := NewTargetRunner(cfg).Name(); name != "xrun" {
		t.Errorf("Name = %q, want xrun", name)
	}
	cfg.Simulate = true
	if name := NewTargetRunner(cfg).Name(); name != "xsim" {
		t.Errorf("Name = %q, want xsim", name)
	}
}

func TestTargetRunner_BuildCommand(t *testing.T) {
	ctx := context.Background()

	t.Run("xrun", func(t *testing.T) {
		cmd, err := NewXrunRunner(testTargetConfig()).BuildCommand(ctx, 40123)
		if err != nil {
			t.Fatalf("BuildCommand: %v", err)
		}
		if cmd.Process != nil {
			t.Error("command must not be started")
		}
		if cmd.Args[0] != "xrun" || cmd.Args[len(cmd.Args)-1] != "bin/app.xe" {
			t.Errorf("cmd.Args = %q", cmd.Args)
		}
	})

	t.Run("xrun_without_adapter", func(t *testing.T) {
		cfg := testTargetConfig()
		cfg.AdapterID = ""
		if _, err := NewXrunRunner(cfg).BuildCommand(ctx, 1); err == nil {
			t.Error("expected error without adapter ID")
		}
	})

	t.Run("xsim_without_adapter", func(t *testing.T) {
		cfg := testTargetConfig()
		cfg.AdapterID = ""
		if _, err := NewXsimRunner(cfg).BuildCommand(ctx, 1); err != nil {
			t.Errorf("xsim needs no adapter: %v", err)
		}
	})

	t.Run("missing_firmware", func(t *testing.T) {
		cfg := testTargetConfig()
		cfg.Firmware = ""
		if _, err := NewXrunRunner(cfg).BuildCommand(ctx, 1); err == nil {
			t.Error("expected error without firmware")
		}
	})
}

func TestCommandString(t *testing.T) {
	cfg := testTargetConfig()
	cfg.BinaryPath = "xsim"

	got := NewXsimRunner(cfg).CommandString(5555)
	want := `xsim --xscope "-realtime localhost:5555" bin/app.xe`
	if got != want {
		t.Errorf("CommandString = %q, want %q", got, want)
	}

	if got := NewHostRunner("./host/xscope_host_endpoint").CommandString(5555); got != "./host/xscope_host_endpoint 5555" {
		t.Errorf("host CommandString = %q", got)
	}
}

// =============================================================================
// Host runner
// =============================================================================

func TestHostRunner_BuildCommand(t *testing.T) {
	r := NewHostRunner("/opt/host/xscope_host_endpoint")
	cmd, err := r.BuildCommand(context.Background(), 40123)
	if err != nil {
		t.Fatalf("BuildCommand: %v", err)
	}
	if len(cmd.Args) != 2 || cmd.Args[1] != "40123" {
		t.Errorf("cmd.Args = %q", cmd.Args)
	}

	if _, err := NewHostRunner("").BuildCommand(context.Background(), 1); !errors.Is(err, ErrHostNotFound) {
		t.Errorf("empty path: err = %v, want ErrHostNotFound", err)
	}
	if _, err := r.BuildCommand(context.Background(), 0); err == nil {
		t.Error("expected error for port 0")
	}
}

func TestHostExecutableName(t *testing.T) {
	name := HostExecutableName()
	if runtime.GOOS == "windows" {
		if name != "xscope_host_endpoint.exe" {
			t.Errorf("name = %q", name)
		}
		return
	}
	if name != "xscope_host_endpoint" {
		t.Errorf("name = %q", name)
	}
}

func TestFindHostExecutable(t *testing.T) {
	root := t.TempDir()
	first := filepath.Join(root, "a")
	second := filepath.Join(root, "b")
	for _, d := range []string{first, second} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	exe := filepath.Join(second, HostExecutableName())
	if err := os.WriteFile(exe, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	t.Run("search_order", func(t *testing.T) {
		got, err := FindHostExecutable("", []string{first, second})
		if err != nil {
			t.Fatalf("FindHostExecutable: %v", err)
		}
		if got != exe {
			t.Errorf("got %q, want %q", got, exe)
		}
	})

	t.Run("first_match_wins", func(t *testing.T) {
		earlier := filepath.Join(first, HostExecutableName())
		if err := os.WriteFile(earlier, []byte("#!/bin/sh\n"), 0o755); err != nil {
			t.Fatal(err)
		}
		defer os.Remove(earlier)

		got, err := FindHostExecutable("", []string{first, second})
		if err != nil || got != earlier {
			t.Errorf("got %q, %v; want %q", got, err, earlier)
		}
	})

	t.Run("explicit", func(t *testing.T) {
		got, err := FindHostExecutable(exe, nil)
		if err != nil || got != exe {
			t.Errorf("got %q, %v", got, err)
		}
	})

	t.Run("explicit_missing", func(t *testing.T) {
		_, err := FindHostExecutable(filepath.Join(root, "nope"), nil)
		if !errors.Is(err, ErrHostNotFound) {
			t.Errorf("err = %v, want ErrHostNotFound", err)
		}
	})

	t.Run("explicit_directory", func(t *testing.T) {
		_, err := FindHostExecutable(first, nil)
		if !errors.Is(err, ErrHostNotFound) {
			t.Errorf("err = %v, want ErrHostNotFound", err)
		}
	})

	t.Run("not_found", func(t *testing.T) {
		_, err := FindHostExecutable("", []string{filepath.Join(root, "missing")})
		if !errors.Is(err, ErrHostNotFound) {
			t.Errorf("err = %v, want ErrHostNotFound", err)
		}
	})
}

func TestHostSearchDirs(t *testing.T) {
	dirs := HostSearchDirs()
	if len(dirs) != 3 {
		t.Fatalf("HostSearchDirs = %v, want 3 entries", dirs)
	}
	wd, _ := os.Getwd()
	if dirs[0] != filepath.Join(wd, "host") {
		t.Errorf("first dir = %q, want ./host", dirs[0])
	}
}

// =============================================================================
// Adapter discovery
// =============================================================================

func adapterRow(prefix, id, status string) string {
	return fmt.Sprintf("%-26s%-8s%s", prefix, id, status)
}

func adapterReport(rows ...string) string {
	lines := []string{
		"",
		"Available XMOS Devices",
		"----------------------",
		"",
		"  ID\t- Name\t\t\t- Adapter ID\t- Devices",
		"  --\t  ----\t\t\t  ----------\t  -------",
	}
	return strings.Join(append(lines, rows...), "\n") + "\n"
}

func TestParseAdapterList(t *testing.T) {
	out := adapterReport(
		adapterRow("  0\t- XMOS XTAG-4", "AAAA1111", "\t- P[0]"),
		adapterRow("  1\t- XMOS XTAG-4", "EHV92U6D", "\t- None"),
	)

	adapters, err := ParseAdapterList(out)
	if err != nil {
		t.Fatalf("ParseAdapterList: %v", err)
	}
	if len(adapters) != 2 {
		t.Fatalf("got %d adapters, want 2", len(adapters))
	}
	if adapters[0].ID != "AAAA1111" || adapters[1].ID != "EHV92U6D" {
		t.Errorf("IDs = %q, %q", adapters[0].ID, adapters[1].ID)
	}
	if adapters[0].Status != "- P[0]" {
		t.Errorf("Status = %q", adapters[0].Status)
	}
	if !strings.Contains(adapters[0].Description, "XTAG-4") {
		t.Errorf("Description = %q", adapters[0].Description)
	}
}

func TestParseAdapterList_CRLF(t *testing.T) {
	out := strings.ReplaceAll(adapterReport(adapterRow("  0", "CRLF0001", " ok")), "\n", "\r\n")

	adapters, err := ParseAdapterList(out)
	if err != nil {
		t.Fatalf("ParseAdapterList: %v", err)
	}
	if adapters[0].ID != "CRLF0001" || adapters[0].Status != "ok" {
		t.Errorf("adapter = %+v", adapters[0])
	}
}

func TestParseAdapterList_IDWithoutStatus(t *testing.T) {
	row := strings.Repeat(" ", 26) + "SHORT"
	adapters, err := ParseAdapterList(adapterReport(row))
	if err != nil {
		t.Fatalf("ParseAdapterList: %v", err)
	}
	if adapters[0].ID != "SHORT" || adapters[0].Status != "" {
		t.Errorf("adapter = %+v", adapters[0])
	}
}

func TestParseAdapterList_NoDevices(t *testing.T) {
	out := "\nAvailable XMOS Devices\n----------------------\n\nNo Available Devices Found\n\n"
	if _, err := ParseAdapterList(out); !errors.Is(err, ErrNoAdapters) {
		t.Errorf("err = %v, want ErrNoAdapters", err)
	}

	if _, err := ParseAdapterList(adapterReport()); !errors.Is(err, ErrNoAdapters) {
		t.Errorf("empty table: err = %v, want ErrNoAdapters", err)
	}
}

func TestParseAdapterList_TrailingLines(t *testing.T) {
	row := adapterRow("  0\t- XMOS XTAG-4", "AAAA1111", "\t- P[0]")

	tests := []struct {
		name   string
		output string
	}{
		{"trailing blank lines", adapterReport(row) + "\n\n\n"},
		{"footer after blank line", adapterReport(row, "", "Use -id <n> to select one of the adapters listed above.")},
		{"short footer after blank line", adapterReport(row, "", "Done.")},
		{"blank lines before rows", adapterReport("", row)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapters, err := ParseAdapterList(tt.output)
			if err != nil {
				t.Fatalf("ParseAdapterList: %v", err)
			}
			if len(adapters) != 1 || adapters[0].ID != "AAAA1111" {
				t.Errorf("adapters = %+v, want only AAAA1111", adapters)
			}
		})
	}
}

func TestParseAdapterList_FormatErrors(t *testing.T) {
	tests := []struct {
		name   string
		output string
		line   int
	}{
		{"empty", "", -1},
		{"too short", "\nAvailable XMOS Devices", -1},
		{"missing header", "xrun: command not recognised\n\n\n\n\n", 0},
		{"wrong title", "\nConnected Devices\n----------------------\n\n\n", 1},
		{"ends after header", "\nAvailable XMOS Devices\n----------------------\n", -1},
		{"row too short", adapterReport("  0 - XTAG"), 6},
		{"blank id column", adapterReport(adapterRow("  0 - XTAG", "", "   P[0]")), 6},
		{"footer without blank line", adapterReport(adapterRow("  0 - XTAG", "AAAA1111", " ok"), "Done."), 7},
		{"short line between rows", adapterReport(adapterRow("  0 - XTAG", "AAAA1111", " ok"), "  --", adapterRow("  1 - XTAG", "BBBB2222", " ok")), 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseAdapterList(tt.output)
			var fe *AdapterDiscoveryFormatError
			if !errors.As(err, &fe) {
				t.Fatalf("err = %v, want *AdapterDiscoveryFormatError", err)
			}
			if fe.Line != tt.line {
				t.Errorf("Line = %d, want %d (%v)", fe.Line, tt.line, err)
			}
			if fe.Error() == "" {
				t.Error("empty error message")
			}
		})
	}
}

// writeFakeXrun writes a shell script that prints body and exits with code.
func writeFakeXrun(t *testing.T, body string, code int) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script fake requires a POSIX shell")
	}
	dir := t.TempDir()
	report := filepath.Join(dir, "report.txt")
	if err := os.WriteFile(report, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	script := filepath.Join(dir, "xrun")
	content := fmt.Sprintf("#!/bin/sh\ncat %q\nexit %d\n", report, code)
	if err := os.WriteFile(script, []byte(content), 0o755); err != nil {
		t.Fatal(err)
	}
	return script
}

func TestListAdapters(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	xrun := writeFakeXrun(t, adapterReport(
		adapterRow("  0", "FIRST001", " a"),
		adapterRow("  1", "LAST0002", " b"),
	), 0)

	adapters, err := ListAdapters(ctx, xrun)
	if err != nil {
		t.Fatalf("ListAdapters: %v", err)
	}
	if len(adapters) != 2 {
		t.Errorf("got %d adapters", len(adapters))
	}

	id, err := DiscoverAdapterID(ctx, xrun)
	if err != nil {
		t.Fatalf("DiscoverAdapterID: %v", err)
	}
	if id != "LAST0002" {
		t.Errorf("DiscoverAdapterID = %q, want the last adapter", id)
	}
}

func TestListAdapters_Failures(t *testing.T) {
	ctx := context.Background()

	t.Run("tool_exit_code", func(t *testing.T) {
		xrun := writeFakeXrun(t, "license error\n", 3)
		_, err := ListAdapters(ctx, xrun)
		if err == nil || !strings.Contains(err.Error(), "license error") {
			t.Errorf("err = %v, want tool output in error", err)
		}
	})

	t.Run("not_installed", func(t *testing.T) {
		_, err := ListAdapters(ctx, "xrun-does-not-exist-"+fmt.Sprint(time.Now().UnixNano()))
		if err == nil || !strings.Contains(err.Error(), "XMOS tools") {
			t.Errorf("err = %v, want activation hint", err)
		}
	})

	t.Run("bad_header", func(t *testing.T) {
		xrun := writeFakeXrun(t, "garbage\n", 0)
		_, err := DiscoverAdapterID(ctx, xrun)
		var fe *AdapterDiscoveryFormatError
		if !errors.As(err, &fe) {
			t.Errorf("err = %v, want format error", err)
		}
	})
}

