package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempPrinterConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "printer.cfg")
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestParsePrinterConfigMetricsAddr(t *testing.T) {
	path := writeTempPrinterConfig(t, `
[mcu]
serial: /dev/ttyUSB0
baud: 250000
metrics_addr: 127.0.0.1:9100
`)
	cfg, err := ParsePrinterConfig(path)
	if err != nil {
		t.Fatalf("ParsePrinterConfig: %v", err)
	}
	if cfg.MetricsAddr != "127.0.0.1:9100" {
		t.Fatalf("MetricsAddr = %q, want %q", cfg.MetricsAddr, "127.0.0.1:9100")
	}
}

func TestParsePrinterConfigMetricsAddrDefaultsEmpty(t *testing.T) {
	path := writeTempPrinterConfig(t, `
[mcu]
serial: /dev/ttyUSB0
baud: 250000
`)
	cfg, err := ParsePrinterConfig(path)
	if err != nil {
		t.Fatalf("ParsePrinterConfig: %v", err)
	}
	if cfg.MetricsAddr != "" {
		t.Fatalf("MetricsAddr = %q, want empty when unset", cfg.MetricsAddr)
	}
}
