package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "does-not-exist"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.MaxDataSizeMb != defaultConfig.MaxDataSizeMb {
		t.Errorf("MaxDataSizeMb = %d, want default %d", c.MaxDataSizeMb, defaultConfig.MaxDataSizeMb)
	}
	if c.Hostname == "" {
		t.Error("Hostname should default to os.Hostname()")
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "remta.conf")
	contents := "# comment\n\nqueue_directory = /tmp/q\nmyhostname = mx.example.com\nmax_data_size_mb = 10\nmin_delay = 1m\nmax_delay = 2h\nrcpt_limit = 5\n"
	if err := os.WriteFile(path, []byte(contents), 0600); err != nil {
		t.Fatal(err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.QueueDir != "/tmp/q" {
		t.Errorf("QueueDir = %q, want /tmp/q", c.QueueDir)
	}
	if c.Hostname != "mx.example.com" {
		t.Errorf("Hostname = %q, want mx.example.com", c.Hostname)
	}
	if c.MaxDataSizeMb != 10 {
		t.Errorf("MaxDataSizeMb = %d, want 10", c.MaxDataSizeMb)
	}
	if c.MinDelay != time.Minute {
		t.Errorf("MinDelay = %v, want 1m", c.MinDelay)
	}
	if c.MaxDelay != 2*time.Hour {
		t.Errorf("MaxDelay = %v, want 2h", c.MaxDelay)
	}
	if c.RcptLimit != 5 {
		t.Errorf("RcptLimit = %d, want 5", c.RcptLimit)
	}
}

func TestLoadRejectsMalformedLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "remta.conf")
	os.WriteFile(path, []byte("not-a-setting\n"), 0600)

	if _, err := Load(path); err == nil {
		t.Error("expected an error for a malformed line")
	}
}

func TestLoadRejectsUnknownSetting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "remta.conf")
	os.WriteFile(path, []byte("bogus_setting = 1\n"), 0600)

	if _, err := Load(path); err == nil {
		t.Error("expected an error for an unknown setting")
	}
}

func TestLoadServices(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "services.conf")
	contents := `# comment
smtp      inet  n       -       n       -       -       /usr/libexec/remta/mta-smtpd
local     unix  n       n       n       -       20      /usr/libexec/remta/mta-local
qmgr      fifo  n       n       n       300     1       /usr/libexec/remta/mta-qmgr
relay     unix  y       n       n       -       10      /usr/libexec/remta/mta-smtp -o smtp_tls=yes
`
	if err := os.WriteFile(path, []byte(contents), 0600); err != nil {
		t.Fatal(err)
	}

	services, err := LoadServices(path)
	if err != nil {
		t.Fatalf("LoadServices: %v", err)
	}
	if len(services) != 4 {
		t.Fatalf("got %d services, want 4", len(services))
	}

	smtp := services[0]
	if smtp.Name != "smtp" || smtp.Type != Inet || smtp.Private {
		t.Errorf("smtp service parsed wrong: %+v", smtp)
	}
	if smtp.MaxProc != 0 {
		t.Errorf("smtp MaxProc = %d, want 0 (default)", smtp.MaxProc)
	}

	qmgr := services[2]
	if qmgr.Type != Fifo || qmgr.Wakeup != 300 || qmgr.MaxProc != 1 {
		t.Errorf("qmgr service parsed wrong: %+v", qmgr)
	}

	relay := services[3]
	if !relay.Private {
		t.Error("relay service should be private")
	}
	if len(relay.Args) != 2 || relay.Args[0] != "-o" || relay.Args[1] != "smtp_tls=yes" {
		t.Errorf("relay Args = %v, want [-o smtp_tls=yes]", relay.Args)
	}
}

func TestLoadServicesRejectsBadType(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "services.conf")
	os.WriteFile(path, []byte("bad tcp n n n - - /bin/true\n"), 0600)

	if _, err := LoadServices(path); err == nil {
		t.Error("expected an error for an unknown service type")
	}
}

func TestLoadServicesRejectsShortLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "services.conf")
	os.WriteFile(path, []byte("smtp inet n n n\n"), 0600)

	if _, err := LoadServices(path); err == nil {
		t.Error("expected an error for a too-short line")
	}
}
