package activation

import (
	"fmt"
	"os"
	"strconv"
	"testing"
)

func TestListeners_NoEnvironment(t *testing.T) {
	t.Setenv("LISTEN_PID", "")
	t.Setenv("LISTEN_FDS", "")

	listeners, err := Listeners()
	if err != nil {
		t.Fatalf("Listeners() unexpected error: %v", err)
	}
	if listeners != nil {
		t.Errorf("expected nil listeners when no env vars set, got %v", listeners)
	}
}

func TestListeners_Environment(t *testing.T) {
	self := strconv.Itoa(os.Getpid())

	tests := []struct {
		name    string
		pid     string
		fds     string
		wantErr bool
	}{
		{name: "other process", pid: "99999999", fds: "1"},
		{name: "zero fds", pid: self, fds: "0"},
		{name: "negative fds", pid: self, fds: "-1"},
		{name: "missing fds", pid: self, fds: ""},
		{name: "invalid pid", pid: "not-a-number", fds: "1", wantErr: true},
		{name: "invalid fds", pid: self, fds: "not-a-number", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("LISTEN_PID", tt.pid)
			t.Setenv("LISTEN_FDS", tt.fds)

			listeners, err := Listeners()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Listeners() error = %v, wantErr %v", err, tt.wantErr)
			}
			if listeners != nil {
				t.Errorf("expected nil listeners, got %v", listeners)
			}
		})
	}
}

func TestListen_FallsBackToTCP(t *testing.T) {
	t.Setenv("LISTEN_PID", "")
	t.Setenv("LISTEN_FDS", "")

	l, activated, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer func() {
		_ = l.Close()
	}()

	if activated {
		t.Error("Listen() reported socket activation without LISTEN_* variables")
	}
	if l.Addr().Network() != "tcp" {
		t.Errorf("listener network = %s, want tcp", l.Addr().Network())
	}
}

func TestListen_InvalidAddress(t *testing.T) {
	t.Setenv("LISTEN_PID", "")

	if _, _, err := Listen("not-an-address"); err == nil {
		t.Error("Listen() with invalid address succeeded, want error")
	}
}

func TestListen_PropagatesActivationError(t *testing.T) {
	t.Setenv("LISTEN_PID", "garbage")
	t.Setenv("LISTEN_FDS", "1")

	if _, _, err := Listen("127.0.0.1:0"); err == nil {
		t.Error("Listen() with invalid LISTEN_PID succeeded, want error")
	}
}

// Example demonstrates how socket activation detection works
func ExampleListeners() {
	listeners, err := Listeners()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	if listeners == nil {
		fmt.Println("No socket activation detected")
	} else {
		fmt.Printf("Received %d systemd socket(s)\n", len(listeners))
	}
}
