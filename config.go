package main

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const (
	pidName  = "gdb-daemon.pid"
	addrName = "gdb-daemon.addr"
	logName  = "gdb-daemon.log"

	defaultGdbCommand = "gdb --annotate=3"
	defaultListen     = "127.0.0.1:0"
)

func stateDir() string {
	if d := os.Getenv("GDBD_HOME"); d != "" {
		return d
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".gdb-daemon")
}

func pidPath() string  { return filepath.Join(stateDir(), pidName) }
func addrPath() string { return filepath.Join(stateDir(), addrName) }
func logPath() string  { return filepath.Join(stateDir(), logName) }

// ServerConfig holds everything the command server needs besides the
// debugger process and its dialect.
type ServerConfig struct {
	// Listen is the TCP address to bind. Port 0 picks an ephemeral port so
	// several sessions can run side by side.
	Listen string

	// PollInterval bounds how long one PTY read waits before the read loop
	// re-checks its stop flag.
	PollInterval time.Duration

	// RequestTimeout bounds how long a new connection may take to send its
	// request line, and how long a delegated question waits for its answer.
	RequestTimeout time.Duration

	// InterruptTimeout bounds how long INT waits for the prompt before the
	// reader is stopped. Zero waits until the prompt arrives.
	InterruptTimeout time.Duration

	// DelegateInput hands queries and command-list prompts to the connected
	// SYNC caller, which answers with one line within RequestTimeout.
	DelegateInput bool

	// TrimAt and Keep bound the pending window: once it grows past TrimAt
	// bytes without a marker, only the last Keep bytes are retained.
	TrimAt int
	Keep   int

	// OnResume runs after an ASYNC command finished on its own.
	OnResume func()

	// Sink, if set, receives every byte the debugger prints.
	Sink io.Writer
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Listen:         defaultListen,
		PollInterval:   200 * time.Millisecond,
		RequestTimeout: 10 * time.Second,
		TrimAt:         1000,
		Keep:           200,
	}
}

func readPid() int {
	data, err := os.ReadFile(pidPath())
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

// readAddr returns the control address recorded by the running daemon.
func readAddr() (string, error) {
	data, err := os.ReadFile(addrPath())
	if err != nil {
		return "", err
	}
	addr := strings.TrimSpace(string(data))
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return "", fmt.Errorf("malformed address file %s: %w", addrPath(), err)
	}
	return addr, nil
}

func writeStateFiles(addr string) error {
	if err := os.MkdirAll(stateDir(), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(pidPath(), []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		return err
	}
	return os.WriteFile(addrPath(), []byte(addr), 0644)
}

func removeStateFiles() {
	os.Remove(pidPath())
	os.Remove(addrPath())
}

func processAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

// serverAddr returns the control address from the address file.
func serverAddr() (string, error) {
	addr, err := readAddr()
	if err != nil {
		return "", fmt.Errorf("daemon address unknown (is it running?): %w", err)
	}
	return addr, nil
}

// dialableAddr turns the bound listener address into one clients can dial:
// a wildcard host becomes the loopback address of the same family.
func dialableAddr(addr net.Addr) string {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok || !tcp.IP.IsUnspecified() {
		return addr.String()
	}
	host := "127.0.0.1"
	if tcp.IP.To4() == nil {
		host = "::1"
	}
	return net.JoinHostPort(host, strconv.Itoa(tcp.Port))
}
