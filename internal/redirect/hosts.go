// Package redirect points game hostnames at the local proxy through the
// system hosts file.
package redirect

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"runtime"
	"strings"
	"sync"
)

// marker tags every line written by HostsFile so Restore never touches
// entries it did not add.
const marker = "# habproxy"

// DefaultHostsPath returns the hosts file location for the running OS.
func DefaultHostsPath() string {
	if runtime.GOOS == "windows" {
		root := os.Getenv("SystemRoot")
		if root == "" {
			root = `C:\Windows`
		}
		return root + `\System32\drivers\etc\hosts`
	}
	return "/etc/hosts"
}

// HostsFile redirects hosts by appending loopback entries to a hosts file.
type HostsFile struct {
	path    string
	address string

	mu sync.Mutex
}

// NewHostsFile manages the hosts file at path. Redirected names resolve to
// address (127.0.0.1 when empty).
func NewHostsFile(path, address string) *HostsFile {
	if address == "" {
		address = "127.0.0.1"
	}
	return &HostsFile{path: path, address: address}
}

// Path returns the managed file.
func (h *HostsFile) Path() string { return h.path }

func (h *HostsFile) entry(host string) string {
	return h.address + "\t" + host + "\t" + marker
}

// Redirect adds an entry for host. Redirecting a host twice leaves one entry.
func (h *HostsFile) Redirect(host string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	lines, perm, err := h.read()
	if err != nil {
		return err
	}
	for _, l := range lines {
		if isOwnEntry(l, host) {
			return nil
		}
	}
	lines = append(lines, h.entry(host))
	return h.write(lines, perm)
}

// Restore removes the entries added for host.
func (h *HostsFile) Restore(host string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	lines, perm, err := h.read()
	if err != nil {
		return err
	}
	kept := lines[:0]
	removed := false
	for _, l := range lines {
		if isOwnEntry(l, host) {
			removed = true
			continue
		}
		kept = append(kept, l)
	}
	if !removed {
		return nil
	}
	return h.write(kept, perm)
}

// Redirected reports whether host currently has an entry written by HostsFile.
func (h *HostsFile) Redirected(host string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	lines, _, err := h.read()
	if err != nil {
		return false, err
	}
	for _, l := range lines {
		if isOwnEntry(l, host) {
			return true, nil
		}
	}
	return false, nil
}

func isOwnEntry(line, host string) bool {
	if !strings.HasSuffix(strings.TrimSpace(line), marker) {
		return false
	}
	fields := strings.Fields(line)
	return len(fields) >= 2 && fields[1] == host
}

// read returns the file's lines. A missing file reads as empty.
func (h *HostsFile) read() ([]string, fs.FileMode, error) {
	perm := fs.FileMode(0o644)
	data, err := os.ReadFile(h.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, perm, nil
		}
		return nil, 0, fmt.Errorf("reading hosts file %s: %w", h.path, err)
	}
	if st, err := os.Stat(h.path); err == nil {
		perm = st.Mode().Perm()
	}

	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		lines = append(lines, strings.TrimRight(sc.Text(), "\r"))
	}
	if err := sc.Err(); err != nil {
		return nil, 0, fmt.Errorf("scanning hosts file %s: %w", h.path, err)
	}
	return lines, perm, nil
}

func (h *HostsFile) write(lines []string, perm fs.FileMode) error {
	newline := "\n"
	if runtime.GOOS == "windows" {
		newline = "\r\n"
	}
	var buf bytes.Buffer
	for _, l := range lines {
		buf.WriteString(l)
		buf.WriteString(newline)
	}
	if err := os.WriteFile(h.path, buf.Bytes(), perm); err != nil {
		return fmt.Errorf("writing hosts file %s: %w", h.path, err)
	}
	return nil
}
