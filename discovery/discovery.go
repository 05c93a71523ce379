// Package discovery locates chat relay servers announced over mDNS. The
// client only listens; announcing is the relay server's job.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// ServiceName is the mDNS service relay servers announce under.
	ServiceName = "_sajilochat._tcp"
	// ServiceDomain is the mDNS browse domain.
	ServiceDomain = "local."
	// DefaultScanTimeout bounds a single browse window.
	DefaultScanTimeout = 3 * time.Second
)

type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// ChatServer is a relay server heard during a scan.
type ChatServer struct {
	ServerID     string
	Name         string
	DirectoryURL string
	Version      int
	HostName     string
	Port         int
	Addresses    []string
}

// Address returns the first usable host:port endpoint, or "".
func (s ChatServer) Address() string {
	if len(s.Addresses) == 0 || s.Port <= 0 {
		return ""
	}
	return s.Addresses[0] + ":" + strconv.Itoa(s.Port)
}

// Options configures a Scanner. Zero values use the package defaults.
type Options struct {
	Service     string
	Domain      string
	ScanTimeout time.Duration

	browse browseFunc
}

// Scanner runs bounded mDNS browses for relay servers. Each Scan is one
// self-contained browse window; nothing runs between calls.
type Scanner struct {
	service string
	domain  string
	timeout time.Duration
	browse  browseFunc
}

// NewScanner builds a Scanner, creating an mDNS resolver unless a browse
// function was injected.
func NewScanner(opts Options) (*Scanner, error) {
	if opts.Service == "" {
		opts.Service = ServiceName
	}
	if opts.Domain == "" {
		opts.Domain = ServiceDomain
	}
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = DefaultScanTimeout
	}
	browse := opts.browse
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, fmt.Errorf("discovery: create mDNS resolver: %w", err)
		}
		browse = resolver.Browse
	}
	return &Scanner{
		service: opts.Service,
		domain:  opts.Domain,
		timeout: opts.ScanTimeout,
		browse:  browse,
	}, nil
}

// Scan browses for one window and returns every distinct server heard,
// sorted by name. The window ends when the timeout or ctx expires; either
// is the normal end of a scan, not a failure.
func (s *Scanner) Scan(ctx context.Context) ([]ChatServer, error) {
	scanCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 16)
	found := make(map[string]ChatServer)
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for {
			select {
			case entry, ok := <-entries:
				if !ok {
					return
				}
				if server, ok := entryToServer(entry); ok {
					found[server.ServerID] = server
				}
			case <-scanCtx.Done():
				return
			}
		}
	}()

	err := s.browse(scanCtx, s.service, s.domain, entries)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		cancel()
		<-collected
		return nil, fmt.Errorf("discovery: browse %s: %w", s.service, err)
	}

	<-scanCtx.Done()
	<-collected

	out := make([]ChatServer, 0, len(found))
	for _, server := range found {
		out = append(out, server)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ServerID < out[j].ServerID
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// entryToServer maps one mDNS answer to a ChatServer. Entries without a
// server_id TXT record are not chat servers and are skipped.
func entryToServer(entry *zeroconf.ServiceEntry) (ChatServer, bool) {
	if entry == nil {
		return ChatServer{}, false
	}

	txt := make(map[string]string, len(entry.Text))
	for _, pair := range entry.Text {
		if key, value, ok := strings.Cut(pair, "="); ok && key != "" {
			txt[key] = value
		}
	}
	id := strings.TrimSpace(txt["server_id"])
	if id == "" {
		return ChatServer{}, false
	}
	version, _ := strconv.Atoi(txt["version"])

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	for _, ip := range entry.AddrIPv4 {
		if len(ip) > 0 {
			addresses = append(addresses, ip.String())
		}
	}
	for _, ip := range entry.AddrIPv6 {
		if len(ip) > 0 {
			addresses = append(addresses, ip.String())
		}
	}

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = id
	}

	return ChatServer{
		ServerID:     id,
		Name:         name,
		DirectoryURL: strings.TrimSpace(txt["directory_url"]),
		Version:      version,
		HostName:     entry.HostName,
		Port:         entry.Port,
		Addresses:    addresses,
	}, true
}
