// Package mdnsadv implements local-network server discovery over mDNS
// (spec.md §4.9/§6, C9/C10): advertise this espbrewd instance as
// `_espbrew._tcp`, and browse for other instances on the LAN.
//
// No repo in the example pack implements mDNS (see SPEC_FULL.md's
// ecosystem-addition note), so this package is built directly against
// github.com/grandcat/zeroconf, structured the way the teacher
// structures a small wrapper around a single third-party client: one
// file, a thin Go-idiomatic API (Advertise/Browse) over the library's
// Register/Resolver types, with our own TXT-record schema and the
// IPv4-preferred-over-IPv6 resolution spec.md calls for.
package mdnsadv

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/grandcat/zeroconf"

	"github.com/espbrew/espbrew/internal/board"
)

// ServiceType is the mDNS service name espbrewd advertises under,
// per spec.md §4.9.
const ServiceType = "_espbrew._tcp"

const serviceDomain = "local."

// maxTXTStringLen is the DNS TXT record single-string size budget: one
// length byte followed by at most 255 bytes of data (spec.md §4.9: "boards"
// must be "truncated to fit a single TXT record").
const maxTXTStringLen = 255

// Advertiser owns the registered mDNS service record; call Shutdown to
// stop advertising.
type Advertiser struct {
	server *zeroconf.Server
}

// Advertise publishes this espbrewd instance's presence. instanceName is
// the mDNS instance name (typically the hostname, or an override);
// hostname/description/version/boards feed the TXT record fields spec.md
// §4.9's table documents.
func Advertise(instanceName, hostname, description string, port int, version string, boards []board.ConnectedBoard) (*Advertiser, error) {
	txt := buildTXT(version, hostname, description, boards)
	server, err := zeroconf.Register(instanceName, ServiceType, serviceDomain, port, txt, nil)
	if err != nil {
		return nil, err
	}
	glog.Infof("mdnsadv: advertising %s as %s on port %d", instanceName, ServiceType, port)
	return &Advertiser{server: server}, nil
}

// UpdateBoards re-registers the TXT record with a fresh board count/list.
// grandcat/zeroconf has no in-place TXT update, so this stops and
// restarts the registration; acceptable since board churn is on the
// order of seconds, not a hot path.
func (a *Advertiser) UpdateBoards(instanceName, hostname, description string, portNum int, version string, boards []board.ConnectedBoard) error {
	a.Shutdown()
	next, err := Advertise(instanceName, hostname, description, portNum, version, boards)
	if err != nil {
		return err
	}
	a.server = next.server
	return nil
}

func (a *Advertiser) Shutdown() {
	if a.server != nil {
		a.server.Shutdown()
	}
}

// buildTXT assembles the TXT record fields spec.md §4.9 documents:
// version, hostname, description, board_count, and boards (a CSV of
// logical/id names truncated so the whole "boards=..." string stays
// within a single TXT record's size budget).
func buildTXT(version, hostname, description string, boards []board.ConnectedBoard) []string {
	names := make([]string, 0, len(boards))
	for _, b := range boards {
		name := b.LogicalName
		if name == "" {
			name = b.BoardID
		}
		names = append(names, name)
	}

	const boardsKey = "boards="
	boardsField := boardsKey + truncateCSV(names, maxTXTStringLen-len(boardsKey))

	return []string{
		"version=" + version,
		"hostname=" + hostname,
		"description=" + description,
		"board_count=" + strconv.Itoa(len(boards)),
		boardsField,
	}
}

// truncateCSV joins names with commas, dropping whole trailing entries
// (never cutting one in half) once the joined string would exceed budget
// bytes.
func truncateCSV(names []string, budget int) string {
	var b strings.Builder
	for i, n := range names {
		sep := ""
		if i > 0 {
			sep = ","
		}
		if b.Len()+len(sep)+len(n) > budget {
			break
		}
		b.WriteString(sep)
		b.WriteString(n)
	}
	return b.String()
}

// Browse discovers espbrewd instances on the LAN for up to timeout,
// returning one board.Advertisement per responder. Each responder's
// address is resolved preferring IPv4 over IPv6 (spec.md §4.9/§6), since
// IPv6 link-local addresses from mDNS commonly need a zone index that
// plain net.Dial doesn't supply.
func Browse(ctx context.Context, timeout time.Duration) ([]board.Advertisement, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, err
	}

	entries := make(chan *zeroconf.ServiceEntry, 16)
	var out []board.Advertisement
	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entries {
			out = append(out, entryToAdvertisement(entry))
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := resolver.Browse(ctx, ServiceType, serviceDomain, entries); err != nil {
		return nil, err
	}
	<-ctx.Done()
	<-done
	return out, nil
}

func entryToAdvertisement(entry *zeroconf.ServiceEntry) board.Advertisement {
	host := preferredAddr(entry)
	adv := board.Advertisement{
		Host: host,
		Port: entry.Port,
		Name: entry.Instance,
	}
	for _, t := range entry.Text {
		k, v, ok := splitTXT(t)
		if !ok {
			continue
		}
		switch k {
		case "version":
			adv.Version = v
		case "hostname":
			adv.Hostname = v
		case "description":
			adv.Description = v
		case "board_count":
			fmt.Sscanf(v, "%d", &adv.BoardCount)
		case "boards":
			adv.BoardNamesCSV = v
		}
	}
	return adv
}

// preferredAddr picks an IPv4 address when available, falling back to
// IPv6, and finally the raw hostname if neither resolved — the
// IPv4-preferred rule from spec.md §4.9/§6.
func preferredAddr(entry *zeroconf.ServiceEntry) string {
	if len(entry.AddrIPv4) > 0 {
		return entry.AddrIPv4[0].String()
	}
	if len(entry.AddrIPv6) > 0 {
		return "[" + entry.AddrIPv6[0].String() + "]"
	}
	return strings.TrimSuffix(entry.HostName, ".")
}

func splitTXT(t string) (key, value string, ok bool) {
	i := strings.IndexByte(t, '=')
	if i < 0 {
		return "", "", false
	}
	return t[:i], t[i+1:], true
}

// LocalInstanceName derives a reasonably unique mDNS instance name from
// the host's own hostname, falling back to a fixed name if unavailable.
func LocalInstanceName() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "espbrewd"
	}
	return h
}
