// Copyright (C) 2026 UC Berkeley SETI Research Center.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package mcast is the coordinator's C4 component: parsing SPEAD
// multicast endpoints ("<ip>+<count>:<port>") and apportioning the
// resulting address groups across allocated DAQ instances (spec.md
// §4.1 step 4, §6 glossary "Multicast group").
package mcast

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Endpoint is a parsed SPEAD multicast endpoint: n_addrs consecutive
// multicast addresses starting at IP, all on Port.
type Endpoint struct {
	IP     net.IP
	NAddrs int
	Port   int
}

// ParseEndpoint parses a SPEAD endpoint string of the form
// "<ip>+<count>:<port>", e.g. "239.2.1.100+15:7148" names 16
// consecutive addresses (count is inclusive of the base address, as
// in the source telescope's stream config convention).
func ParseEndpoint(s string) (Endpoint, error) {
	hostPart, portPart, ok := strings.Cut(s, ":")
	if !ok {
		return Endpoint{}, fmt.Errorf("mcast: missing port in endpoint %q", s)
	}
	port, err := strconv.Atoi(portPart)
	if err != nil {
		return Endpoint{}, fmt.Errorf("mcast: invalid port in endpoint %q: %w", s, err)
	}

	ipPart := hostPart
	count := 0
	if idx := strings.IndexByte(hostPart, '+'); idx >= 0 {
		ipPart = hostPart[:idx]
		count, err = strconv.Atoi(hostPart[idx+1:])
		if err != nil {
			return Endpoint{}, fmt.Errorf("mcast: invalid count in endpoint %q: %w", s, err)
		}
	}

	ip := net.ParseIP(ipPart).To4()
	if ip == nil {
		return Endpoint{}, fmt.Errorf("mcast: invalid ip in endpoint %q", s)
	}

	return Endpoint{IP: ip, NAddrs: count + 1, Port: port}, nil
}

// Range is the address-range string assigned to one instance:
// "<first>.<octet>+<count-1>" per spec.md §4.1 step 4.
type Range struct {
	First net.IP
	Count int
}

// String renders r in the gateway's "<first>+<count-1>" form used for
// DESTIP.
func (r Range) String() string {
	if r.Count <= 1 {
		return r.First.String()
	}
	return fmt.Sprintf("%s+%d", r.First.String(), r.Count-1)
}

// Allocate splits ep's n_addrs sequentially across n instances,
// filling streamsPerInstance addresses each except the last group,
// which may be short if n_addrs does not divide evenly (spec.md §4.1
// step 4).
func Allocate(ep Endpoint, n int, streamsPerInstance int) ([]Range, error) {
	if n <= 0 {
		return nil, fmt.Errorf("mcast: cannot allocate to %d instances", n)
	}
	base := ipToUint32(ep.IP)
	ranges := make([]Range, 0, n)
	remaining := ep.NAddrs
	offset := uint32(0)
	for i := 0; i < n; i++ {
		count := streamsPerInstance
		if i == n-1 {
			count = remaining
		}
		if count <= 0 {
			count = 0
		}
		ranges = append(ranges, Range{First: uint32ToIP(base + offset), Count: count})
		offset += uint32(streamsPerInstance)
		remaining -= streamsPerInstance
	}
	return ranges, nil
}

func ipToUint32(ip net.IP) uint32 {
	ip = ip.To4()
	return uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])
}

func uint32ToIP(v uint32) net.IP {
	return net.IPv4(byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}
