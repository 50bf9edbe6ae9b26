package coopnet

import (
	"net"
	"strings"

	"github.com/juju/errors"
	"golang.org/x/sys/unix"
)

// familyOf picks the address family for network and the resolved IP.
// An unspecified IP binds IPv4 unless the network asks for IPv6.
func familyOf(network string, ip net.IP) int {
	if strings.HasSuffix(network, "6") {
		return unix.AF_INET6
	}
	if ip == nil || ip.To4() != nil {
		return unix.AF_INET
	}
	return unix.AF_INET6
}

func toSockaddr(addr net.Addr, family int) (unix.Sockaddr, error) {
	var (
		ip   net.IP
		port int
		zone string
	)
	switch a := addr.(type) {
	case *net.TCPAddr:
		ip, port, zone = a.IP, a.Port, a.Zone
	case *net.UDPAddr:
		ip, port, zone = a.IP, a.Port, a.Zone
	case *net.UnixAddr:
		return &unix.SockaddrUnix{Name: a.Name}, nil
	default:
		return nil, errors.NotSupportedf("address type %T", addr)
	}
	switch family {
	case unix.AF_INET:
		sa := &unix.SockaddrInet4{Port: port}
		if ip != nil {
			ip4 := ip.To4()
			if ip4 == nil {
				return nil, errors.NotValidf("IPv6 address %v on an IPv4 socket", ip)
			}
			copy(sa.Addr[:], ip4)
		}
		return sa, nil
	case unix.AF_INET6:
		sa := &unix.SockaddrInet6{Port: port}
		if ip != nil {
			copy(sa.Addr[:], ip.To16())
		}
		if zone != "" {
			if ifi, err := net.InterfaceByName(zone); err == nil {
				sa.ZoneId = uint32(ifi.Index)
			}
		}
		return sa, nil
	}
	return nil, errors.NotSupportedf("address family %d", family)
}

func fromSockaddr(sa unix.Sockaddr, sotype int) net.Addr {
	var (
		ip   net.IP
		port int
	)
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		ip, port = net.IP(append([]byte(nil), a.Addr[:]...)), a.Port
	case *unix.SockaddrInet6:
		ip, port = net.IP(append([]byte(nil), a.Addr[:]...)), a.Port
	case *unix.SockaddrUnix:
		return &net.UnixAddr{Name: a.Name, Net: "unix"}
	default:
		return nil
	}
	if sotype == unix.SOCK_DGRAM {
		return &net.UDPAddr{IP: ip, Port: port}
	}
	return &net.TCPAddr{IP: ip, Port: port}
}
