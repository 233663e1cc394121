package netsim

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// Protocol numbers carried in the IPv4 header
type Protocol uint8

const (
	TCP Protocol = 6
	UDP Protocol = 17
)

func (proto Protocol) String() string {
	switch proto {
	case TCP:
		return "tcp"
	case UDP:
		return "udp"
	}
	return fmt.Sprintf("proto-%d", uint8(proto))
}

// header lengths on the wire
const (
	EthHdrLen = 14
	IPHdrLen  = 20
	TCPHdrLen = 20
	UDPHdrLen = 8

	etherTypeIPv4 = 0x0800
	defaultTTL    = 64

	tcpFlagACK = 0x10
	tcpFlagPSH = 0x08
)

// MAC is a 48 bit hardware address
type MAC [6]byte

func (mac MAC) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", mac[0], mac[1], mac[2], mac[3], mac[4], mac[5])
}

// EthernetHdr is the link layer header
type EthernetHdr struct {
	Dst       MAC
	Src       MAC
	EtherType uint16
}

// IPv4Hdr carries the network layer fields the collector reports
type IPv4Hdr struct {
	TotalLen uint16
	ID       uint16
	DSCP     uint8
	ECN      uint8
	TTL      uint8
	Protocol Protocol
	Src      netip.Addr
	Dst      netip.Addr
}

// PayloadSize is the number of bytes following the IPv4 header
func (iph *IPv4Hdr) PayloadSize() int {
	return int(iph.TotalLen) - IPHdrLen
}

// TCPHdr is the subset of TCP the engine models
type TCPHdr struct {
	SrcPort uint16
	DstPort uint16
	Seq     uint32
	Ack     uint32
	Flags   uint8
	Window  uint16
}

// UDPHdr is the UDP header
type UDPHdr struct {
	SrcPort uint16
	DstPort uint16
	Length  uint16
}

// Headers is the parsed form of a packet's header bytes. Exactly one of
// TCP or UDP is set when the protocol is recognized.
type Headers struct {
	Eth EthernetHdr
	IP  IPv4Hdr
	TCP *TCPHdr
	UDP *UDPHdr
}

// SrcPort and DstPort return the transport ports, or 0 for unknown transports
func (hdrs *Headers) SrcPort() uint16 {
	switch {
	case hdrs.TCP != nil:
		return hdrs.TCP.SrcPort
	case hdrs.UDP != nil:
		return hdrs.UDP.SrcPort
	}
	return 0
}

func (hdrs *Headers) DstPort() uint16 {
	switch {
	case hdrs.TCP != nil:
		return hdrs.TCP.DstPort
	case hdrs.UDP != nil:
		return hdrs.UDP.DstPort
	}
	return 0
}

// Marshal writes the headers in wire order
func (hdrs *Headers) Marshal() []byte {
	hdrLen := EthHdrLen + IPHdrLen
	switch {
	case hdrs.TCP != nil:
		hdrLen += TCPHdrLen
	case hdrs.UDP != nil:
		hdrLen += UDPHdrLen
	}
	buf := make([]byte, hdrLen)

	copy(buf[0:6], hdrs.Eth.Dst[:])
	copy(buf[6:12], hdrs.Eth.Src[:])
	binary.BigEndian.PutUint16(buf[12:14], hdrs.Eth.EtherType)

	ip := buf[EthHdrLen:]
	ip[0] = 0x45
	ip[1] = hdrs.IP.DSCP<<2 | (hdrs.IP.ECN & 0x3)
	binary.BigEndian.PutUint16(ip[2:4], hdrs.IP.TotalLen)
	binary.BigEndian.PutUint16(ip[4:6], hdrs.IP.ID)
	ip[8] = hdrs.IP.TTL
	ip[9] = uint8(hdrs.IP.Protocol)
	src := hdrs.IP.Src.As4()
	dst := hdrs.IP.Dst.As4()
	copy(ip[12:16], src[:])
	copy(ip[16:20], dst[:])

	tp := ip[IPHdrLen:]
	switch {
	case hdrs.TCP != nil:
		binary.BigEndian.PutUint16(tp[0:2], hdrs.TCP.SrcPort)
		binary.BigEndian.PutUint16(tp[2:4], hdrs.TCP.DstPort)
		binary.BigEndian.PutUint32(tp[4:8], hdrs.TCP.Seq)
		binary.BigEndian.PutUint32(tp[8:12], hdrs.TCP.Ack)
		tp[12] = (TCPHdrLen / 4) << 4
		tp[13] = hdrs.TCP.Flags
		binary.BigEndian.PutUint16(tp[14:16], hdrs.TCP.Window)
	case hdrs.UDP != nil:
		binary.BigEndian.PutUint16(tp[0:2], hdrs.UDP.SrcPort)
		binary.BigEndian.PutUint16(tp[2:4], hdrs.UDP.DstPort)
		binary.BigEndian.PutUint16(tp[4:6], hdrs.UDP.Length)
	}
	return buf
}

// ParseHeaders decodes link, network and transport headers in that order.
// A protocol other than TCP or UDP leaves both transport pointers nil.
func ParseHeaders(buf []byte) (*Headers, error) {
	if len(buf) < EthHdrLen+IPHdrLen {
		return nil, fmt.Errorf("header bytes truncated at %d", len(buf))
	}
	hdrs := new(Headers)
	copy(hdrs.Eth.Dst[:], buf[0:6])
	copy(hdrs.Eth.Src[:], buf[6:12])
	hdrs.Eth.EtherType = binary.BigEndian.Uint16(buf[12:14])
	if hdrs.Eth.EtherType != etherTypeIPv4 {
		return nil, fmt.Errorf("ethertype 0x%04x is not IPv4", hdrs.Eth.EtherType)
	}

	ip := buf[EthHdrLen:]
	ihl := int(ip[0]&0x0f) * 4
	if ihl < IPHdrLen || len(ip) < ihl {
		return nil, fmt.Errorf("bad IPv4 header length %d", ihl)
	}
	hdrs.IP.DSCP = ip[1] >> 2
	hdrs.IP.ECN = ip[1] & 0x3
	hdrs.IP.TotalLen = binary.BigEndian.Uint16(ip[2:4])
	hdrs.IP.ID = binary.BigEndian.Uint16(ip[4:6])
	hdrs.IP.TTL = ip[8]
	hdrs.IP.Protocol = Protocol(ip[9])
	hdrs.IP.Src = netip.AddrFrom4([4]byte(ip[12:16]))
	hdrs.IP.Dst = netip.AddrFrom4([4]byte(ip[16:20]))

	tp := ip[ihl:]
	switch hdrs.IP.Protocol {
	case TCP:
		if len(tp) < TCPHdrLen {
			return nil, fmt.Errorf("tcp header truncated")
		}
		hdrs.TCP = &TCPHdr{
			SrcPort: binary.BigEndian.Uint16(tp[0:2]),
			DstPort: binary.BigEndian.Uint16(tp[2:4]),
			Seq:     binary.BigEndian.Uint32(tp[4:8]),
			Ack:     binary.BigEndian.Uint32(tp[8:12]),
			Flags:   tp[13],
			Window:  binary.BigEndian.Uint16(tp[14:16]),
		}
	case UDP:
		if len(tp) < UDPHdrLen {
			return nil, fmt.Errorf("udp header truncated")
		}
		hdrs.UDP = &UDPHdr{
			SrcPort: binary.BigEndian.Uint16(tp[0:2]),
			DstPort: binary.BigEndian.Uint16(tp[2:4]),
			Length:  binary.BigEndian.Uint16(tp[4:6]),
		}
	}
	return hdrs, nil
}

// Packet is the unit moved through interfaces. Hdr holds the wire header
// bytes; payload bytes are counted, not materialized.
type Packet struct {
	UID     uint64 // unique within a Network, assigned at creation
	FlowID  int
	Size    int // bytes on the wire, headers included
	Payload int
	Hdr     []byte
	MsgID   uint32 // application message the payload belongs to, 0 if none

	// set by the sender for forwarding
	dst *Host
}

// Headers parses the packet's header bytes
func (pckt *Packet) Headers() (*Headers, error) {
	return ParseHeaders(pckt.Hdr)
}
