package netsim

// socket.go turns application sends into packets. A reliable (TCP) socket
// segments a message into MSS-sized packets with advancing sequence numbers
// and holds them in a send buffer released only while the host interface
// queue has room; there is no congestion control or retransmission. An
// unreliable (UDP) socket hands each datagram to the interface at once.

import (
	"fmt"
	"net/netip"
	"strconv"

	"github.com/iti/evt/evtm"
)

const (
	DefaultMSS    = 1380
	DefaultWindow = 65535
)

// Endpoint is a transport address
type Endpoint struct {
	Addr netip.Addr
	Port uint16
}

func (ep Endpoint) String() string {
	return ep.Addr.String() + ":" + strconv.Itoa(int(ep.Port))
}

// Socket is the sending side of a flow
type Socket struct {
	Host    *Host
	Proto   Protocol
	SrcPort uint16
	Dst     Endpoint
	FlowID  int

	// OnTx sees every data packet as it is handed to the interface
	OnTx func(pckt *Packet, now float64)

	dstHost    *Host
	egress     *Intrfc
	nxtSeq     uint32
	pending    []*Packet
	backlogged bool

	SentPckts int
	SentBytes int // payload bytes handed to the interface
	Acks      int
	AckedSeq  uint32
}

// Dial creates a socket bound to srcPort on the host, sending to dst
func (host *Host) Dial(proto Protocol, srcPort uint16, dst Endpoint) (*Socket, error) {
	if proto != TCP && proto != UDP {
		return nil, fmt.Errorf("host %s cannot open a %s socket", host.Name, proto)
	}
	key := portKey{proto: proto, port: srcPort}
	if _, present := host.sockets[key]; present {
		return nil, fmt.Errorf("host %s already has a %s socket on port %d", host.Name, proto, srcPort)
	}
	dstHost, present := host.net.HostByAddr(dst.Addr)
	if !present {
		return nil, fmt.Errorf("no host has address %s", dst.Addr)
	}
	if dstHost == host {
		return nil, fmt.Errorf("host %s cannot send to itself", host.Name)
	}
	if len(host.net.Route(host.ID, dstHost.ID)) < 2 {
		return nil, fmt.Errorf("no route from %s to %s", host.Name, dstHost.Name)
	}

	sock := new(Socket)
	sock.Host = host
	sock.Proto = proto
	sock.SrcPort = srcPort
	sock.Dst = dst
	sock.FlowID = host.net.nxtFlow()
	sock.dstHost = dstHost
	sock.egress = host.net.nextIntrfc(host, dstHost)
	sock.nxtSeq = 1
	sock.pending = make([]*Packet, 0)
	host.sockets[key] = sock
	return sock, nil
}

// segmentSize is the largest payload one packet of this socket carries
func (sock *Socket) segmentSize() int {
	mtu := sock.egress.MTU
	if sock.Proto == TCP {
		return min(sock.Host.MSS, mtu-IPHdrLen-TCPHdrLen)
	}
	return mtu - IPHdrLen - UDPHdrLen
}

// Send segments nBytes of application data into packets and returns how many were created
func (sock *Socket) Send(evtMgr *evtm.EventManager, nBytes int) int {
	return sock.SendMessage(evtMgr, 0, nBytes)
}

// SendMessage is Send with every packet of the message carrying msgID
func (sock *Socket) SendMessage(evtMgr *evtm.EventManager, msgID uint32, nBytes int) int {
	if nBytes <= 0 {
		return 0
	}
	segSize := sock.segmentSize()
	created := 0
	for remaining := nBytes; remaining > 0; remaining -= segSize {
		pckt := sock.makePacket(min(segSize, remaining))
		pckt.MsgID = msgID
		created += 1
		if sock.Proto == UDP {
			sock.transmit(evtMgr, pckt)
			continue
		}
		sock.pending = append(sock.pending, pckt)
	}

	if sock.Proto == TCP {
		if !sock.backlogged {
			sock.backlogged = true
			sock.Host.backlog = append(sock.Host.backlog, sock)
		}
		sock.Host.pump(evtMgr)
	}
	return created
}

// makePacket builds a data packet with wire headers
func (sock *Socket) makePacket(payload int) *Packet {
	host := sock.Host
	pckt := host.net.NewPacket()
	pckt.FlowID = sock.FlowID
	pckt.Payload = payload
	pckt.dst = sock.dstHost

	hdrs := Headers{}
	hdrs.Eth = EthernetHdr{Dst: sock.dstHost.intrfcs[0].MAC, Src: sock.egress.MAC, EtherType: etherTypeIPv4}
	hdrs.IP = IPv4Hdr{ID: host.nxtIPID(), TTL: defaultTTL, Protocol: sock.Proto, Src: host.Addr, Dst: sock.Dst.Addr}

	transportLen := UDPHdrLen
	if sock.Proto == TCP {
		transportLen = TCPHdrLen
		hdrs.TCP = &TCPHdr{SrcPort: sock.SrcPort, DstPort: sock.Dst.Port, Seq: sock.nxtSeq,
			Ack: 1, Flags: tcpFlagACK | tcpFlagPSH, Window: host.Window}
		sock.nxtSeq += uint32(payload)
	} else {
		hdrs.UDP = &UDPHdr{SrcPort: sock.SrcPort, DstPort: sock.Dst.Port, Length: uint16(UDPHdrLen + payload)}
	}
	hdrs.IP.TotalLen = uint16(IPHdrLen + transportLen + payload)

	pckt.Hdr = hdrs.Marshal()
	pckt.Size = EthHdrLen + int(hdrs.IP.TotalLen)
	return pckt
}

// transmit hands a packet to the egress interface
func (sock *Socket) transmit(evtMgr *evtm.EventManager, pckt *Packet) {
	if sock.OnTx != nil {
		sock.OnTx(pckt, evtMgr.CurrentSeconds())
	}
	sock.SentPckts += 1
	sock.SentBytes += pckt.Payload
	sock.egress.send(evtMgr, pckt)
}

// Pending is the number of segments waiting in the send buffer
func (sock *Socket) Pending() int {
	return len(sock.pending)
}

func (sock *Socket) acked(tcp *TCPHdr) {
	sock.Acks += 1
	if tcp.Ack > sock.AckedSeq {
		sock.AckedSeq = tcp.Ack
	}
}

// pump moves buffered segments onto host interfaces while they have queue
// room, taking one segment from each backlogged socket in turn
func (host *Host) pump(evtMgr *evtm.EventManager) {
	for len(host.backlog) > 0 {
		sock := host.backlog[0]
		if sock.egress.Depth() >= sock.egress.QCap {
			return
		}
		pckt := sock.pending[0]
		sock.pending = sock.pending[1:]
		host.backlog = host.backlog[1:]
		if len(sock.pending) > 0 {
			host.backlog = append(host.backlog, sock)
		} else {
			sock.backlogged = false
		}
		sock.transmit(evtMgr, pckt)
	}
}

// Sink is the receiving side of one or more flows on a port. A TCP sink
// answers each data segment with a payload-free acknowledgement.
type Sink struct {
	Host   *Host
	Proto  Protocol
	Port   uint16
	FlowID int

	// OnRx sees every packet delivered to the sink
	OnRx func(pckt *Packet, hdrs *Headers)

	RxPckts int
	RxBytes int
}

// Listen binds a sink to a port on the host
func (host *Host) Listen(proto Protocol, port uint16) (*Sink, error) {
	key := portKey{proto: proto, port: port}
	if _, present := host.sinks[key]; present {
		return nil, fmt.Errorf("host %s already listens on %s port %d", host.Name, proto, port)
	}
	sink := new(Sink)
	sink.Host = host
	sink.Proto = proto
	sink.Port = port
	sink.FlowID = host.net.nxtFlow()
	host.sinks[key] = sink
	return sink, nil
}

// Sink returns the sink bound to the port, if any
func (host *Host) Sink(proto Protocol, port uint16) (*Sink, bool) {
	sink, present := host.sinks[portKey{proto: proto, port: port}]
	return sink, present
}

func (sink *Sink) receive(evtMgr *evtm.EventManager, pckt *Packet, hdrs *Headers) {
	sink.RxPckts += 1
	sink.RxBytes += pckt.Payload
	if sink.OnRx != nil {
		sink.OnRx(pckt, hdrs)
	}
	if hdrs.TCP != nil && pckt.Payload > 0 {
		sink.sendAck(evtMgr, hdrs, pckt.Payload)
	}
}

// sendAck returns a 54 byte acknowledgement to the sender of a data segment
func (sink *Sink) sendAck(evtMgr *evtm.EventManager, hdrs *Headers, payload int) {
	host := sink.Host
	srcHost, present := host.net.HostByAddr(hdrs.IP.Src)
	if !present {
		return
	}
	egress := host.net.nextIntrfc(host, srcHost)

	pckt := host.net.NewPacket()
	pckt.FlowID = sink.FlowID
	pckt.dst = srcHost

	ack := Headers{}
	ack.Eth = EthernetHdr{Dst: srcHost.intrfcs[0].MAC, Src: egress.MAC, EtherType: etherTypeIPv4}
	ack.IP = IPv4Hdr{ID: host.nxtIPID(), TTL: defaultTTL, Protocol: TCP, Src: host.Addr, Dst: hdrs.IP.Src,
		TotalLen: IPHdrLen + TCPHdrLen}
	ack.TCP = &TCPHdr{SrcPort: hdrs.TCP.DstPort, DstPort: hdrs.TCP.SrcPort, Seq: 1,
		Ack: hdrs.TCP.Seq + uint32(payload), Flags: tcpFlagACK, Window: host.Window}
	pckt.Hdr = ack.Marshal()
	pckt.Size = EthHdrLen + IPHdrLen + TCPHdrLen

	egress.send(evtMgr, pckt)
}
