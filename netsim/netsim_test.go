package netsim

import (
	"net/netip"
	"testing"

	"github.com/iti/evt/evtm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lineTopo is h1 - sw - h2 with 1Mbps, 1ms links
func lineTopo(queue string) *TopoCfg {
	tf := CreateTopoCfgFrame("line")
	tf.CreateHost("h1", "senders")
	tf.CreateHost("h2")
	tf.CreateSwitch("sw")
	tf.ConnectDevs(LinkDesc{A: "h1", B: "sw", Rate: "1Mbps", Delay: "1ms", Queue: queue})
	tf.ConnectDevs(LinkDesc{A: "sw", B: "h2", Rate: "1Mbps", Delay: "1ms", Queue: queue})
	tc := tf.Transform()
	return &tc
}

func buildLine(t *testing.T, queue string) (*Network, *Host, *Host) {
	t.Helper()
	net, err := BuildNetwork(lineTopo(queue), nil)
	require.NoError(t, err)
	h1, err := net.HostByName("h1")
	require.NoError(t, err)
	h2, err := net.HostByName("h2")
	require.NoError(t, err)
	return net, h1, h2
}

func TestBuildNetworkIdentities(t *testing.T) {
	net, h1, h2 := buildLine(t, "100p")

	assert.Equal(t, 0, h1.ID)
	assert.Equal(t, 1, h2.ID)
	assert.Equal(t, netip.MustParseAddr("10.1.1.1"), h1.Addr)
	assert.Equal(t, netip.MustParseAddr("10.1.1.2"), h2.Addr)

	require.Len(t, net.Intrfcs, 4)
	sw0, ok := net.IntrfcByName("sw.0")
	require.True(t, ok)
	assert.Equal(t, h1.intrfcs[0], sw0.Peer)
	assert.Equal(t, 1e6, sw0.Bndwdth)
	assert.InDelta(t, 1e-3, sw0.Delay, 1e-12)
	assert.Equal(t, "/NodeList/2/DeviceList/1/MacRx", net.intrfcByNm["sw.1"].Context(MacRx))
	assert.Equal(t, "h1,sw,h2", net.ShowRoute(h1.ID, h2.ID))
	assert.Equal(t, netip.MustParseAddr("10.1.2.0"), hostAddr(255))
}

func TestBuildNetworkRejectsBadTopology(t *testing.T) {
	tc := lineTopo("100p")
	tc.Links = append(tc.Links, LinkDesc{A: "h1", B: "nowhere"})
	tc.Nodes = append(tc.Nodes, NodeDesc{Name: "h1", DevType: "Host"})
	_, err := BuildNetwork(tc, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nowhere")
	assert.Contains(t, err.Error(), "names h1 twice")
}

func TestUDPDeliveryTiming(t *testing.T) {
	net, h1, h2 := buildLine(t, "100p")
	evtMgr := evtm.New()

	sink, err := h2.Listen(UDP, 9)
	require.NoError(t, err)
	sock, err := h1.Dial(UDP, 5000, Endpoint{Addr: h2.Addr, Port: 9})
	require.NoError(t, err)

	arrivals := []float64{}
	net.Connect(Selector{Node: "h2", Intrfc: "*", Kind: MacRx}, func(ev *TraceEvent) {
		arrivals = append(arrivals, ev.Time)
	})

	require.Equal(t, 1, sock.Send(evtMgr, 1000))
	net.Run(evtMgr, 1.0)

	// 1042 bytes at 1Mbps, two hops, each with 1ms propagation
	hop := float64(8*1042)/1e6 + 1e-3
	require.Len(t, arrivals, 1)
	assert.InDelta(t, 2*hop, arrivals[0], 1e-9)
	assert.Equal(t, 1000, sink.RxBytes)
	assert.Equal(t, 1, sink.RxPckts)
}

func TestDropTailQueue(t *testing.T) {
	net, h1, h2 := buildLine(t, "2p")
	evtMgr := evtm.New()
	_, err := h2.Listen(UDP, 9)
	require.NoError(t, err)
	sock, err := h1.Dial(UDP, 5000, Endpoint{Addr: h2.Addr, Port: 9})
	require.NoError(t, err)

	drops := 0
	depths := []int{}
	released := 0
	net.OnRelease(func(*Packet) { released += 1 })
	net.Connect(Selector{Node: "h1", Intrfc: "0", Kind: Drop}, func(ev *TraceEvent) {
		drops += 1
		require.NotNil(t, ev.Pckt)
	})
	net.Connect(Selector{Node: "h1", Intrfc: "0", Kind: QueueDepth}, func(ev *TraceEvent) {
		depths = append(depths, ev.NewDepth)
	})

	// one in transmission, two waiting, seven refused
	for i := 0; i < 10; i++ {
		sock.Send(evtMgr, 100)
	}
	assert.Equal(t, 7, drops)
	assert.Equal(t, []int{1, 0, 1, 2}, depths)

	net.Run(evtMgr, 1.0)
	assert.Equal(t, 7, net.Stats().Drops)
	assert.Equal(t, 10, released)
	assert.Equal(t, 2, h1.intrfcs[0].MaxDepth)
}

func TestTCPSegmentsAndAcks(t *testing.T) {
	net, h1, h2 := buildLine(t, "2p")
	evtMgr := evtm.New()
	sink, err := h2.Listen(TCP, 4200)
	require.NoError(t, err)
	sock, err := h1.Dial(TCP, 49153, Endpoint{Addr: h2.Addr, Port: 4200})
	require.NoError(t, err)

	seqs := []uint32{}
	net.Connect(Selector{Node: "h2", Intrfc: "*", Kind: MacRx}, func(ev *TraceEvent) {
		hdrs, err := ev.Pckt.Headers()
		require.NoError(t, err)
		require.NotNil(t, hdrs.TCP)
		seqs = append(seqs, hdrs.TCP.Seq)
	})

	// a message larger than the queue holds is buffered at the socket, not dropped
	assert.Equal(t, 8, sock.Send(evtMgr, 7*1380+100))
	assert.Greater(t, sock.Pending(), 0)
	net.Run(evtMgr, 5.0)

	assert.Equal(t, 0, net.Stats().Drops)
	assert.Equal(t, 7*1380+100, sink.RxBytes)
	assert.Equal(t, []uint32{1, 1381, 2761, 4141, 5521, 6901, 8281, 9661}, seqs)
	assert.Equal(t, 8, sock.Acks)
	assert.Equal(t, uint32(7*1380+100+1), sock.AckedSeq)
	assert.Equal(t, 0, sock.Pending())
}

func TestUnboundPort(t *testing.T) {
	net, h1, h2 := buildLine(t, "100p")
	evtMgr := evtm.New()
	sock, err := h1.Dial(UDP, 5000, Endpoint{Addr: h2.Addr, Port: 7})
	require.NoError(t, err)
	sock.Send(evtMgr, 10)
	net.Run(evtMgr, 1.0)
	assert.Equal(t, 1, h2.Unbound)

	_, err = h1.Dial(UDP, 5000, Endpoint{Addr: h2.Addr, Port: 8})
	assert.Error(t, err)
	_, err = h1.Dial(UDP, 5001, Endpoint{Addr: netip.MustParseAddr("192.0.2.1"), Port: 8})
	assert.Error(t, err)
}

func TestSetParameters(t *testing.T) {
	net, _, _ := buildLine(t, "100p")
	expCfg := CreateExpCfg("bottleneck")
	require.NoError(t, expCfg.AddParameter("Interface", []AttrbStruct{{AttrbName: "name", AttrbValue: "sw.1"}}, "queue", "7p"))
	require.NoError(t, expCfg.AddParameter("Interface", WildcardAttrbs(), "bandwidth", "5Mbps"))
	require.NoError(t, expCfg.AddParameter("Interface", WildcardAttrbs(), "queue", "50"))
	require.NoError(t, expCfg.AddParameter("Interface", []AttrbStruct{{AttrbName: "devtype", AttrbValue: "Switch"}}, "delay", "2ms"))
	require.NoError(t, expCfg.AddParameter("Host", []AttrbStruct{{AttrbName: "group", AttrbValue: "senders"}}, "mss", "536"))

	require.NoError(t, net.SetParameters(expCfg))
	for _, intrfc := range net.Intrfcs {
		assert.Equal(t, 5e6, intrfc.Bndwdth, intrfc.Name)
		if intrfc.Name == "sw.1" {
			assert.Equal(t, 7, intrfc.QCap)
		} else {
			assert.Equal(t, 50, intrfc.QCap, intrfc.Name)
		}
		if intrfc.Device.DevType() == SwitchCode {
			assert.InDelta(t, 2e-3, intrfc.Delay, 1e-12)
		} else {
			assert.InDelta(t, 1e-3, intrfc.Delay, 1e-12)
		}
	}
	h1, _ := net.HostByName("h1")
	assert.Equal(t, 536, h1.MSS)

	bad := CreateExpCfg("bad")
	assert.Error(t, bad.AddParameter("Router", WildcardAttrbs(), "queue", "1"))
	bad.Parameters = append(bad.Parameters, ExpParameter{ParamObj: "Interface", Attributes: WildcardAttrbs(), Param: "bandwidth", Value: "fast"})
	assert.Error(t, net.SetParameters(bad))
}

func TestHeadersRoundTrip(t *testing.T) {
	hdrs := Headers{
		Eth: EthernetHdr{Dst: MAC{1, 2, 3, 4, 5, 6}, Src: MAC{6, 5, 4, 3, 2, 1}, EtherType: etherTypeIPv4},
		IP: IPv4Hdr{TotalLen: 1420, ID: 77, DSCP: 10, ECN: 1, TTL: 64, Protocol: TCP,
			Src: netip.MustParseAddr("10.1.1.3"), Dst: netip.MustParseAddr("10.1.1.1")},
		TCP: &TCPHdr{SrcPort: 49153, DstPort: 4200, Seq: 1381, Ack: 1, Flags: tcpFlagACK, Window: 65535},
	}
	back, err := ParseHeaders(hdrs.Marshal())
	require.NoError(t, err)
	assert.Equal(t, hdrs.Eth, back.Eth)
	assert.Equal(t, hdrs.IP, back.IP)
	assert.Equal(t, *hdrs.TCP, *back.TCP)
	assert.Nil(t, back.UDP)
	assert.Equal(t, 1400, back.IP.PayloadSize())

	// an unknown transport parses with neither transport header
	hdrs.IP.Protocol = 1
	hdrs.TCP = nil
	back, err = ParseHeaders(hdrs.Marshal())
	require.NoError(t, err)
	assert.Nil(t, back.TCP)
	assert.Nil(t, back.UDP)
	assert.Equal(t, uint16(0), back.DstPort())

	_, err = ParseHeaders([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestUnits(t *testing.T) {
	for in, want := range map[string]float64{"5Mbps": 5e6, "100kbps": 1e5, "1Gbps": 1e9, "1500": 1500, "1MB/s": 8e6} {
		got, err := ParseDataRate(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseDataRate("fast")
	assert.Error(t, err)
	assert.Equal(t, "5Mbps", FormatDataRate(5e6))

	secs, err := ParseDelay("5ms")
	require.NoError(t, err)
	assert.InDelta(t, 0.005, secs, 1e-12)
	secs, err = ParseDelay("0.25")
	require.NoError(t, err)
	assert.Equal(t, 0.25, secs)

	n, err := ParseQueueSize("100p")
	require.NoError(t, err)
	assert.Equal(t, 100, n)
	_, err = ParseQueueSize("-3p")
	assert.Error(t, err)
}

func TestSelectorMatches(t *testing.T) {
	net, _, _ := buildLine(t, "100p")
	assert.Len(t, net.Matches(Selector{Node: "*", Intrfc: "*"}), 4)
	assert.Len(t, net.Matches(Selector{Node: "sw", Intrfc: "*"}), 2)
	assert.Len(t, net.Matches(Selector{Node: "2", Intrfc: "0"}), 1)
	assert.Empty(t, net.Matches(Selector{Node: "h1", Intrfc: "3"}))
	senders := net.Matches(Selector{Node: "senders", Intrfc: "*"})
	require.Len(t, senders, 1)
	assert.Equal(t, "h1.0", senders[0].Name)

	kind, err := TraceKindFromStr("queue")
	require.NoError(t, err)
	assert.Equal(t, QueueDepth, kind)
	_, err = TraceKindFromStr("bogus")
	assert.Error(t, err)
}

func TestTopoCfgFileRoundTrip(t *testing.T) {
	tc := lineTopo("100p")
	fname := t.TempDir() + "/line.yaml"
	require.NoError(t, tc.WriteToFile(fname))
	back, err := ReadTopoCfg(fname, UseYAML(fname), nil)
	require.NoError(t, err)
	assert.Equal(t, *tc, *back)
	assert.Error(t, tc.WriteToFile(t.TempDir()+"/line.txt"))
}
