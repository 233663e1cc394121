package collect

import (
	"strconv"
	"testing"

	"github.com/iti/evt/evtm"
	"github.com/iti/trafgen/emit"
	"github.com/iti/trafgen/netsim"
	"github.com/iti/trafgen/record"
	"github.com/iti/trafgen/tag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fixture struct {
	net     *netsim.Network
	h1, h2  *netsim.Host
	tags    *tag.Table
	backend *emit.MemoryBackend
	coll    *Collector
}

func newFixture(t *testing.T, queue string) *fixture {
	t.Helper()
	tf := netsim.CreateTopoCfgFrame("line")
	tf.CreateHost("h1")
	tf.CreateHost("h2")
	tf.CreateSwitch("sw")
	tf.ConnectDevs(netsim.LinkDesc{A: "h1", B: "sw", Rate: "10Mbps", Delay: "1ms", Queue: queue})
	tf.ConnectDevs(netsim.LinkDesc{A: "sw", B: "h2", Rate: "1Mbps", Delay: "1ms", Queue: queue})
	tc := tf.Transform()
	net, err := netsim.BuildNetwork(&tc, nil)
	require.NoError(t, err)

	fx := &fixture{net: net, tags: tag.CreateTable(), backend: emit.CreateMemoryBackend()}
	fx.h1, err = net.HostByName("h1")
	require.NoError(t, err)
	fx.h2, err = net.HostByName("h2")
	require.NoError(t, err)
	fx.coll = CreateCollector(fx.tags, emit.CreateEmitter(fx.backend, record.Plain, nil), nil)
	return fx
}

func (fx *fixture) dial(t *testing.T, proto netsim.Protocol, port uint16, wl, app uint32) *netsim.Socket {
	t.Helper()
	_, err := fx.h2.Listen(proto, port)
	require.NoError(t, err)
	sock, err := fx.h1.Dial(proto, 4000+port, netsim.Endpoint{Addr: fx.h2.Addr, Port: port})
	require.NoError(t, err)
	sock.OnTx = func(pckt *netsim.Packet, now float64) {
		fx.tags.Attach(pckt.UID, tag.Set{Origin: now, Workload: wl, App: app, Message: pckt.MsgID})
	}
	return sock
}

func TestTCPPacketRecords(t *testing.T) {
	fx := newFixture(t, "100p")
	points := []Point{
		{Stream: "receiver1", Node: "h2", Intrfc: "*", Event: "rx"},
		{Stream: "sender_{node}", Node: "h1", Intrfc: "0", Event: "tx", Record: "sender"},
		{Stream: "ack_{node}", Node: "h1", Intrfc: "*", Event: "rx", Record: "ack"},
		{Stream: "delay", Node: "h2", Event: "rx", Record: "delay"},
		{Stream: "h1rx", Node: "h1", Event: "rx", TaggedOnly: true},
	}
	for _, pt := range points {
		_, err := fx.coll.Install(fx.net, pt)
		require.NoError(t, err, pt.Stream)
	}

	sock := fx.dial(t, netsim.TCP, 80, 1, 3)
	evtMgr := evtm.New()
	require.Equal(t, 2, sock.SendMessage(evtMgr, 7, 2000))
	fx.net.Run(evtMgr, 1.0)

	rx := fx.backend.Lines["receiver1"]
	require.Len(t, rx, 2)
	for idx, cols := range rx {
		require.Len(t, cols, 20)
		assert.Equal(t, "6", cols[9])
		assert.Equal(t, fx.h1.Addr.String(), cols[10])
		assert.Equal(t, fx.h2.Addr.String(), cols[11])
		assert.Equal(t, "4080", cols[12])
		assert.Equal(t, "80", cols[13])
		assert.Equal(t, "64", cols[7])
		delay, err := strconv.ParseFloat(cols[16], 64)
		require.NoError(t, err)
		tm, _ := strconv.ParseFloat(cols[0], 64)
		assert.Greater(t, delay, 0.0)
		assert.LessOrEqual(t, delay, tm)
		assert.Equal(t, []string{"1", "3", "7"}, cols[17:20], "packet %d", idx)
	}
	assert.Equal(t, "1", rx[0][14])
	assert.Equal(t, "1381", rx[1][14])
	assert.Equal(t, "1434", rx[0][3])
	assert.Equal(t, "1400", rx[0][8])

	require.Len(t, fx.backend.Lines["sender_h1"], 2)
	acks := fx.backend.Lines["ack_h1"]
	require.Len(t, acks, 2)
	assert.Equal(t, "54", acks[0][1])
	assert.Equal(t, "1381", acks[0][4])
	assert.Equal(t, "2001", acks[1][4])

	require.Len(t, fx.backend.Lines["delay"], 2)
	assert.Equal(t, "1", fx.backend.Lines["delay"][0][3])

	// the acks reaching h1 are untagged and filtered out
	assert.Empty(t, fx.backend.Lines["h1rx"])
	assert.Equal(t, 2, fx.coll.Counts.Filtered)
	assert.Equal(t, 2, fx.coll.Count(record.PacketKind))
	assert.Equal(t, 2, fx.coll.Count(record.AckKind))
}

func TestUntaggedUDPRecordsHaveEmptyTagColumns(t *testing.T) {
	fx := newFixture(t, "100p")
	core, logs := observer.New(zap.DebugLevel)
	fx.coll = CreateCollector(fx.tags, emit.CreateEmitter(fx.backend, record.Plain, nil), zap.New(core))
	_, err := fx.coll.Install(fx.net, Point{Stream: "rx", Node: "h2", Event: "rx"})
	require.NoError(t, err)

	_, err = fx.h2.Listen(netsim.UDP, 2100)
	require.NoError(t, err)
	sock, err := fx.h1.Dial(netsim.UDP, 9, netsim.Endpoint{Addr: fx.h2.Addr, Port: 2100})
	require.NoError(t, err)
	evtMgr := evtm.New()
	sock.Send(evtMgr, 512)
	fx.net.Run(evtMgr, 1.0)

	rx := fx.backend.Lines["rx"]
	require.Len(t, rx, 1)
	require.Len(t, rx[0], 18)
	assert.Equal(t, "17", rx[0][9])
	assert.Equal(t, "2100", rx[0][13])
	assert.Equal(t, []string{"", "", "", ""}, rx[0][14:18])
	assert.Equal(t, 1, fx.coll.Counts.Untagged)

	untagged := logs.FilterMessage("untagged packet").All()
	require.Len(t, untagged, 1)
	fields := untagged[0].ContextMap()
	assert.Contains(t, fields, "uid")
	assert.Contains(t, fields["at"], "/NodeList/1/DeviceList/0/")
}

func TestQueueAndDropRecords(t *testing.T) {
	fx := newFixture(t, "2p")
	streams, err := fx.coll.Install(fx.net, Point{Stream: "queue_{node}_{intrfc}", Node: "sw", Intrfc: "1", Event: "queue"})
	require.NoError(t, err)
	assert.Equal(t, []string{"queue_sw_1"}, streams)
	_, err = fx.coll.Install(fx.net, Point{Stream: "drops", Node: "*", Intrfc: "*", Event: "drop"})
	require.NoError(t, err)

	// h1's 10Mbps link outruns sw's 1Mbps egress, so sw.1 fills
	_, err = fx.h2.Listen(netsim.UDP, 2100)
	require.NoError(t, err)
	sock, err := fx.h1.Dial(netsim.UDP, 9, netsim.Endpoint{Addr: fx.h2.Addr, Port: 2100})
	require.NoError(t, err)
	evtMgr := evtm.New()
	for i := 0; i < 5; i++ {
		sock.Send(evtMgr, 1000)
	}
	fx.net.Run(evtMgr, 2.0)

	queue := fx.backend.Lines["queue_sw_1"]
	require.NotEmpty(t, queue)
	sw1, _ := fx.net.IntrfcByName("sw.1")
	for _, cols := range queue {
		assert.Equal(t, sw1.Context(netsim.QueueDepth), cols[0])
		depth, err := strconv.Atoi(cols[2])
		require.NoError(t, err)
		assert.LessOrEqual(t, depth, 2)
	}
	// h1.0 serves one datagram and holds two; the last two are refused
	drops := fx.backend.Lines["drops"]
	require.Len(t, drops, 2)
	h10, _ := fx.net.IntrfcByName("h1.0")
	for _, cols := range drops {
		assert.Equal(t, h10.Context(netsim.Drop), cols[0])
		assert.Equal(t, "1042", cols[2])
		assert.Equal(t, "0", cols[3])
	}
	assert.Equal(t, 2, fx.net.Stats().Drops)
}

func TestUnknownTransport(t *testing.T) {
	fx := newFixture(t, "100p")
	hdrs := netsim.Headers{IP: netsim.IPv4Hdr{TotalLen: 40, TTL: 3, Protocol: netsim.Protocol(1),
		Src: fx.h1.Addr, Dst: fx.h2.Addr}}
	hdrs.Eth.EtherType = 0x0800
	pckt := fx.net.NewPacket()
	pckt.Hdr = hdrs.Marshal()
	pckt.Size = 54

	po := fx.coll.PacketObserved(&netsim.TraceEvent{Kind: netsim.MacRx, Time: 2, Pckt: pckt})
	assert.Equal(t, record.UnknownTransport, po.Transport.Kind)
	cols := record.Columns(po, record.Plain)
	assert.Equal(t, "Unknown transport protocol", cols[12])
	assert.Equal(t, 1, fx.coll.Counts.Unknown)
}

func TestUnparseableHeadersStillRecorded(t *testing.T) {
	fx := newFixture(t, "100p")
	core, logs := observer.New(zap.DebugLevel)
	fx.coll = CreateCollector(fx.tags, emit.CreateEmitter(fx.backend, record.Plain, nil), zap.New(core))

	pckt := fx.net.NewPacket()
	pckt.Hdr = []byte{0, 1, 2}
	pckt.Size = 3
	fx.tags.Attach(pckt.UID, tag.Set{Origin: 1.5, Workload: 2, App: 4, Message: 1})

	emitRx := fx.coll.handler(record.PacketKind, "rx", false)
	emitRx(&netsim.TraceEvent{Kind: netsim.MacRx, Time: 2, Context: "/NodeList/1/DeviceList/0/MacRx", Pckt: pckt})

	rx := fx.backend.Lines["rx"]
	require.Len(t, rx, 1)
	assert.Equal(t, "3", rx[0][3])
	assert.Equal(t, "", rx[0][10])
	assert.Equal(t, "Unknown transport protocol", rx[0][12])
	assert.Equal(t, []string{"0.5", "2", "4", "1"}, rx[0][13:17])
	assert.Equal(t, 1, fx.coll.Counts.Unknown)
	assert.Equal(t, 1, fx.coll.Count(record.PacketKind))
	assert.Len(t, logs.FilterMessage("unparseable packet headers").All(), 1)
}

func TestPointValidation(t *testing.T) {
	assert.NoError(t, (&Point{Stream: "q", Node: "*", Event: "queue"}).Validate())
	assert.Error(t, (&Point{Stream: "q", Node: "*", Event: "queue", Record: "packet"}).Validate())
	assert.Error(t, (&Point{Stream: "s", Node: "*", Event: "rx", Record: "sender"}).Validate())
	assert.Error(t, (&Point{Stream: "s", Node: "*", Event: "sideways"}).Validate())
	assert.Error(t, (&Point{Node: "*", Event: "tx"}).Validate())

	kind, err := (&Point{Stream: "d", Node: "*", Event: "drop"}).RecordKind()
	require.NoError(t, err)
	assert.Equal(t, record.DropKind, kind)
	kind, err = (&Point{Stream: "r", Node: "*", Event: "rx", Record: "delay"}).RecordKind()
	require.NoError(t, err)
	assert.Equal(t, record.DelayKind, kind)

	fx := newFixture(t, "100p")
	_, err = fx.coll.Install(fx.net, Point{Stream: "x", Node: "nobody", Event: "tx"})
	assert.Error(t, err)
}
