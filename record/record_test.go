package record

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func tcpPacket() *PacketObserved {
	return &PacketObserved{
		Time: 2.5, FlowID: 3, UID: 41, Size: 1434, IPID: 9, TTL: 64, PayloadSize: 1400,
		Protocol: 6, Src: "10.1.1.3", Dst: "10.1.1.1",
		Transport: Transport{Kind: TCPTransport, SrcPort: 49153, DstPort: 4200, Seq: 1381, Window: 65535},
		Tags:      Tags{Present: true, Delay: 0.012, Workload: 1, App: 0, Message: 7},
	}
}

func TestPacketColumnsTCP(t *testing.T) {
	assert.Equal(t, []string{"2.5", "3", "41", "1434", "9", "0", "0", "64", "1400", "6", "10.1.1.3", "10.1.1.1",
		"49153", "4200", "1381", "65535", "0.012", "1", "0", "7"}, Columns(tcpPacket(), Plain))
}

func TestPacketColumnsUDPUntagged(t *testing.T) {
	po := tcpPacket()
	po.Protocol = 17
	po.Transport = Transport{Kind: UDPTransport, SrcPort: 49200, DstPort: 2100}
	po.Tags = Tags{}
	cols := Columns(po, Plain)
	assert.Equal(t, []string{"49200", "2100", "", "", "", ""}, cols[12:])
}

func TestPacketColumnsUnknownTransport(t *testing.T) {
	po := tcpPacket()
	po.Protocol = 1
	po.Transport = Transport{}
	cols := Columns(po, Plain)
	assert.Equal(t, "Unknown transport protocol", cols[12])
	assert.Len(t, cols, 17)

	// the marker has no label of its own
	labeled := Columns(po, Labeled)
	assert.Len(t, labeled, 2*16+1)
}

func TestLabeledColumns(t *testing.T) {
	cols := Columns(&QueueSample{Location: "/NodeList/6/DeviceList/0/PacketsInQueue", Time: 1.25, Depth: 4}, Labeled)
	assert.Equal(t, []string{"Location is", "/NodeList/6/DeviceList/0/PacketsInQueue", "Time is", "1.25", "Depth is", "4"}, cols)
}

func TestOtherShapes(t *testing.T) {
	assert.Equal(t, []string{"loc", "3", "1434", "1381"}, Columns(&DropEvent{Location: "loc", Time: 3, Size: 1434, Seq: 1381}, Plain))
	assert.Equal(t, []string{"1.5", "1434", "12", "1"}, Columns(&SenderPacket{Time: 1.5, Size: 1434, UID: 12, Seq: 1}, Plain))
	assert.Equal(t, []string{"1.5", "54", "13", "1", "1381"}, Columns(&AckObserved{Time: 1.5, Size: 54, UID: 13, Seq: 1, Ack: 1381}, Plain))
	assert.Equal(t, []string{"4", "0.25", "600", "2"}, Columns(&DelaySample{Time: 4, Delay: 0.25, Size: 600, Workload: 2}, Plain))
	assert.Equal(t, AckKind, (&AckObserved{}).Kind())
	assert.Equal(t, "drop", DropKind.String())
}

func TestStyleFromStr(t *testing.T) {
	style, ok := StyleFromStr("labeled")
	assert.True(t, ok)
	assert.Equal(t, Labeled, style)
	_, ok = StyleFromStr("fancy")
	assert.False(t, ok)
}
