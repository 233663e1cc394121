package netsim

// routes.go computes shortest-path routes between devices. The network is
// converted into a gonum graph with unit edge weights, so shortest paths
// minimize hop count. Dijkstra trees are cached per source device and
// next-hop interfaces per (device, destination) pair.

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
)

type intPair struct {
	i, j int
}

type routeTable struct {
	connGraph *simple.WeightedDirectedGraph
	cachedSP  map[int]path.Shortest
	nextHop   map[intPair]*Intrfc
}

// buildRoutes creates the connection graph from the network's links
func (net *Network) buildRoutes() {
	rt := new(routeTable)
	rt.connGraph = simple.NewWeightedDirectedGraph(0, math.Inf(1))
	rt.cachedSP = make(map[int]path.Shortest)
	rt.nextHop = make(map[intPair]*Intrfc)

	for id := range net.devByID {
		rt.connGraph.AddNode(simple.Node(id))
	}
	for _, intrfc := range net.Intrfcs {
		from := simple.Node(intrfc.Device.DevID())
		to := simple.Node(intrfc.Peer.Device.DevID())
		rt.connGraph.SetWeightedEdge(simple.WeightedEdge{F: from, T: to, W: 1.0})
	}
	net.routes = rt
}

// getSPTree returns the shortest path tree rooted at from, computing and caching it if needed
func (rt *routeTable) getSPTree(from int) path.Shortest {
	spTree, present := rt.cachedSP[from]
	if present {
		return spTree
	}
	spTree = path.DijkstraFrom(simple.Node(from), rt.connGraph)
	rt.cachedSP[from] = spTree
	return spTree
}

// Route returns the device ids on a shortest path from srcID to dstID, inclusive.
// An empty route means dstID is unreachable.
func (net *Network) Route(srcID, dstID int) []int {
	spTree := net.routes.getSPTree(srcID)
	nodes, _ := spTree.To(int64(dstID))
	route := make([]int, 0, len(nodes))
	for _, node := range nodes {
		route = append(route, int(node.ID()))
	}
	return route
}

// ShowRoute returns a comma-separated list of the device names on the route
func (net *Network) ShowRoute(srcID, dstID int) string {
	names := make([]string, 0)
	for _, id := range net.Route(srcID, dstID) {
		names = append(names, net.devByID[id].DevName())
	}
	return strings.Join(names, ",")
}

// nextIntrfc returns the interface of dev through which packets to dst leave
func (net *Network) nextIntrfc(dev Device, dst *Host) *Intrfc {
	key := intPair{i: dev.DevID(), j: dst.ID}
	intrfc, present := net.routes.nextHop[key]
	if present {
		return intrfc
	}

	route := net.Route(dev.DevID(), dst.ID)
	if len(route) < 2 {
		panic(fmt.Errorf("no route from %s to %s", dev.DevName(), dst.Name))
	}
	for _, candidate := range dev.DevIntrfcs() {
		if candidate.Peer.Device.DevID() == route[1] {
			intrfc = candidate
			break
		}
	}
	if intrfc == nil {
		panic(fmt.Errorf("route from %s to %s has no interface toward device %d", dev.DevName(), dst.Name, route[1]))
	}
	net.routes.nextHop[key] = intrfc
	return intrfc
}
